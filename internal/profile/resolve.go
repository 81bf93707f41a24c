package profile

import "github.com/matheus3301/chatsync/internal/config"

const DefaultName = "main"

// Resolve picks the active profile: the --profile flag, then
// default_profile from config.toml, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultName
}
