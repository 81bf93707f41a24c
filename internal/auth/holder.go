package auth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/matheus3301/chatsync/internal/logging"
	"go.uber.org/zap"
)

// FileHolder keeps the profile's bearer token in a 0600 file. Other processes
// (chatsyncctl login/logout) change it; Watch reports those changes.
type FileHolder struct {
	path   string
	logger *zap.Logger
}

func NewFileHolder(path string, logger *zap.Logger) *FileHolder {
	return &FileHolder{path: filepath.Clean(path), logger: logging.OrNop(logger)}
}

// Token returns the stored token, or "" when none is stored.
func (h *FileHolder) Token() (string, error) {
	data, err := os.ReadFile(h.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Store replaces the stored token atomically.
func (h *FileHolder) Store(token string) error {
	if err := os.MkdirAll(filepath.Dir(h.path), 0700); err != nil {
		return err
	}
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.TrimSpace(token)+"\n"), 0600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return os.Rename(tmp, h.path)
}

// Clear removes the stored token. Clearing an empty holder is not an error.
func (h *FileHolder) Clear() error {
	if err := os.Remove(h.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

// Watch calls fn with the new token each time the stored value changes,
// including "" on removal, until ctx is done.
func (h *FileHolder) Watch(ctx context.Context, fn func(token string)) error {
	dir := filepath.Dir(h.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("token watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	last, _ := h.Token()
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != h.path {
					continue
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				token, err := h.Token()
				if err != nil {
					h.logger.Warn("reading token after change", zap.Error(err))
					continue
				}
				if token == last {
					continue
				}
				last = token
				fn(token)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				h.logger.Warn("token watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
