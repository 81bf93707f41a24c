package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/profile"
	grpcstatus "google.golang.org/grpc/status"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		fatalf("cannot connect to daemon for profile %q: %v", name, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := printer{json: *jsonFlag}
	switch args[0] {
	case "status":
		st, err := c.Status(ctx)
		check(err)
		out.status(st)
	case "contacts", "inbox":
		list, err := c.Conversations(ctx)
		check(err)
		out.conversations(list)
	case "open":
		need(args, 2, "open <peer-id>")
		w, err := c.Open(ctx, args[1])
		check(err)
		out.timeline(w)
	case "close":
		check(c.CloseConversation(ctx))
	case "older":
		w, err := c.LoadOlder(ctx)
		check(err)
		out.timeline(w)
	case "timeline":
		w, err := c.Timeline(ctx)
		check(err)
		out.timeline(w)
	case "type":
		need(args, 2, "type <peer-id> [text...]")
		check(c.UpdateDraft(ctx, args[1], strings.Join(args[2:], " ")))
	case "drafts":
		list, err := c.Drafts(ctx)
		check(err)
		out.drafts(list)
	case "send":
		cmdSend(ctx, c, args[1:], out)
	case "react":
		need(args, 4, "react <peer-id> <message-id> <emoji>")
		check(c.React(ctx, args[1], args[2], args[3]))
	case "delete":
		need(args, 3, "delete <peer-id> <message-id>")
		check(c.DeleteMessage(ctx, args[1], args[2]))
	case "delete-chat":
		need(args, 2, "delete-chat <peer-id>")
		check(c.DeleteChat(ctx, args[1]))
	case "notifications":
		list, err := c.Notifications(ctx)
		check(err)
		out.notifications(list)
	case "dismiss":
		check(c.DismissBanner(ctx))
	case "login":
		cmdLogin(ctx, c, args[1:], out)
	case "logout":
		check(c.Logout(ctx))
		fmt.Println("Signed out.")
	case "profiles":
		names, err := profile.List()
		check(err)
		if out.json {
			outputJSON(names)
			return
		}
		for _, n := range names {
			fmt.Println(n)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                               Show session status")
	fmt.Fprintln(os.Stderr, "  contacts                             List conversations")
	fmt.Fprintln(os.Stderr, "  open <peer>                          Open a conversation")
	fmt.Fprintln(os.Stderr, "  close                                Close the open conversation")
	fmt.Fprintln(os.Stderr, "  older                                Load an older page")
	fmt.Fprintln(os.Stderr, "  timeline                             Show the open conversation")
	fmt.Fprintln(os.Stderr, "  type <peer> [text]                   Update the draft for peer")
	fmt.Fprintln(os.Stderr, "  drafts                               List saved drafts")
	fmt.Fprintln(os.Stderr, "  send [--attach <path>] <peer> <text> Send a message")
	fmt.Fprintln(os.Stderr, "  react <peer> <message> <emoji>       React to a message")
	fmt.Fprintln(os.Stderr, "  delete <peer> <message>              Delete a message")
	fmt.Fprintln(os.Stderr, "  delete-chat <peer>                   Delete a conversation")
	fmt.Fprintln(os.Stderr, "  notifications                        List pending notifications")
	fmt.Fprintln(os.Stderr, "  dismiss                              Dismiss the error banner")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                       Stream engine events")
	fmt.Fprintln(os.Stderr, "  login --token <jwt>                  Sign in")
	fmt.Fprintln(os.Stderr, "  logout                               Sign out")
	fmt.Fprintln(os.Stderr, "  profiles                             List known profiles")
}

type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

func cmdSend(ctx context.Context, c *api.Client, args []string, out printer) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var attach multiFlag
	fs.Var(&attach, "attach", "file to attach (repeatable)")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 1 {
		fatalf("usage: chatsyncctl send [--attach <path>] <peer-id> <text...>")
	}
	msg, err := c.Send(ctx, rest[0], strings.Join(rest[1:], " "), attach)
	check(err)
	out.message(msg)
}

func cmdLogin(ctx context.Context, c *api.Client, args []string, out printer) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "session token issued by the chat server")
	_ = fs.Parse(args)
	if *token == "" {
		fatalf("usage: chatsyncctl login --token <jwt>")
	}
	sess, err := c.Login(ctx, *token)
	check(err)
	if out.json {
		outputJSON(sess)
		return
	}
	fmt.Printf("Signed in as %s\n", sess.UserID)
}

func cmdWatch(c *api.Client, args []string, jsonOut bool) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := c.Watch(ctx, prefix, func(evt api.WatchedEvent) {
		if jsonOut {
			outputJSON(evt)
			return
		}
		fmt.Printf("%s %-32s %v\n", evt.OccurredAt.Format(time.TimeOnly), evt.Kind, evt.Payload)
	})
	if err != nil && ctx.Err() == nil {
		fatalf("%v", err)
	}
}

type printer struct {
	json bool
}

func (p printer) status(st api.Status) {
	if p.json {
		outputJSON(st)
		return
	}
	fmt.Printf("Profile: %s\n", st.Profile)
	fmt.Printf("Status:  %s\n", st.State)
	if st.UserID != "" {
		fmt.Printf("User:    %s (%s)\n", st.DisplayName, st.UserID)
	}
	fmt.Printf("Uptime:  %ds\n", st.UptimeSeconds)
	if st.Banner != "" {
		fmt.Printf("Error:   %s\n", st.Banner)
	}
}

func (p printer) conversations(list []model.ConversationSummary) {
	if p.json {
		outputJSON(list)
		return
	}
	if len(list) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, s := range list {
		marker := " "
		if s.IsOnline {
			marker = "*"
		}
		preview := ""
		if s.LastMessage != nil {
			preview = s.LastMessage.Preview()
		}
		if s.IsPeerTyping {
			preview = "typing..."
		}
		unread := ""
		if s.UnreadCount > 0 {
			unread = fmt.Sprintf("(%d)", s.UnreadCount)
		}
		fmt.Printf("%s %-24s %-20s %5s %s\n", marker, s.PeerID, s.Contact.DisplayName, unread, preview)
	}
}

func (p printer) timeline(w model.TimelineWindow) {
	if p.json {
		outputJSON(w)
		return
	}
	fmt.Printf("-- %s (page %d, more: %v)\n", w.PeerID, w.Page, w.HasMore)
	for _, m := range w.Items {
		p.line(m)
	}
}

func (p printer) message(m model.Message) {
	if p.json {
		outputJSON(m)
		return
	}
	p.line(m)
}

func (printer) line(m model.Message) {
	text := m.Content
	if len(m.Attachments) > 0 {
		text += fmt.Sprintf(" [%d attachment(s)]", len(m.Attachments))
	}
	var reactions []string
	for _, r := range m.Reactions {
		reactions = append(reactions, r.Emoji)
	}
	if len(reactions) > 0 {
		text += " " + strings.Join(reactions, "")
	}
	fmt.Printf("%s %-10s %-8s %s: %s\n", m.CreatedAt.Local().Format("Jan 02 15:04"), m.ID, m.State, m.SenderID, text)
}

func (p printer) drafts(list []model.Draft) {
	if p.json {
		outputJSON(list)
		return
	}
	for _, d := range list {
		fmt.Printf("%-24s %s\n", d.PeerID, d.Text)
	}
}

func (p printer) notifications(list []model.Notification) {
	if p.json {
		outputJSON(list)
		return
	}
	if len(list) == 0 {
		fmt.Println("No notifications.")
		return
	}
	for _, n := range list {
		fmt.Printf("%-24s %s\n", n.PeerID, n.Preview)
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatalf("usage: chatsyncctl %s", usage)
	}
}

func check(err error) {
	if err == nil {
		return
	}
	if s, ok := grpcstatus.FromError(err); ok {
		fatalf("%s (%s)", s.Message(), s.Code())
	}
	fatalf("%v", err)
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", a...)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
