package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nfrund/roomsync/internal/domain"
	"github.com/nfrund/roomsync/internal/events"
	"github.com/nfrund/roomsync/internal/session"
	"github.com/nfrund/roomsync/internal/store"
)

var (
	joinRoom   string
	joinUser   string
	joinHandle string
	joinServer string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room from the terminal",
	Long: `Join a room and chat from the terminal. Every line read from stdin is
sent as a message; incoming messages and document changes are printed.

Commands:
  /doc <text>          replace the shared document
  /who                 list the participants
  /ids                 list recent messages with their ids
  /react <id> <emoji>  add or remove a reaction
  /reply <id> <text>   answer a message
  /older               load older history
  /quit                leave the room

Write @user in a message to mention someone.

Examples:
  roomsync join --room lobby --user alice
  roomsync join --room lobby --user bob --server ws://relay:8080/ws`,
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&joinRoom, "room", "", "room to join")
	joinCmd.Flags().StringVar(&joinUser, "user", "", "your user id")
	joinCmd.Flags().StringVar(&joinHandle, "handle", "", "display name (defaults to the user id)")
	joinCmd.Flags().StringVar(&joinServer, "server", "", "relay WebSocket URL (overrides ROOMSYNC_SERVER_URL)")
	_ = joinCmd.MarkFlagRequired("room")
	_ = joinCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(joinCmd)
}

// printer writes each committed message once.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]bool
}

func (p *printer) messages(msgs []domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if m.ID == "" || p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		fmt.Fprintf(p.out, "[%s] %s\n", m.SenderID, m.Content)
	}
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func runJoin(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wsURL := cfg.GetServerURL()
	if joinServer != "" {
		wsURL = joinServer
	}
	restURL, err := restBaseURL(wsURL)
	if err != nil {
		return err
	}
	handle := joinHandle
	if handle == "" {
		handle = joinUser
	}

	out := &printer{out: cmd.OutOrStdout(), printed: make(map[string]bool)}
	var m *session.Manager
	m = session.NewManager(wsURL+"?user="+url.QueryEscape(joinUser),
		session.WithPersistence(store.NewHTTPClient(restURL, nil)),
		session.WithReconnectBackoff(cfg.GetReconnectMin(), cfg.GetReconnectMax()),
		session.WithPresenceInterval(cfg.GetPresenceInterval()),
		session.WithTyping(cfg.GetTypingIdle(), cfg.GetTypingTTL()),
		session.WithHistoryPageSize(cfg.GetHistoryPageSize()),
		session.WithLogger(logger),
		session.WithOnMessages(func(roomID string) {
			if r, ok := m.Room(roomID); ok {
				out.messages(r.Messages())
			}
		}),
		session.WithOnDocument(func(_ string, state domain.DocumentState) {
			out.line("* document v%d by %s: %s", state.Version, state.LastModifiedBy, state.Content)
		}),
		session.WithOnMention(func(_ string, mention events.Mention) {
			out.line("* %s mentioned you: %s", mention.FromUser, mention.Preview)
		}),
	)
	defer m.Disconnect()
	m.OnStatus(func(s session.Status) {
		out.line("* %s", s)
	})

	connectCtx, cancel := context.WithTimeout(ctx, cfg.GetHandshakeTimeout())
	defer cancel()
	if _, err := m.Connect(connectCtx); err != nil {
		return err
	}
	room, err := m.JoinRoom(connectCtx, joinRoom, domain.Participant{UserID: joinUser, Handle: handle})
	if err != nil {
		return err
	}
	out.messages(room.Messages())
	out.line("* joined %s (%d online)", joinRoom, room.OnlineCount())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return m.LeaveRoom(context.Background(), joinRoom)
		case text, ok := <-lines:
			if !ok || text == "/quit" {
				return m.LeaveRoom(ctx, joinRoom)
			}
			if err := handleLine(ctx, room, out, text); err != nil {
				out.line("! %v", err)
			}
		}
	}
}

func handleLine(ctx context.Context, room *session.Room, out *printer, text string) error {
	switch {
	case strings.TrimSpace(text) == "":
		return nil
	case strings.HasPrefix(text, "/doc "):
		return room.EditDocument(ctx, strings.TrimPrefix(text, "/doc "))
	case text == "/who":
		for _, p := range room.Participants() {
			state := "offline"
			if p.Online {
				state = "online"
			}
			out.line("  %s (%s) %s", p.DisplayName(), p.UserID, state)
		}
		return nil
	case text == "/ids":
		msgs := room.Messages()
		if len(msgs) > recentIDs {
			msgs = msgs[len(msgs)-recentIDs:]
		}
		for _, m := range msgs {
			if m.ID != "" {
				out.line("  %s [%s] %s%s", m.ID, m.SenderID, m.Content, formatReactions(m.Reactions))
			}
		}
		return nil
	case strings.HasPrefix(text, "/react "):
		id, emoji, ok := commandArgs(text, "/react ")
		if !ok {
			return errors.New("usage: /react <id> <emoji>")
		}
		return room.ToggleReaction(ctx, id, emoji)
	case strings.HasPrefix(text, "/reply "):
		id, body, ok := commandArgs(text, "/reply ")
		if !ok {
			return errors.New("usage: /reply <id> <text>")
		}
		_, err := room.Reply(ctx, id, body)
		return err
	case text == "/older":
		n, err := room.LoadOlder(ctx)
		if err != nil {
			return err
		}
		out.line("* loaded %d older messages", n)
		return nil
	default:
		_, err := room.Send(ctx, text, domain.MessageText)
		return err
	}
}

// recentIDs is how many messages /ids lists.
const recentIDs = 10

// commandArgs splits "<prefix><id> <rest>".
func commandArgs(text, prefix string) (id, rest string, ok bool) {
	id, rest, ok = strings.Cut(strings.TrimSpace(strings.TrimPrefix(text, prefix)), " ")
	rest = strings.TrimSpace(rest)
	return id, rest, ok && id != "" && rest != ""
}

func formatReactions(reactions map[string][]string) string {
	if len(reactions) == 0 {
		return ""
	}
	emojis := make([]string, 0, len(reactions))
	for emoji := range reactions {
		emojis = append(emojis, emoji)
	}
	sort.Strings(emojis)
	var b strings.Builder
	for _, emoji := range emojis {
		fmt.Fprintf(&b, " %s%d", emoji, len(reactions[emoji]))
	}
	return b.String()
}

// restBaseURL derives the relay's HTTP base from its WebSocket URL.
func restBaseURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", wsURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("invalid server url %q: scheme must be ws or wss", wsURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/"), nil
}
