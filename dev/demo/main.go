// The demo is a terminal chat client of one group conversation.
//
//	go run ./dev/demo --group g1 --email a@x.com
//
// Lines typed are sent to the group. `/join <group>` switches conversation,
// `/refresh` reopens it and `/quit` exits.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"

	"github.com/mqy/splitchat/auth"
	"github.com/mqy/splitchat/chat"
	"github.com/mqy/splitchat/history"
	"github.com/mqy/splitchat/live"
	"github.com/mqy/splitchat/msgstore"
	"github.com/mqy/splitchat/session"
)

var (
	flagServer    = flag.String("server", envOr("SPLITCHAT_SERVER", "http://127.0.0.1:5000"), "chat server base url")
	flagGroup     = flag.String("group", envOr("SPLITCHAT_GROUP", ""), "group id to open")
	flagEmail     = flag.String("email", envOr("SPLITCHAT_EMAIL", ""), "email of the local participant")
	flagToken     = flag.String("token", envOr("SPLITCHAT_TOKEN", ""), "bearer token, defaults to a token minted with --jwt-secret or the email")
	flagJWTSecret = flag.String("jwt-secret", envOr("SPLITCHAT_JWT_SECRET", ""), "HS256 secret to mint a token with")
	flagTTL       = flag.Duration("token-ttl", 24*time.Hour, "lifetime of a minted token")
	flagUnion     = flag.Bool("union", false, "merge pushed history with displayed messages instead of replacing them")
)

// envOr reads .env on first use so that it supplies flag defaults.
var loadEnv sync.Once

func envOr(key, def string) string {
	loadEnv.Do(func() { _ = godotenv.Load(".env") })
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func main() {
	flag.Parse()
	defer glog.Flush()

	if *flagGroup == "" || *flagEmail == "" {
		fmt.Fprintln(os.Stderr, "--group and --email are required")
		os.Exit(2)
	}

	token, err := credential()
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p := &printer{}
	notices := session.NewChanNotifier(16)
	go func() {
		for n := range notices.C() {
			fmt.Printf("! %s\n", n.Text)
		}
	}()

	opts := []msgstore.Option{msgstore.WithObserver(p.update)}
	if *flagUnion {
		opts = append(opts, msgstore.WithAdoptPolicy(msgstore.Union))
	}
	m := session.NewManager(*flagEmail, session.Deps{
		History:      history.NewLoader(*flagServer),
		Channels:     session.LiveFactory(live.Config{URL: wsURL(*flagServer)}, nil),
		Credentials:  auth.Static(token),
		Notifier:     notices,
		StoreOptions: opts,
	})
	defer m.Leave()

	if _, err := m.Enter(ctx, *flagGroup); err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *flagGroup, err)
		os.Exit(1)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !command(ctx, m, p, line) {
				return
			}
		}
	}
}

// command handles one input line, returning false to quit.
func command(ctx context.Context, m *session.Manager, p *printer, line string) bool {
	switch {
	case line == "/quit":
		return false
	case line == "/refresh":
		p.reset()
		if _, err := m.Refresh(ctx); err != nil {
			fmt.Printf("! refresh: %v\n", err)
		}
	case strings.HasPrefix(line, "/join "):
		groupID := strings.TrimSpace(strings.TrimPrefix(line, "/join "))
		p.reset()
		if _, err := m.Enter(ctx, groupID); err != nil {
			fmt.Printf("! join %s: %v\n", groupID, err)
		}
	default:
		s := m.Current()
		if s == nil {
			fmt.Println("! no open conversation")
			return true
		}
		d := &session.Draft{Text: line}
		if err := s.Send(d); err != nil {
			glog.V(5).Infof("send: %v", err)
		}
	}
	return true
}

func credential() (string, error) {
	if *flagToken != "" {
		return *flagToken, nil
	}
	if *flagJWTSecret != "" {
		return auth.IssueToken([]byte(*flagJWTSecret), *flagEmail, *flagTTL)
	}
	return *flagEmail, nil
}

func wsURL(server string) string {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://")
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://")
	}
	return server
}

// printer prints the messages appended since the last update, or all of
// them after a replacement.
type printer struct {
	sync.Mutex
	printed int
}

func (p *printer) reset() {
	p.Lock()
	p.printed = 0
	p.Unlock()
}

func (p *printer) update(msgs []chat.Message) {
	p.Lock()
	defer p.Unlock()

	from := p.printed
	if len(msgs) <= p.printed {
		fmt.Printf("--- %d messages ---\n", len(msgs))
		from = 0
	}
	for _, m := range msgs[from:] {
		fmt.Printf("[%s] %s: %s\n", chat.FormatTime(m.Timestamp), chat.DisplayName(m.Sender), m.Text)
	}
	p.printed = len(msgs)
}
