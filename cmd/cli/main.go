// Command qsess is a terminal client for the session server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	u "github.com/gofrs/uuid/v5"

	"github.com/seclith/qsession/internal/client"
	"github.com/seclith/qsession/internal/model"
)

// ---- config/token store ----

type tokenFile struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "qsession")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "qsession")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok, userID string, exp time.Time) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.Create(tokenPath())
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{Token: tok, UserID: userID, ExpiresAt: exp})
}

func loadToken() (tokenFile, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tokenFile{}, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return tokenFile{}, err
	}
	if tf.Token == "" || time.Now().After(tf.ExpiresAt) {
		return tokenFile{}, errors.New("no valid token (login required)")
	}
	return tf, nil
}

func queuePath(sessionID string) string {
	return filepath.Join(cfgDir(), "queue-"+sessionID+".json")
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func authedAPI(addr string) (*client.API, u.UUID) {
	tf, err := loadToken()
	if err != nil {
		fail(err)
	}
	uid, err := u.FromString(tf.UserID)
	if err != nil {
		fail(err)
	}
	api := client.NewAPI(addr)
	api.SetToken(tf.Token)
	return api, uid
}

func mustUUID(s, name string) u.UUID {
	id, err := u.FromString(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s must be a uuid\n", name)
		os.Exit(1)
	}
	return id
}

func usage() {
	fmt.Fprintf(os.Stderr, `qsess CLI
Usage:
  qsess -addr URL <cmd> [args]

Commands:
  version
  login     [-user uuid]                      (saves token)
  keygen
  create    -name <name> [-duration min] [-level standard|high|maximum] [-auth anyone|connections]
  join      -key <KEY>
  messages  -session <uuid>
  send      -session <uuid> -m <text> [-mode normal|self-destruct]
  watch     -session <uuid> [-key KEY]        (live feed until Ctrl-C)
  rotate    -session <uuid>
  destroy   -session <uuid>
  report    -session <uuid> -reason <text>
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands against the HTTP API.
func main() {
	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {

	case "version":
		fmt.Printf("qsess %s (%s)\n", version, buildDate)

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		user := fs.String("user", "", "existing user id (optional)")
		_ = fs.Parse(flag.Args()[1:])

		api := client.NewAPI(*addr)
		tok, uid, err := api.Token(ctx, *user)
		if err != nil {
			fail(err)
		}
		if err := saveToken(tok, uid.String(), time.Now().Add(23*time.Hour)); err != nil {
			fail(err)
		}
		fmt.Println(uid.String())

	case "keygen":
		api, _ := authedAPI(*addr)
		key, err := api.Keygen(ctx)
		if err != nil {
			fail(err)
		}
		fmt.Println(key)

	case "create":
		fs := flag.NewFlagSet("create", flag.ExitOnError)
		name := fs.String("name", "", "session name")
		duration := fs.Int("duration", 15, "session duration, minutes")
		level := fs.String("level", "standard", "security level")
		auth := fs.String("auth", "anyone", "authenticity policy")
		_ = fs.Parse(flag.Args()[1:])

		api, _ := authedAPI(*addr)
		view, err := api.CreateSession(ctx, client.CreateSessionParams{
			Name:          *name,
			DurationMin:   *duration,
			SecurityLevel: *level,
			Authenticity:  *auth,
		})
		if err != nil {
			fail(err)
		}
		printJSON(view)

	case "join":
		fs := flag.NewFlagSet("join", flag.ExitOnError)
		key := fs.String("key", "", "session key")
		_ = fs.Parse(flag.Args()[1:])
		if *key == "" {
			fmt.Fprintln(os.Stderr, "need -key")
			os.Exit(1)
		}

		api, _ := authedAPI(*addr)
		attempts := client.NewJoinAttempts()
		view, err := api.JoinSession(ctx, strings.ToUpper(*key), deviceInfo())
		if err != nil {
			fmt.Fprintln(os.Stderr, attempts.Fail(strings.ToUpper(*key)))
			fail(err)
		}
		attempts.Success()
		printJSON(view)

	case "messages":
		fs := flag.NewFlagSet("messages", flag.ExitOnError)
		session := fs.String("session", "", "session id")
		_ = fs.Parse(flag.Args()[1:])

		api, _ := authedAPI(*addr)
		msgs, err := api.Messages(ctx, mustUUID(*session, "-session"))
		if err != nil {
			fail(err)
		}
		for _, m := range msgs {
			fmt.Printf("%s  %s  %s\n", m.CreatedAt.Format(time.RFC3339), m.SenderID, m.Content)
		}

	case "send":
		fs := flag.NewFlagSet("send", flag.ExitOnError)
		session := fs.String("session", "", "session id")
		text := fs.String("m", "", "message text")
		mode := fs.String("mode", "normal", "chat mode")
		_ = fs.Parse(flag.Args()[1:])
		if *text == "" {
			fmt.Fprintln(os.Stderr, "need -m")
			os.Exit(1)
		}

		api, _ := authedAPI(*addr)
		msg, err := api.SendMessage(ctx, mustUUID(*session, "-session"), *text, model.ChatMode(*mode))
		if err != nil {
			fail(err)
		}
		fmt.Println(msg.ID.String())

	case "watch":
		fs := flag.NewFlagSet("watch", flag.ExitOnError)
		session := fs.String("session", "", "session id")
		key := fs.String("key", "", "current session key (optional)")
		_ = fs.Parse(flag.Args()[1:])

		watch(*addr, mustUUID(*session, "-session"), *key)

	case "rotate":
		fs := flag.NewFlagSet("rotate", flag.ExitOnError)
		session := fs.String("session", "", "session id")
		_ = fs.Parse(flag.Args()[1:])

		api, _ := authedAPI(*addr)
		newKey, err := api.RotateKey(ctx, mustUUID(*session, "-session"))
		if err != nil {
			fail(err)
		}
		fmt.Println(newKey)

	case "destroy":
		fs := flag.NewFlagSet("destroy", flag.ExitOnError)
		session := fs.String("session", "", "session id")
		_ = fs.Parse(flag.Args()[1:])

		api, _ := authedAPI(*addr)
		if err := api.DestroySession(ctx, mustUUID(*session, "-session")); err != nil {
			fail(err)
		}
		fmt.Println("destroyed")

	case "report":
		fs := flag.NewFlagSet("report", flag.ExitOnError)
		session := fs.String("session", "", "session id")
		reason := fs.String("reason", "", "what was observed")
		_ = fs.Parse(flag.Args()[1:])
		if *reason == "" {
			fmt.Fprintln(os.Stderr, "need -reason")
			os.Exit(1)
		}

		api, _ := authedAPI(*addr)
		if err := api.ReportIntrusion(ctx, mustUUID(*session, "-session"), *reason, deviceInfo()); err != nil {
			fail(err)
		}
		fmt.Println("reported")

	default:
		usage()
	}
}

// watch runs the full client runtime: live feed, local store, typing, and
// offline queue, printing messages as they arrive.
func watch(addr string, sessionID u.UUID, key string) {
	api, uid := authedAPI(addr)

	sess, err := client.NewSession(client.SessionConfig{
		API:       api,
		UserID:    uid,
		SessionID: sessionID,
		Key:       key,
		QueuePath: queuePath(sessionID.String()),
	})
	if err != nil {
		fail(err)
	}
	sess.OnNotice = func(text string) {
		fmt.Println("**", text)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sess.Open(ctx); err != nil {
		fail(err)
	}
	defer sess.Close()

	for _, m := range sess.Store.Visible() {
		fmt.Printf("%s  %s  %s\n", m.CreatedAt.Format(time.RFC3339), m.SenderID, m.Content)
	}

	seen := map[u.UUID]bool{}
	for _, m := range sess.Store.Visible() {
		seen[m.ID] = true
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range sess.Store.Visible() {
				if seen[m.ID] {
					continue
				}
				seen[m.ID] = true
				fmt.Printf("%s  %s  %s\n", m.CreatedAt.Format(time.RFC3339), m.SenderID, m.Content)
				if m.SenderID != uid {
					mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
					_ = sess.MarkRead(mctx, m.ID)
					cancel()
				}
			}
			if typing := sess.Typing.Typing(); len(typing) > 0 {
				fmt.Printf("-- %d participant(s) typing\n", len(typing))
			}
		}
	}
}

func deviceInfo() json.RawMessage {
	host, _ := os.Hostname()
	info := map[string]string{
		"client":   "qsess/" + version,
		"hostname": host,
	}
	b, _ := json.Marshal(info)
	return b
}
