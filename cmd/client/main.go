package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/samber/lo"

	"github.com/NicolasHaas/gorelay/pkg/client"
	"github.com/NicolasHaas/gorelay/pkg/logging"
	"github.com/NicolasHaas/gorelay/pkg/version"
)

// options are read from the environment first, then flags.
type options struct {
	Addr      string `env:"RELAY_ADDR"` // host:port or ws:// URL; empty = most recent bookmark
	Username  string `env:"RELAY_USERNAME"`
	Password  string `env:"RELAY_PASSWORD"`
	Nickname  string `env:"RELAY_NICKNAME"`
	Register  bool   `env:"RELAY_REGISTER"`
	LogLevel  string `env:"RELAY_LOG_LEVEL"`
	LogFormat string `env:"RELAY_LOG_FORMAT"`
}

func main() {
	settingsPath := client.DefaultSettingsPath()
	settings := client.LoadSettings(settingsPath)
	bookmarks := client.NewBookmarkStore(client.DefaultBookmarksPath())
	_ = bookmarks.Load()

	opts := options{Nickname: settings.Nickname, LogLevel: settings.LogLevel, LogFormat: "text"}
	_ = godotenv.Load()
	if _, err := env.UnmarshalFromEnviron(&opts); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&opts.Addr, "addr", opts.Addr, "Server address (host:port, ws:// URL or bookmark name)")
	flag.StringVar(&opts.Username, "user", opts.Username, "Username")
	flag.StringVar(&opts.Nickname, "nick", opts.Nickname, "Nickname for this session")
	flag.BoolVar(&opts.Register, "register", opts.Register, "Create the account if it does not exist")
	flag.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level: "+logging.LevelNames())
	flag.StringVar(&opts.LogFormat, "log-format", opts.LogFormat, "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Banner("client"))
		return
	}

	logger, err := logging.Setup(logging.Options{
		Level:  opts.LogLevel,
		Format: opts.LogFormat,
		Output: os.Stderr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}
	logger.Debug(version.Banner("client"))

	// Resolve a bookmark name, or fall back to the most recent server.
	if b := bookmarks.Find(opts.Addr); b != nil {
		opts.Addr = b.Addr
		if opts.Username == "" {
			opts.Username = b.Username
		}
	} else if opts.Addr == "" {
		if b := bookmarks.MostRecent(); b != nil {
			opts.Addr = b.Addr
			opts.Username = lo.CoalesceOrEmpty(opts.Username, b.Username)
		}
	}
	if opts.Addr == "" || opts.Username == "" {
		fmt.Fprintln(os.Stderr, "usage: gorelay-client -addr host:port -user name (password from RELAY_PASSWORD)")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := client.NewEngine()
	r := &repl{engine: engine, settings: settings, out: os.Stdout}
	r.hooks()

	connectCtx, cancel := context.WithTimeout(ctx, client.DefaultRequestTimeout)
	err = engine.Connect(connectCtx, opts.Addr, client.Credentials{
		Username: opts.Username,
		Password: opts.Password,
		Nickname: opts.Nickname,
		Register: opts.Register,
	})
	cancel()
	if err != nil {
		logger.Error("connect", "addr", opts.Addr, "err", err)
		os.Exit(1)
	}
	defer engine.Disconnect()

	now := time.Now().Unix()
	if !bookmarks.Touch(opts.Addr, opts.Username, now) {
		bookmarks.Add(client.Bookmark{Name: opts.Addr, Addr: opts.Addr, Username: opts.Username, LastUsed: now})
	}
	if err := bookmarks.Save(); err != nil {
		logger.Warn("save bookmarks", "err", err)
	}

	fmt.Printf("connected to %s as %s (/help for commands)\n", opts.Addr, engine.Nickname())
	if id := settings.DefaultChat; id > 0 {
		if chat, ok := engine.Chat(id); ok && chat.Active && chat.Subscribed {
			r.current.Store(id)
		}
	}

	// Stdin blocks, so the loop runs aside and ctx ends the session on a signal.
	done := make(chan error, 1)
	go func() { done <- r.run(ctx, os.Stdin) }()
	select {
	case <-ctx.Done():
	case err := <-done:
		if err != nil {
			logger.Error("session ended", "err", err)
		}
	}

	if err := settings.Save(settingsPath); err != nil {
		logger.Warn("save settings", "err", err)
	}
}
