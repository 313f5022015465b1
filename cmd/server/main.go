package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/logging"
	"github.com/NicolasHaas/gorelay/pkg/server"
	"github.com/NicolasHaas/gorelay/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	// Defaults, then .env and the environment, then flags.
	_ = godotenv.Load()
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.ControlAddr, "control", cfg.ControlAddr, "TCP/TLS control plane bind address")
	flag.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP bind address for /metrics, /healthz and /ws (empty to disable)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate file (auto-generated if empty)")
	flag.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS private key file (auto-generated if empty)")
	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory for generated files")
	flag.StringVar(&cfg.TranscriptDir, "transcripts", cfg.TranscriptDir, "Directory for chat transcripts")
	flag.StringVar(&cfg.SeedFile, "seed", cfg.SeedFile, "YAML file with users, chats and subscriptions to create on startup")
	flag.BoolVar(&cfg.AllowRegistration, "register", cfg.AllowRegistration, "Create accounts on first login")
	flag.StringVar(&cfg.AllowedOrigins, "origins", cfg.AllowedOrigins, "Comma-separated origins allowed on /ws (* for any)")
	flag.StringVar(&cfg.AdminUsers, "admins", cfg.AdminUsers, "Comma-separated usernames allowed to list and delete users")
	flag.BoolVar(&cfg.PresenceLines, "presence-lines", cfg.PresenceLines, "Also send a text line when a user joins or leaves")
	flag.BoolVar(&cfg.AutoStopChats, "auto-stop", cfg.AutoStopChats, "End a chat when its last connected subscriber leaves")
	flag.DurationVar(&cfg.DeliveryTimeout, "delivery-timeout", cfg.DeliveryTimeout, "Per-recipient delivery timeout")
	flag.IntVar(&cfg.DeliveryWorkers, "delivery-workers", cfg.DeliveryWorkers, "Parallel deliveries per broadcast")
	flag.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval of the metrics log line (0 to disable)")
	flag.BoolVar(&cfg.ExportUsers, "export-users", false, "Export all users as YAML and exit")
	flag.BoolVar(&cfg.ExportChats, "export-chats", false, "Export all chats with their subscribers as YAML and exit")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: "+logging.LevelNames())
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Banner("server"))
		return
	}

	logger, err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	// Handle export commands (run and exit)
	if cfg.ExportUsers || cfg.ExportChats {
		code := export(cfg, st)
		_ = st.Close()
		os.Exit(code)
	}

	logger.Info(version.Banner("server"))
	srv, err := server.New(cfg, server.Dependencies{Store: st, Logger: logger})
	if err != nil {
		slog.Error("server setup", "err", err)
		os.Exit(1)
	}
	if err := srv.Run(context.Background()); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func export(cfg server.Config, st *datastore.ProviderFactory) int {
	ctx := context.Background()
	if cfg.ExportUsers {
		data, err := server.ExportUsersYAML(ctx, st.NonTx())
		if err != nil {
			slog.Error("export users", "err", err)
			return 1
		}
		fmt.Print(string(data))
	}
	if cfg.ExportChats {
		data, err := server.ExportChatsYAML(ctx, st.NonTx())
		if err != nil {
			slog.Error("export chats", "err", err)
			return 1
		}
		fmt.Print(string(data))
	}
	return 0
}
