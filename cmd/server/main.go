package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/NicolasHaas/byteswap/pkg/datastore"
	"github.com/NicolasHaas/byteswap/pkg/logging"
	"github.com/NicolasHaas/byteswap/pkg/server"
	"github.com/NicolasHaas/byteswap/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	flag.StringVar(&cfg.ControlAddr, "control", cfg.ControlAddr, "TCP/TLS control plane bind address")
	flag.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP bind address for /ws, /metrics and /healthz (empty to disable)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.StringVar(&cfg.CertFile, "cert", "", "TLS certificate file (auto-generated if empty)")
	flag.StringVar(&cfg.KeyFile, "key", "", "TLS private key file (auto-generated if empty)")
	flag.StringVar(&cfg.DataDir, "data", ".", "Data directory for generated files")
	flag.BoolVar(&cfg.Open, "open", false, "Accept any user id without a token (open server)")
	origins := flag.String("origins", "", "Comma-separated WebSocket origins allowed besides same-origin (* for any)")
	flag.StringVar(&cfg.ConfigFile, "config", "", "YAML config file; explicit flags take precedence")

	flag.DurationVar(&cfg.Engine.StalenessWindow, "staleness", cfg.Engine.StalenessWindow, "How long a matching attempt keeps a user in the candidate pool")
	flag.DurationVar(&cfg.Engine.NegotiationTimeout, "negotiation-timeout", cfg.Engine.NegotiationTimeout, "Partner request expiry (0 disables)")
	flag.DurationVar(&cfg.Engine.SessionDuration, "session-duration", cfg.Engine.SessionDuration, "Session length limit (0 disables)")
	flag.DurationVar(&cfg.Engine.SweepInterval, "sweep", cfg.Engine.SweepInterval, "Orphaned lock sweep interval")

	flag.StringVar(&cfg.CreateUser, "create-user", "", "Create a user with this name, print its id and token, and exit")
	flag.BoolVar(&cfg.ExportUsers, "export-users", false, "Export all users as YAML and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")

	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	if *showVersion {
		fmt.Println("byteswap-server", version.Full())
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if cfg.ConfigFile != "" {
		if err := server.LoadConfigFile(cfg.ConfigFile, &cfg); err != nil {
			slog.Error("load config", "file", cfg.ConfigFile, "err", err)
			os.Exit(1)
		}
		// Re-apply flags so the command line wins over the file.
		_ = flag.CommandLine.Parse(os.Args[1:])
	}
	if *origins != "" {
		cfg.AllowedOrigins = splitList(*origins)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	// Handle CLI-only commands (run and exit)
	if cfg.CreateUser != "" || cfg.ExportUsers {
		defer st.Close()
		ctx := context.Background()

		if cfg.CreateUser != "" {
			user, token, err := server.CreateUserWithToken(ctx, st, cfg.CreateUser)
			if err != nil {
				slog.Error("create user", "err", err)
				os.Exit(1)
			}
			fmt.Printf("user id: %s\ntoken:   %s\n", user.ID, token)
		}
		if cfg.ExportUsers {
			data, err := server.ExportUsersYAML(ctx, st)
			if err != nil {
				slog.Error("export users", "err", err)
				os.Exit(1)
			}
			fmt.Print(string(data))
		}
		return
	}

	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
