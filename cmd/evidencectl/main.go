package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/complyledger/evidence/internal/api"
	"github.com/complyledger/evidence/internal/config"
	"github.com/complyledger/evidence/internal/hasher"
	"github.com/complyledger/evidence/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const usage = `Usage: evidencectl [flags] <command>

Commands:
  serve          run the HTTP API and scheduler
  migrate        apply the database schema
  hash <file>    print the SHA-256 of a payload file as stored in the ledger
`

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("evidencectl v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, args []string) error {
	switch args[0] {
	case "hash":
		if len(args) != 2 {
			return fmt.Errorf("hash takes exactly one file")
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}
		fmt.Println(hasher.Hash(data))
		return nil

	case "migrate":
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		st, err := store.New(store.Config{
			DSN:          cfg.Database.DSN(),
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}
		fmt.Printf("Schema version %d applied\n", store.SchemaVersion)
		return nil

	case "serve":
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		server, err := api.NewServer(ctx, cfg)
		if err != nil {
			return fmt.Errorf("initializing server: %w", err)
		}
		return server.Run(ctx)

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}
