// ABOUTME: Entry point for the keygate authentication service
// ABOUTME: Runs the HTTP API, the task worker, migrations and client-side key tools

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/2389/keygate/internal/config"
	"github.com/2389/keygate/internal/server"
	"github.com/2389/keygate/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                            _
| | _____ _   _  __ _  __ _| |_ ___
| |/ / _ \ | | |/ _' |/ _' | __/ _ \
|   <  __/ |_| | (_| | (_| | ||  __/
|_|\_\___|\__, |\__, |\__,_|\__\___|
          |___/ |___/
`

const usage = `Usage: keygate <command> [flags]

Commands:
  serve     Start the HTTP API (and the task worker unless --no-worker)
  worker    Run only the task worker
  migrate   Apply database migrations and print the schema version
  health    Check a running server
  keygen    Generate an RSA signing key
  login     Register a signing key with username and password
  whoami    Show the key a signed request is authenticated with
`

// getConfigPath returns the config path and whether the user chose it.
// Priority: --config > KEYGATE_CONFIG > XDG_CONFIG_HOME/keygate/keygate.yaml > ~/.config/keygate/keygate.yaml
func getConfigPath(flagValue string) (string, bool) {
	if flagValue != "" {
		return flagValue, true
	}
	if envPath := os.Getenv("KEYGATE_CONFIG"); envPath != "" {
		return envPath, true
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "keygate.yaml", false
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "keygate", "keygate.yaml"), false
}

// loadConfig loads the config file. A missing default file means built-in defaults;
// a missing file the user named is an error.
func loadConfig(flagValue string) (*config.Config, string, error) {
	path, explicit := getConfigPath(flagValue)
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "(defaults)", nil
	}
	return nil, path, fmt.Errorf("loading config: %w", err)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "worker":
		err = runWorker(ctx, args)
	case "migrate":
		err = runMigrate(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "keygen":
		err = runKeygen(args)
	case "login":
		err = runLogin(ctx, args)
	case "whoami":
		err = runWhoami(ctx, args)
	case "version", "--version":
		fmt.Println(version)
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string, configPath *string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.StringVarP(configPath, "config", "c", "", "path to config file (YAML, or TOML by extension)")
	return flagSet
}

// setup loads configuration and installs the process logger.
func setup(configFlag string) (*config.Config, string, *slog.Logger, error) {
	cfg, path, err := loadConfig(configFlag)
	if err != nil {
		return nil, path, nil, err
	}
	logger := setupLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)
	return cfg, path, logger, nil
}

func runServe(ctx context.Context, args []string) error {
	var configFlag string
	var noWorker bool
	flagSet := newFlagSet("serve", &configFlag)
	flagSet.BoolVar(&noWorker, "no-worker", false, "do not run the task worker in this process")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, logger, err := setup(configFlag)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Base URL:  %s\n", cfg.Server.BaseURL)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if noWorker {
		yellow.Println("    ▶ worker disabled; run `keygate worker` separately")
	}
	fmt.Println()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("closing services", "error", err)
		}
	}()

	srv, err := server.New(cfg, svc.serverDeps())
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	if !noWorker {
		worker := svc.newWorker()
		g.Go(func() error { return worker.Run(ctx) })
	}
	return g.Wait()
}

func runWorker(ctx context.Context, args []string) error {
	var configFlag string
	flagSet := newFlagSet("worker", &configFlag)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, _, logger, err := setup(configFlag)
	if err != nil {
		return err
	}
	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("closing services", "error", err)
		}
	}()

	return svc.newWorker().Run(ctx)
}

func runMigrate(ctx context.Context, args []string) error {
	var configFlag string
	flagSet := newFlagSet("migrate", &configFlag)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, _, _, err := setup(configFlag)
	if err != nil {
		return err
	}

	// Opening the store applies pending migrations.
	st, err := store.NewSQLStore(ctx, cfg.Database.Driver, cfg.Database.DataSource())
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := st.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("schema version %d\n", v)
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	var configFlag, baseURL string
	flagSet := newFlagSet("health", &configFlag)
	flagSet.StringVar(&baseURL, "url", "", "server URL (default: server.base_url from config)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if baseURL == "" {
		cfg, _, err := loadConfig(configFlag)
		if err != nil {
			return err
		}
		baseURL = cfg.Server.BaseURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}
