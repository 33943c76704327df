package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/term"

	"relay/internal/daemon"
	"relay/pkg/config"
	"relay/pkg/logx"
	"relay/pkg/version"
)

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", config.ConfigFileName, "Path to the relay config file (absent file runs the defaults)")
		tee         = flag.Bool("tee", false, "Output logs to both console and file (default: file only)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	// Handle version flag
	if *showVersion {
		fmt.Printf("relay %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	// Initialize log file rotation BEFORE any logging occurs so service
	// construction is captured.
	logsDir := cfg.Store.LogDir
	if logsDir == "" {
		logsDir = filepath.Join(cfg.Store.Dir, "logs")
	}
	if err := logx.InitLogFile(logsDir, cfg.Store.GetLogKeep(), *tee); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize log file: %v\n", err)
		os.Exit(1)
	}

	// Run main logic and get exit code
	exitCode := run(cfg)

	// Close log file before exiting
	if closeErr := logx.CloseLogFile(); closeErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", closeErr)
	}

	os.Exit(exitCode)
}

// run contains the main application logic and returns an exit code.
// This allows defers in main() to execute before os.Exit is called.
func run(cfg *config.Config) int {
	logger := logx.NewLogger("relay")

	secrets, err := loadSecrets(cfg.Store.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Secrets error: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting relay %s", version.Version)

	d, err := daemon.New(ctx, cfg, secrets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize relay: %v\n", err)
		return 1
	}
	defer func() {
		if stopErr := d.Stop(); stopErr != nil {
			logger.Error("Error during shutdown: %v", stopErr)
		}
	}()

	if err := d.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start relay: %v\n", err)
		return 1
	}

	if addr := cfg.Status.Addr; addr != "" {
		logger.Info("Status endpoint: http://%s/status", addr)
	}

	// Block until SIGINT/SIGTERM; the deferred Stop drains the queues.
	<-ctx.Done()
	logger.Info("Shutdown signal received")
	return 0
}

// loadSecrets resolves agent credentials: the encrypted secrets file when the
// state dir has one, environment variables otherwise. The passphrase comes
// from RELAY_PASSPHRASE or an interactive prompt.
func loadSecrets(stateDir string) (*config.Secrets, error) {
	if !config.SecretsFileExists(stateDir) {
		return config.EnvSecrets(), nil
	}

	passphrase := os.Getenv(config.EnvPassphrase)
	if passphrase == "" {
		fmt.Printf("Enter passphrase for %s: ", config.SecretsFileName)
		raw, err := term.ReadPassword(syscall.Stdin)
		fmt.Println() // New line after password input
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		passphrase = string(raw)
	}

	secrets, err := config.LoadSecrets(stateDir, passphrase)
	if err != nil {
		return nil, err
	}
	fmt.Printf("🔓 Loaded %d secret(s) from %s\n", len(secrets.Names()), config.SecretsFileName)
	return secrets, nil
}
