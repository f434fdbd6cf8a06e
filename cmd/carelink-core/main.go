// ABOUTME: Entry point for carelink-core, the local record store behind the desktop app
// ABOUTME: Wires the cobra command tree, config discovery, and logger setup

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/carelink/carelink-core/internal/config"
	"github.com/carelink/carelink-core/internal/gateway"
	"github.com/carelink/carelink-core/internal/logging"
)

// Version is set at build time.
var version = "dev"

const banner = `
                     _ _       _
  ___ __ _ _ __ ___ | (_)_ __ | | __
 / __/ _' | '__/ _ \| | | '_ \| |/ /
| (_| (_| | | |  __/| | | | | |   <
 \___\__,_|_|  \___||_|_|_| |_|_|\_\
`

// shutdownTimeout bounds the close backup and companion stop on exit.
const shutdownTimeout = 30 * time.Second

var configFlag string

var rootCmd = &cobra.Command{
	Use:           "carelink-core",
	Short:         "Local encrypted record store for the carelink desktop app",
	Long:          `Runs the record store behind the desktop shell and provides maintenance commands for backups, integrity repair, accounts, and the companion process.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is normal.
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "config file (default $XDG_CONFIG_HOME/carelink/core.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(integrityCmd)
	rootCmd.AddCommand(companionCmd)
	rootCmd.AddCommand(userCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

// getConfigPath returns the path to the config file.
// Priority: --config > CARELINK_CONFIG > XDG_CONFIG_HOME/carelink/core.yaml > ~/.config/carelink/core.yaml
func getConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if envPath := os.Getenv("CARELINK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "core.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "carelink", "core.yaml")
}

// getDataPath returns the carelink data directory.
// Priority: XDG_DATA_HOME/carelink > ~/.local/share/carelink
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "carelink")
}

// loadConfig reads the config file, falling back to defaults under the data
// directory when no file exists yet.
func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if errors.Is(err, fs.ErrNotExist) && configFlag == "" {
		return config.Default(getDataPath()), "", nil
	}
	return nil, path, fmt.Errorf("loading config: %w", err)
}

// openGateway loads config and opens the database. Logs go to stderr so that
// stdout stays free for command output and the serve protocol. Only serve
// takes the close backup.
func openGateway(ctx context.Context, serving bool) (*gateway.Gateway, *config.Config, *slog.Logger, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if !serving {
		cfg.Backup.OnClose = false
	}
	logger := logging.New(cfg.Logging, os.Stderr)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
		return nil, nil, nil, fmt.Errorf("creating data directory: %w", err)
	}

	gw, err := gateway.Open(ctx, cfg, version, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return gw, cfg, logger, nil
}

// closeGateway shuts the gateway down on a context that outlives ctx's
// cancellation.
func closeGateway(ctx context.Context, gw *gateway.Gateway, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown finished with errors", "error", err)
	}
}
