// ABOUTME: init command: writes a default config file and creates the database
// ABOUTME: Refuses to overwrite an existing config unless --force is given

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/carelink/carelink-core/internal/config"
	"github.com/carelink/carelink-core/internal/logging"
	"github.com/carelink/carelink-core/internal/store"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file and create the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit(cmd.Context(), getConfigPath(), getDataPath(), initForce)
	},
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing config file")
}

func runInit(ctx context.Context, configPath, dataPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	cfg := config.Default(dataPath)
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.NewSQLiteStore(ctx, cfg.Database.Path, logging.Discard())
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	version, err := st.SchemaVersion(ctx)
	_ = st.Close()
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Printf("%s Config written to %s\n", successMark, cyan.Sprint(configPath))
	fmt.Printf("%s Database ready at %s (schema %d)\n", successMark, cyan.Sprint(cfg.Database.Path), version)
	fmt.Printf("  Backups go to %s\n", cfg.Backup.Dir)
	fmt.Println()
	fmt.Println("Next: carelink-core user register")
	return nil
}
