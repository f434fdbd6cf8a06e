// ABOUTME: serve command: runs the gateway over stdin/stdout for the desktop shell
// ABOUTME: Starts the companion and auto backups, takes the close backup on exit

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var quietFlag bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the desktop shell over stdin/stdout",
	Long: `Reads one JSON request per line from stdin and writes one JSON response per line to stdout.
Logs and the banner go to stderr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&quietFlag, "quiet", "q", false, "do not print the banner")
}

func runServe(ctx context.Context) error {
	gw, cfg, logger, err := openGateway(ctx, true)
	if err != nil {
		return err
	}
	defer closeGateway(ctx, gw, logger)

	if !quietFlag {
		out := color.Error
		cyan := color.New(color.FgCyan)
		gray := color.New(color.FgHiBlack)
		green := color.New(color.FgGreen)

		cyan.Fprint(out, banner)
		gray.Fprintf(out, "    version: %s\n\n", version)
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "Database:  %s\n", cfg.Database.Path)
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "Backups:   %s\n", gw.Backups().Folder())
		green.Fprint(out, "    ▶ ")
		if ep, err := gw.Companion().Endpoint(); err == nil {
			fmt.Fprintf(out, "Companion: %s\n", ep)
		} else if cfg.Companion.Enabled() {
			fmt.Fprintf(out, "Companion: %s (%s probe)\n", cfg.Companion.Executable, cfg.Companion.Probe)
		} else {
			fmt.Fprintf(out, "Companion: adopt only (%s probe)\n", cfg.Companion.Probe)
		}
		fmt.Fprintln(out)
	}

	logger.Info("starting carelink-core",
		"version", version,
		"database", cfg.Database.Path,
		"auto_backup", cfg.Backup.AutoInterval,
		"backup_on_close", cfg.Backup.OnClose,
	)

	err = gw.Run(ctx, func(ctx context.Context) error {
		return gw.Serve(ctx, os.Stdin, os.Stdout)
	})
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}
