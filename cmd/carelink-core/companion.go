// ABOUTME: companion commands: probe the companion service and restart it
// ABOUTME: status never spawns a process; restart launches one if nothing answers

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/carelink/carelink-core/internal/companion"
	"github.com/carelink/carelink-core/internal/gateway"
	"github.com/carelink/carelink-core/internal/logging"
)

var companionCmd = &cobra.Command{
	Use:   "companion",
	Short: "Inspect and restart the companion service",
}

var companionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the companion answers its health check",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		sup, err := companion.FromConfig(cfg.Companion, logging.New(cfg.Logging, os.Stderr))
		if err != nil {
			return err
		}
		defer sup.Close()

		fmt.Printf("Probe:      %s\n", cfg.Companion.Probe)
		if cfg.Companion.Enabled() {
			fmt.Printf("Executable: %s\n", cfg.Companion.Executable)
		} else {
			fmt.Println("Executable: not configured (adopt only)")
		}

		endpoint, err := sup.Check(cmd.Context())
		if err != nil {
			fmt.Printf("%s Companion at %s is not answering: %v\n", failureMark, endpoint, err)
			fmt.Println("  The desktop app runs in fallback mode until it is back.")
			return nil
		}
		fmt.Printf("%s Companion healthy at %s\n", successMark, color.CyanString(endpoint))
		return nil
	},
}

var companionRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop and relaunch the companion",
	Long: `Stops a companion started by this command and launches it again, retrying with backoff.
A companion that already answers its health check is adopted rather than replaced.
A process spawned here stops when the command exits; use serve for a long-lived companion.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		gw, _, logger, err := openGateway(ctx, false)
		if err != nil {
			return err
		}
		defer closeGateway(ctx, gw, logger)

		stop := startSpinner("Restarting companion...")
		if _, err := gw.CompanionRestart(ctx, gateway.NoArgs{}); err != nil {
			stop(failureMark + " Companion did not come up")
			return err
		}
		st, err := gw.CompanionStatus(ctx, gateway.NoArgs{})
		if err != nil {
			stop(failureMark + " Companion status unavailable")
			return err
		}
		msg := fmt.Sprintf("%s Companion %s", successMark, st.State)
		if st.Pid != 0 {
			msg += fmt.Sprintf(" (pid %d)", st.Pid)
		}
		stop(msg)
		return nil
	},
}

func init() {
	companionCmd.AddCommand(companionStatusCmd)
	companionCmd.AddCommand(companionRestartCmd)
}
