// ABOUTME: backup commands: create, list, status, validate, restore, delete, and folder
// ABOUTME: Long operations show a spinner on stderr while the future completes

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/carelink/carelink-core/internal/backup"
	"github.com/carelink/carelink-core/internal/gateway"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage database backups",
}

var backupType string

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a backup now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		gw, _, logger, err := openGateway(ctx, false)
		if err != nil {
			return err
		}
		defer closeGateway(ctx, gw, logger)

		stop := startSpinner("Creating backup...")
		rec, err := gw.BackupCreate(ctx, gateway.BackupCreateArgs{Type: backup.Type(backupType)})
		if err != nil {
			stop(failureMark + " Backup failed")
			return err
		}
		stop(fmt.Sprintf("%s Created %s (%s)", successMark, rec.FileName, humanSize(rec.SizeBytes)))
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		gw, _, logger, err := openGateway(ctx, false)
		if err != nil {
			return err
		}
		defer closeGateway(ctx, gw, logger)

		records, err := gw.BackupList(ctx, gateway.NoArgs{})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No backups yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tTYPE\tCREATED\tSIZE\tSCHEMA\tSTATE")
		for _, r := range records {
			state := color.GreenString("ok")
			if r.Corrupt {
				state = color.RedString("corrupt: " + r.Reason)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				r.FileName, r.Type, r.CreatedAt.Local().Format(time.DateTime), humanSize(r.SizeBytes), r.SchemaVersion, state)
		}
		return w.Flush()
	},
}

var backupStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarise the backup folder",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		gw, cfg, logger, err := openGateway(ctx, false)
		if err != nil {
			return err
		}
		defer closeGateway(ctx, gw, logger)

		st, err := gw.BackupStatus(ctx, gateway.NoArgs{})
		if err != nil {
			return err
		}
		fmt.Printf("Folder:     %s\n", st.Folder)
		fmt.Printf("Backups:    %d (%s)\n", st.BackupCount, humanSize(st.TotalSizeBytes))
		if st.LastBackupAt != nil {
			fmt.Printf("Newest:     %s\n", st.LastBackupAt.Local().Format(time.DateTime))
		}
		if st.OldestBackupAt != nil {
			fmt.Printf("Oldest:     %s\n", st.OldestBackupAt.Local().Format(time.DateTime))
		}
		if cfg.Backup.RetentionDays > 0 {
			fmt.Printf("Retention:  %d days\n", cfg.Backup.RetentionDays)
		} else {
			fmt.Println("Retention:  disabled")
		}
		return nil
	},
}

var backupValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check a backup without restoring it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		gw, _, logger, err := openGateway(ctx, false)
		if err != nil {
			return err
		}
		defer closeGateway(ctx, gw, logger)

		stop := startSpinner("Validating " + args[0] + "...")
		m, err := gw.BackupValidate(ctx, gateway.BackupFileArgs{FileName: args[0]})
		if err != nil {
			stop(failureMark + " " + args[0] + " is not usable")
			return err
		}
		stop(fmt.Sprintf("%s %s is valid (schema %d, sha256 %s)", successMark, args[0], m.SchemaVersion, m.DatabaseSHA256[:12]))
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore FILE",
	Short: "Replace the live database with a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		gw, _, logger, err := openGateway(ctx, false)
		if err != nil {
			return err
		}
		defer closeGateway(ctx, gw, logger)

		stop := startSpinner("Restoring " + args[0] + "...")
		res, err := gw.BackupRestore(ctx, gateway.BackupFileArgs{FileName: args[0]})
		if err != nil {
			stop(failureMark + " Restore failed, live database unchanged")
			return err
		}
		stop(fmt.Sprintf("%s Restored %s (schema %d)", successMark, res.RestoredFrom, res.SchemaVersion))

		if res.OrphanCount > 0 {
			fmt.Printf("%s %d records reference members that no longer exist.\n", warningMark, res.OrphanCount)
			fmt.Println("  Run 'carelink-core integrity scan' for details.")
		}
		return nil
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete FILE",
	Short: "Delete a backup permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		gw, _, logger, err := openGateway(ctx, false)
		if err != nil {
			return err
		}
		defer closeGateway(ctx, gw, logger)

		if _, err := gw.BackupDelete(ctx, gateway.BackupFileArgs{FileName: args[0]}); err != nil {
			return err
		}
		fmt.Printf("%s Deleted %s\n", successMark, args[0])
		return nil
	},
}

var backupFolderCmd = &cobra.Command{
	Use:   "folder",
	Short: "Print the backup folder",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		gw, _, logger, err := openGateway(ctx, false)
		if err != nil {
			return err
		}
		defer closeGateway(ctx, gw, logger)

		res, err := gw.BackupGetFolder(ctx, gateway.NoArgs{})
		if err != nil {
			return err
		}
		fmt.Println(res.Path)
		return nil
	},
}

func init() {
	backupCreateCmd.Flags().StringVarP(&backupType, "type", "t", string(backup.TypeManual), "backup type: manual, auto, or close")

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupStatusCmd)
	backupCmd.AddCommand(backupValidateCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupDeleteCmd)
	backupCmd.AddCommand(backupFolderCmd)
}

func humanSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
