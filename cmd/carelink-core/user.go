// ABOUTME: user commands: register an account and change its password
// ABOUTME: Password changes re-encrypt every sensitive field the user owns

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/carelink/carelink-core/internal/gateway"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage local accounts",
}

var userRegisterCmd = &cobra.Command{
	Use:   "register [USERNAME]",
	Short: "Create a local account",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var username string
		if len(args) == 1 {
			username = args[0]
		} else {
			var err error
			if username, err = readLine("Username: "); err != nil {
				return err
			}
		}
		password, err := readNewPassword("Password: ")
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		gw, _, logger, err := openGateway(ctx, false)
		if err != nil {
			return err
		}
		defer closeGateway(ctx, gw, logger)

		res, err := gw.Register(ctx, gateway.Credentials{Username: username, Password: password})
		if err != nil {
			return err
		}
		fmt.Printf("%s Registered %s (user %d)\n", successMark, username, res.UserID)
		return nil
	},
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd [USERNAME]",
	Short: "Change an account password",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var username string
		if len(args) == 1 {
			username = args[0]
		}

		ctx := cmd.Context()
		gw, _, logger, err := openGateway(ctx, false)
		if err != nil {
			return err
		}
		defer closeGateway(ctx, gw, logger)

		if username == "" {
			if username, err = readLine("Username: "); err != nil {
				return err
			}
		}
		oldPassword, err := readPassword("Current password: ")
		if err != nil {
			return err
		}
		sess, err := gw.Login(ctx, gateway.Credentials{Username: username, Password: oldPassword})
		if err != nil {
			return err
		}
		newPassword, err := readNewPassword("New password: ")
		if err != nil {
			return err
		}

		stop := startSpinner("Re-encrypting records...")
		_, err = gw.ChangePassword(ctx, gateway.ChangePasswordArgs{
			UserID:      sess.UserID,
			OldPassword: oldPassword,
			NewPassword: newPassword,
		})
		if err != nil {
			stop(failureMark + " Password unchanged")
			return err
		}
		stop(successMark + " Password changed")
		return nil
	},
}

func init() {
	userCmd.AddCommand(userRegisterCmd)
	userCmd.AddCommand(userPasswdCmd)
}
