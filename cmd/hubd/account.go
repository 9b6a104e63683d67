package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagAccountPassword string

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage gateway accounts",
}

var accountRegisterCmd = &cobra.Command{
	Use:   "register <email>",
	Short: "Create an account that can sign in to the gateway",
	Long: `Create an account. The gateway only accepts bearer tokens when
auth.enabled is set in the config; the printed id is the user id to grant
workspace membership to.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := flagAccountPassword
		if password == "" {
			password = os.Getenv("HUBS_PASSWORD")
		}
		if password == "" {
			return errors.New("--password or HUBS_PASSWORD is required")
		}

		ctx := cmd.Context()
		rt, err := buildApp(ctx, false, map[string]string{"auth.enabled": "true"})
		if err != nil {
			return err
		}
		defer rt.close(context.WithoutCancel(ctx))

		account, err := rt.accounts.Register(ctx, args[0], password)
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(account)
		}
		fmt.Println(account.ID)
		return nil
	},
}

func init() {
	accountRegisterCmd.Flags().StringVar(&flagAccountPassword, "password", "", "account password (or HUBS_PASSWORD)")
	accountCmd.AddCommand(accountRegisterCmd)
}
