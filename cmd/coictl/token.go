package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/coi-workflow/internal/service"
)

var tokenCmd = &cobra.Command{
	Use:   "token <operator-id>",
	Short: "Issue an operator API token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		auth, err := service.NewOperatorAuthService(cfg.Auth.JWTSecret)
		if err != nil {
			return err
		}
		token, expiresAt, err := auth.IssueToken(args[0], name, ttl)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]interface{}{"token": token, "expiresAt": expiresAt})
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("name", "", "Display name embedded in the token")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
