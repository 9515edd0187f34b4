package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/templui/provenance/internal/config"
	"github.com/templui/provenance/internal/service"
)

func TokenCmd() *cobra.Command {
	var userID, username string

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			cfg := config.Load()
			auth := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)
			token, err := auth.GenerateJWT(service.Owner{ID: userID, Username: username})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&userID, "user", "", "Owner id (storage identity)")
	tokenCmd.Flags().StringVar(&username, "username", "", "Public handle used for publishing")

	return tokenCmd
}
