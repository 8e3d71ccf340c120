package main

import (
	"fmt"
	"time"

	"faxbridge/internal/auth"
	"faxbridge/internal/config"
	"faxbridge/internal/rbac"

	"github.com/spf13/cobra"
)

var (
	tokenUser string
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an ops API bearer token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !rbac.IsKnownRole(tokenRole) {
			return fmt.Errorf("unknown role %q (want %s, %s or %s)", tokenRole, rbac.RoleViewer, rbac.RoleOperator, rbac.RoleSuperAdmin)
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		m, err := auth.NewManager(cfg.Auth)
		if err != nil {
			return err
		}
		tok, err := m.IssueAccess(time.Now(), tokenUser, tokenRole, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "Operator name carried in the token")
	tokenCmd.Flags().StringVar(&tokenRole, "role", rbac.RoleViewer, "Role: viewer, operator or super_admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default JWT_ACCESS_TTL)")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
