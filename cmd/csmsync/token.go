package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/csmsync/internal/errors"
	"github.com/kimhsiao/csmsync/internal/session"
)

var (
	tokenUserID   int64
	tokenUsername string
	tokenRole     string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a session token signed with CSM_JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.JWTSecret == "" {
			return errors.New(errors.ErrConfig, "CSM_JWT_SECRET is required to sign tokens")
		}
		role := tokenRole
		if role != session.RoleAdmin && role != session.RoleMember {
			return errors.New(errors.ErrValidation, "role must be admin or member")
		}
		if tokenUserID <= 0 {
			return errors.New(errors.ErrValidation, "--user-id must be positive")
		}

		token, err := session.IssueToken([]byte(cfg.JWTSecret), session.User{
			ID:       tokenUserID,
			Username: tokenUsername,
			Role:     role,
		}, tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Int64Var(&tokenUserID, "user-id", 0, "User id carried by the token")
	tokenCmd.Flags().StringVar(&tokenUsername, "username", "", "Username carried by the token")
	tokenCmd.Flags().StringVar(&tokenRole, "role", session.RoleMember, "admin or member")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
