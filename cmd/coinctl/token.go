package main

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joycircle/backend/internal/auth"
	"github.com/joycircle/backend/internal/config"
	"github.com/joycircle/backend/internal/models"
)

func tokenCommand() *cobra.Command {
	var member, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a member token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				return fmt.Errorf("no config found in context")
			}
			if err := cfg.RequireSecret(); err != nil {
				return err
			}
			memberID, err := uuid.Parse(member)
			if err != nil {
				return fmt.Errorf("invalid --member: %w", err)
			}
			return issueToken(auth.NewService(cfg.JWTSecret), memberID, role, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&member, "member", "", "member UUID")
	cmd.Flags().StringVar(&role, "role", models.RoleMember, "member or admin")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}

func issueToken(tokens auth.Service, memberID uuid.UUID, role string, w io.Writer) error {
	if role != models.RoleMember && role != models.RoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}
	tok, err := tokens.IssueToken(memberID, role)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, tok)
	return nil
}
