package main

import (
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/tiergate/internal/auth"
	"github.com/mihaimyh/tiergate/pkg/membership"
)

func newUserCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage platform users",
	}
	cmd.AddCommand(newUserCreateCmd(opts), newUserTokenCmd(opts))
	return cmd
}

func newUserCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		id    string
		email string
		name  string
		role  string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsedRole, err := membership.ParseRole(role)
			if err != nil {
				return err
			}
			if id == "" {
				id = uuid.NewString()
			}

			a, err := newApp(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.storage.CreateUser(cmd.Context(), &membership.User{
				ID:       id,
				Email:    email,
				Name:     name,
				Role:     parsedRole,
				Tier:     membership.TierNone,
				IsActive: true,
			})
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id (default: random UUID)")
	cmd.Flags().StringVar(&email, "email", "", "email used to match billing notifications")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(membership.RoleUser), "USER, CREATOR or ADMIN")
	return cmd
}

func newUserTokenCmd(opts *rootOptions) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an API bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ttl <= 0 {
				ttl = opts.cfg.JWT.TTL
			}
			m, err := auth.NewManager(opts.cfg.JWT.Secret, opts.cfg.JWT.Issuer, ttl)
			if err != nil {
				return err
			}
			token, err := m.Issue(args[0])
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default jwt.ttl)")
	return cmd
}
