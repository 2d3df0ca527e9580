package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joycircle/backend/internal/middleware"
	"github.com/joycircle/backend/internal/models"
	"github.com/joycircle/backend/internal/repository"
)

type partnerStore interface {
	Create(ctx context.Context, p *models.Partner) error
	List(ctx context.Context) ([]*models.Partner, error)
	SetActive(ctx context.Context, keyPrefix string, active bool) error
}

func partnerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partner",
		Short: "Manage kiosk partner API keys",
	}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a partner and print its API key once",
		Args:  cobra.NoArgs,
		RunE: withPartners(func(ctx context.Context, store partnerStore, w io.Writer, _ []string) error {
			return createPartner(ctx, store, name, w)
		}),
	}
	create.Flags().StringVar(&name, "name", "", "partner display name")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List partners",
		Args:  cobra.NoArgs,
		RunE: withPartners(func(ctx context.Context, store partnerStore, w io.Writer, _ []string) error {
			return listPartners(ctx, store, w)
		}),
	}

	revoke := &cobra.Command{
		Use:   "revoke <key-prefix>",
		Short: "Deactivate a partner key",
		Args:  cobra.ExactArgs(1),
		RunE: withPartners(func(ctx context.Context, store partnerStore, w io.Writer, args []string) error {
			return setPartnerActive(ctx, store, args[0], false, w)
		}),
	}

	restore := &cobra.Command{
		Use:   "restore <key-prefix>",
		Short: "Reactivate a revoked partner key",
		Args:  cobra.ExactArgs(1),
		RunE: withPartners(func(ctx context.Context, store partnerStore, w io.Writer, args []string) error {
			return setPartnerActive(ctx, store, args[0], true, w)
		}),
	}

	cmd.AddCommand(create, list, revoke, restore)
	return cmd
}

func withPartners(fn func(ctx context.Context, store partnerStore, w io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		pool, err := openPool(cmd.Context())
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(cmd.Context(), repository.NewPartnerRepo(pool), cmd.OutOrStdout(), args)
	}
}

func createPartner(ctx context.Context, store partnerStore, name string, w io.Writer) error {
	if name == "" {
		return errors.New("partner name is required")
	}
	raw, prefix, hash, err := middleware.GenerateKey()
	if err != nil {
		return err
	}
	p := &models.Partner{ID: uuid.New(), Name: name, KeyHash: hash, KeyPrefix: prefix, IsActive: true}
	if err := store.Create(ctx, p); err != nil {
		return fmt.Errorf("create partner: %w", err)
	}
	fmt.Fprintf(w, "partner %s (%s) created\n", p.Name, p.ID)
	fmt.Fprintf(w, "api key (shown once): %s\n", raw)
	return nil
}

func listPartners(ctx context.Context, store partnerStore, w io.Writer) error {
	list, err := store.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PREFIX\tNAME\tACTIVE\tID")
	for _, p := range list {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p.KeyPrefix, p.Name, p.IsActive, p.ID)
	}
	return tw.Flush()
}

func setPartnerActive(ctx context.Context, store partnerStore, prefix string, active bool, w io.Writer) error {
	if err := store.SetActive(ctx, prefix, active); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("no partner with key prefix %q", prefix)
		}
		return err
	}
	state := "revoked"
	if active {
		state = "restored"
	}
	fmt.Fprintf(w, "%s %s\n", prefix, state)
	return nil
}
