package main

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/joycircle/backend/internal/ledger"
	"github.com/joycircle/backend/internal/models"
	"github.com/joycircle/backend/internal/repository"
)

type granter interface {
	Grant(ctx context.Context, tx pgx.Tx, memberID uuid.UUID, email string, amount int, note string) (*models.Transaction, error)
}

func grantCommand() *cobra.Command {
	var (
		member, email, note string
		amount              int
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Issue coins to a member, creating the account if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			memberID, err := uuid.Parse(member)
			if err != nil {
				return fmt.Errorf("invalid --member: %w", err)
			}
			pool, err := openPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			led := ledger.NewService(repository.NewAccountRepo(pool), repository.NewTransactionRepo(pool),
				repository.NewReservationRepo(pool), nil)
			return grantCoins(cmd.Context(), pool, led, memberID, email, amount, note, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&member, "member", "", "member UUID")
	cmd.Flags().StringVar(&email, "email", "", "member email, used by kiosks")
	cmd.Flags().IntVar(&amount, "amount", 0, "coins to issue")
	cmd.Flags().StringVar(&note, "note", "", "ledger note")
	_ = cmd.MarkFlagRequired("member")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func grantCoins(ctx context.Context, db repository.TxBeginner, g granter, memberID uuid.UUID, email string, amount int, note string, w io.Writer) error {
	var entry *models.Transaction
	err := repository.RunInTx(ctx, db, func(tx pgx.Tx) error {
		var err error
		entry, err = g.Grant(ctx, tx, memberID, email, amount, note)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "granted %d to %s, balance %d\n", amount, memberID, entry.BalanceAfter)
	return nil
}
