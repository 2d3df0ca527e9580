package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/joycircle/backend/internal/reconcile"
	"github.com/joycircle/backend/internal/repository"
)

type findingsError struct{ n int }

func (e findingsError) Error() string {
	return fmt.Sprintf("reconciliation found %d discrepancies", e.n)
}

func reconcileCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Check balances and reservations against the ledger",
		Long:  "Replays every account's ledger and checks reservation entries and RSVP links. Exits non-zero when anything disagrees. Nothing is repaired.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			r := &reconcile.Reconciler{
				DB:           pool,
				Accounts:     repository.NewAccountRepo(pool),
				Entries:      repository.NewTransactionRepo(pool),
				Reservations: repository.NewReservationRepo(pool),
			}
			rep, err := r.Run(ctx)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), rep, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

// printReport writes rep and returns a findingsError when it is not clean.
func printReport(w io.Writer, rep *reconcile.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(w, "accounts=%d entries=%d reservations=%d findings=%d\n",
			rep.Accounts, rep.Entries, rep.Reservations, len(rep.Findings))
		for _, f := range rep.Findings {
			fmt.Fprintln(w, f.String())
		}
	}
	if !rep.OK() {
		return findingsError{n: len(rep.Findings)}
	}
	return nil
}
