// Package execution runs ledger reconciliation as a River job.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/joycircle/backend/internal/reconcile"
)

const reconcileTimeout = 10 * time.Minute

type ReconcileJobArgs struct {
	RequestedBy *uuid.UUID `json:"requested_by,omitempty"`
}

func (ReconcileJobArgs) Kind() string { return "reconcile_ledger" }

func (ReconcileJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 3}
}

// Runner is satisfied by *reconcile.Reconciler.
type Runner interface {
	Run(ctx context.Context) (*reconcile.Report, error)
}

type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileJobArgs]
	runner Runner
	logger *slog.Logger
}

func NewReconcileWorker(r Runner, logger *slog.Logger) *ReconcileWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileWorker{runner: r, logger: logger}
}

func (w *ReconcileWorker) Timeout(*river.Job[ReconcileJobArgs]) time.Duration {
	return reconcileTimeout
}

// Work runs one reconciliation pass. Findings are reported, not retried;
// only a pass that could not finish returns an error.
func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileJobArgs]) error {
	rep, err := w.runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	attrs := []any{"job_id", job.ID, "accounts", rep.Accounts, "findings", len(rep.Findings)}
	if job.Args.RequestedBy != nil {
		attrs = append(attrs, "requested_by", *job.Args.RequestedBy)
	}
	if rep.OK() {
		w.logger.Info("reconcile job finished", attrs...)
	} else {
		w.logger.Warn("reconcile job found discrepancies", attrs...)
	}
	return nil
}

// PeriodicJobs schedules reconciliation every interval. A non-positive
// interval disables the schedule.
func PeriodicJobs(interval time.Duration) []*river.PeriodicJob {
	if interval <= 0 {
		return nil
	}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) { return ReconcileJobArgs{}, nil },
			nil,
		),
	}
}

// Inserter is the part of *river.Client used to enqueue jobs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

var _ Inserter = (*river.Client[pgx.Tx])(nil)

// Enqueuer schedules on-demand reconciliation runs.
type Enqueuer struct {
	client Inserter
}

func NewEnqueuer(client Inserter) *Enqueuer {
	return &Enqueuer{client: client}
}

// EnqueueReconcile inserts a reconciliation job and returns its id.
func (e *Enqueuer) EnqueueReconcile(ctx context.Context, requestedBy uuid.UUID) (int64, error) {
	res, err := e.client.Insert(ctx, ReconcileJobArgs{RequestedBy: &requestedBy}, nil)
	if err != nil {
		return 0, fmt.Errorf("enqueue reconcile: %w", err)
	}
	return res.Job.ID, nil
}
