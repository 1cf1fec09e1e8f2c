/*
Package jobqueue provides a River-based job queue for applying payment
events and for the periodic reconciliation sweep.

For configuration options and tuning parameters, see queue_config.go.
*/
package jobqueue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"

	"github.com/crewharbor/payments/internal/pipeline"
)

// ApplyEventArgs represents the arguments for an apply job. The event
// body is already in the ledger; only the id travels through the queue.
type ApplyEventArgs struct {
	EventID string `json:"event_id"`
}

// Kind returns the job kind for River
func (ApplyEventArgs) Kind() string {
	return "apply_payment_event"
}

// ApplyEventWorker applies a received payment event to subscription state
type ApplyEventWorker struct {
	river.WorkerDefaults[ApplyEventArgs]
	proc *pipeline.Processor
}

// Work applies the event through the shared pipeline. The pipeline owns
// all terminal outcomes (orphaned, dead-letter, processed); an error
// returned here means the attempt itself failed and River should retry.
func (w *ApplyEventWorker) Work(ctx context.Context, job *river.Job[ApplyEventArgs]) error {
	log.Debug().
		Str("event_id", job.Args.EventID).
		Int("attempt", job.Attempt).
		Msg("applying payment event")

	if err := w.proc.Process(ctx, job.Args.EventID); err != nil {
		return fmt.Errorf("apply event %s: %w", job.Args.EventID, err)
	}
	return nil
}

// SweepArgs represents the arguments for the periodic reconciliation sweep
type SweepArgs struct{}

// Kind returns the job kind for River
func (SweepArgs) Kind() string {
	return "reconciliation_sweep"
}

// SweepWorker re-drives unapplied and orphaned events
type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	proc   *pipeline.Processor
	config *QueueConfig
}

func (w *SweepWorker) Work(ctx context.Context, job *river.Job[SweepArgs]) error {
	n, err := w.proc.Sweep(ctx, w.config.SweepMinAge)
	if err != nil {
		return fmt.Errorf("reconciliation sweep: %w", err)
	}
	if n > 0 {
		log.Info().Int("completed", n).Msg("sweep completed stuck events")
	}
	return nil
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

// NewJobQueue creates a new job queue instance
func NewJobQueue(pool *pgxpool.Pool, proc *pipeline.Processor, config *QueueConfig) (*JobQueue, error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, &ApplyEventWorker{proc: proc})
	river.AddWorker(workers, &SweepWorker{proc: proc, config: config})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(config.SweepInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return SweepArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers
func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// EnqueueApply queues an apply job for a ledger event. Satisfies the
// webhook receiver's Enqueuer.
func (jq *JobQueue) EnqueueApply(ctx context.Context, eventID string) error {
	_, err := jq.client.Insert(ctx, ApplyEventArgs{EventID: eventID}, nil)
	if err != nil {
		return fmt.Errorf("failed to queue apply job for %s: %w", eventID, err)
	}
	return nil
}
