package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeRetry            Outcome = "RETRY"
	OutcomePermanentFailure Outcome = "PERMANENT_FAILURE"
)

// RetryProcessor replays one claimed record. Implementations know how to
// re-invoke the right provider operation from the record payload.
type RetryProcessor interface {
	Process(ctx context.Context, record *RetryRecord) (Outcome, string)
}

type BatchStats struct {
	Processed         int `json:"processed"`
	Successful        int `json:"successful"`
	Retried           int `json:"retried"`
	PermanentFailures int `json:"permanentFailures"`
	Skipped           int `json:"skipped"`
}

type WorkerConfig struct {
	BatchSize int           `yaml:"batchSize" json:"batchSize"`
	Lease     time.Duration `yaml:"lease" json:"lease"`
	Interval  time.Duration `yaml:"interval" json:"interval"`
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize: 50,
		Lease:     30 * time.Second,
		Interval:  5 * time.Minute,
	}
}

// Worker drains due retry records in batches. Multiple workers may run
// against the same store; the claim lease keeps them from double-processing
// a record, and ProcessBatch is safe to call on any schedule.
type Worker struct {
	id        string
	store     Store
	processor RetryProcessor
	cfg       WorkerConfig
	logger    *zap.Logger
}

func NewWorker(id string, store Store, processor RetryProcessor, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWorkerConfig().BatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultWorkerConfig().Lease
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWorkerConfig().Interval
	}
	return &Worker{
		id:        id,
		store:     store,
		processor: processor,
		cfg:       cfg,
		logger:    logger.With(zap.String("worker", id)),
	}
}

func (w *Worker) ID() string {
	return w.id
}

// ProcessBatch fetches due records, claims what it can and delegates each
// claimed record to the processor. Unexpected processor panics or store
// errors downgrade to RETRY so a record is never silently dropped.
func (w *Worker) ProcessBatch(ctx context.Context) (BatchStats, error) {
	var stats BatchStats

	due, err := w.store.FetchDue(ctx, w.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch due records: %w", err)
	}

	for _, record := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		if err := w.store.ClaimRecord(ctx, record.ID, w.id, w.cfg.Lease); err != nil {
			if errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrNotFound) {
				stats.Skipped++
				continue
			}
			w.logger.Error("Claim failed",
				zap.String("record", record.ID),
				zap.Error(err))
			stats.Skipped++
			continue
		}

		stats.Processed++
		outcome, detail := w.processRecord(ctx, record)

		switch outcome {
		case OutcomeSuccess:
			if err := w.store.MarkSuccess(ctx, record.ID); err != nil {
				w.logger.Error("Failed to mark record succeeded",
					zap.String("record", record.ID),
					zap.Error(err))
				continue
			}
			stats.Successful++

		case OutcomePermanentFailure:
			if err := w.store.MarkPermanentFailure(ctx, record.ID, detail); err != nil {
				w.logger.Error("Failed to dead-letter record",
					zap.String("record", record.ID),
					zap.Error(err))
				continue
			}
			stats.PermanentFailures++
			w.logger.Warn("Record dead-lettered",
				zap.String("record", record.ID),
				zap.String("operation", record.OperationType),
				zap.String("reason", detail))

		default:
			if err := w.store.IncrementAttempt(ctx, record.ID, detail); err != nil {
				w.logger.Error("Failed to reschedule record",
					zap.String("record", record.ID),
					zap.Error(err))
				continue
			}
			stats.Retried++
		}
	}

	return stats, nil
}

// processRecord shields the batch from a misbehaving processor: a panic or
// unclassified failure counts as a retryable outcome.
func (w *Worker) processRecord(ctx context.Context, record *RetryRecord) (outcome Outcome, detail string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Processor panicked",
				zap.String("record", record.ID),
				zap.String("operation", record.OperationType),
				zap.Any("panic", r))
			outcome = OutcomeRetry
			detail = fmt.Sprintf("processor panic: %v", r)
		}
	}()

	return w.processor.Process(ctx, record)
}

// Run executes batches on a fixed schedule until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("Starting reconciliation worker",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("batch_size", w.cfg.BatchSize))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Reconciliation worker stopping")
			return
		case <-ticker.C:
			stats, err := w.ProcessBatch(ctx)
			if err != nil {
				w.logger.Error("Batch failed", zap.Error(err))
				continue
			}
			if stats.Processed > 0 || stats.Skipped > 0 {
				w.logger.Info("Batch completed",
					zap.Int("processed", stats.Processed),
					zap.Int("successful", stats.Successful),
					zap.Int("retried", stats.Retried),
					zap.Int("permanent_failures", stats.PermanentFailures),
					zap.Int("skipped", stats.Skipped))
			}
		}
	}
}
