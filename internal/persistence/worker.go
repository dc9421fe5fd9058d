package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"PrizeSettle/internal/observability"
)

// Worker drains the event-log channel and batch-writes envelopes to
// Postgres. Sends into the channel are BLOCKING: if the worker falls
// behind, event intake stalls rather than losing an envelope. The
// orchestrator's synchronous settlement writes do not pass through
// here; only the hash-chained log does.
type Worker struct {
	writer       *EventLogWriter
	db           *sql.DB
	inputChan    <-chan EventRow
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan EventRow,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewEventLogWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run batches incoming envelopes and flushes when the batch fills or
// the flush timeout expires. Blocks until ctx is cancelled or the
// input channel is closed; either way the remaining batch is flushed
// before returning.
func (pw *Worker) Run(ctx context.Context) error {
	batch := make([]EventRow, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case row, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			batch = append(batch, row)
			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write
// lands or the context is cancelled. The worker never drops envelopes;
// on shutdown it makes one last attempt with a background context so
// the batch survives the cancel.
func (pw *Worker) flushWithRetry(ctx context.Context, batch []EventRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: event log retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(batch))
			select {
			case <-ctx.Done():
				if finalErr := pw.flush(context.Background(), batch); finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: event log flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *Worker) flush(ctx context.Context, batch []EventRow) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, batch); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch)))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch)))
		pw.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Sequence))
	}

	return nil
}
