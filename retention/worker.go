// Package retention applies the event-log retention policy: all but the most
// recent N events per entity are trimmed, driven by jobs on the trim queue.
// Trimming never renumbers kept events and never touches snapshots.
package retention

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"collab-service/storage"
)

// Store is the slice of storage the worker needs.
type Store interface {
	DequeueTrim(ctx context.Context) (*storage.TrimJob, error)
	CompleteTrim(ctx context.Context, job *storage.TrimJob) error
	Trim(ctx context.Context, entityType, entityID string, keep int) (int, error)
}

// Worker drains the trim queue.
type Worker struct {
	store  Store
	logger *log.Logger
	keep   int
	idle   time.Duration
}

// NewWorker creates a Worker keeping the given number of events per entity.
func NewWorker(store Store, logger *log.Logger, keep int) *Worker {
	if keep <= 0 {
		keep = 100
	}
	return &Worker{store: store, logger: logger, keep: keep, idle: time.Second}
}

// Run processes trim jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.WithError(err).Error("trim job failed")
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.idle):
			}
		}
	}
}

// ProcessOne handles a single trim job. It reports whether a job was
// available. A failed trim leaves the message on the queue for redelivery.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.store.DequeueTrim(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	deleted, err := w.store.Trim(ctx, job.EntityType, job.EntityID, w.keep)
	if err != nil {
		return true, err
	}
	if deleted > 0 {
		w.logger.WithFields(log.Fields{
			"entityType": job.EntityType,
			"entityId":   job.EntityID,
			"deleted":    deleted,
			"keep":       w.keep,
		}).Info("trimmed event log")
	}
	return true, w.store.CompleteTrim(ctx, job)
}
