// Package retention deletes documents an account is no longer entitled to
// keep: after dunning scheduled a deletion, and after a voluntary downgrade
// once its grace period ran out.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jordanlanch/docvault/pkg/documents"
	"github.com/jordanlanch/docvault/pkg/entitlement"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Reason says why an account is being swept
type Reason string

const (
	ReasonDunning   Reason = "dunning"
	ReasonDowngrade Reason = "downgrade"
)

// Recorder counts deleted documents
type Recorder interface {
	DocumentsDeleted(reason string, n int)
}

// Report summarizes one sweep
type Report struct {
	Accounts int
	Deleted  int
	Failed   int
}

// Sweeper is the retention job
type Sweeper struct {
	manager     *entitlement.Manager
	docs        documents.Store
	concurrency int
	recorder    Recorder
	log         logger.Logger
}

// NewSweeper creates a Sweeper that works on up to concurrency accounts at once
func NewSweeper(manager *entitlement.Manager, docs documents.Store, concurrency int, log logger.Logger) *Sweeper {
	if log == nil {
		log = logger.Default()
	}
	if concurrency < 1 {
		concurrency = 4
	}
	return &Sweeper{
		manager:     manager,
		docs:        docs,
		concurrency: concurrency,
		log:         log,
	}
}

// SetRecorder sets the metrics recorder
func (s *Sweeper) SetRecorder(r Recorder) {
	s.recorder = r
}

type job struct {
	userID string
	reason Reason
}

// Sweep processes every account whose deletion or trim is due. A failing
// account is logged and counted; it does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	start := time.Now()
	now := s.manager.Now()
	store := s.manager.Store()

	var jobs []job
	due, err := store.ListDeletionDue(ctx, now)
	if err != nil {
		return Report{}, err
	}
	for _, id := range due {
		jobs = append(jobs, job{userID: id, reason: ReasonDunning})
	}
	trims, err := store.ListTrimDue(ctx, now)
	if err != nil {
		return Report{}, err
	}
	for _, id := range trims {
		jobs = append(jobs, job{userID: id, reason: ReasonDowngrade})
	}

	var deleted, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, j := range jobs {
		g.Go(func() error {
			n, err := s.SweepUser(gctx, j.userID, j.reason)
			deleted.Add(int64(n))
			if err != nil {
				failed.Add(1)
				s.log.Error("retention sweep failed", "user_id", j.userID, "reason", j.reason, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Accounts: len(jobs), Deleted: int(deleted.Load()), Failed: int(failed.Load())}
	s.log.Info("retention sweep finished",
		"accounts", report.Accounts,
		"deleted", report.Deleted,
		"failed", report.Failed,
		"duration", time.Since(start).String(),
	)
	return report, ctx.Err()
}

// SweepUser deletes the user's excess documents. Eligibility is checked
// again under the user's lock before every single deletion, so a payment
// recovery or an upgrade stops the sweep between two documents.
func (s *Sweeper) SweepUser(ctx context.Context, userID string, reason Reason) (int, error) {
	rec, err := s.manager.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	now := s.manager.Now()
	if !eligible(rec, reason, now) {
		return 0, nil
	}

	docs, err := s.docs.List(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list documents: %w", err)
	}
	excess := SelectExcess(docs, rec.DocumentLimit, rec.DocumentsToKeep)

	deleted := 0
	defer func() {
		if deleted > 0 && s.recorder != nil {
			s.recorder.DocumentsDeleted(string(reason), deleted)
		}
	}()

	for _, doc := range excess {
		stopped := false
		_, err := s.manager.Update(ctx, userID, func(r *models.EntitlementRecord) error {
			if !eligible(r, reason, now) || r.DocumentLimit != rec.DocumentLimit {
				stopped = true
				return entitlement.ErrNoChange
			}
			if err := s.docs.Delete(ctx, userID, doc.ID); err != nil && !errors.Is(err, documents.ErrNotFound) {
				return fmt.Errorf("failed to delete document %s: %w", doc.ID, err)
			}
			deleted++
			return entitlement.ErrNoChange
		})
		if err != nil {
			return deleted, err
		}
		if stopped {
			s.log.Info("retention sweep stopped, account no longer eligible",
				"user_id", userID, "reason", reason, "deleted", deleted)
			return deleted, nil
		}
	}

	_, err = s.manager.Update(ctx, userID, func(r *models.EntitlementRecord) error {
		if !eligible(r, reason, now) {
			return entitlement.ErrNoChange
		}
		switch reason {
		case ReasonDunning:
			r.DeletionDate = nil
		case ReasonDowngrade:
			r.TrimDocumentsAt = nil
		}
		r.DocumentsToKeep = nil
		return nil
	})
	if err != nil {
		return deleted, err
	}

	s.log.Info("retention sweep completed", "user_id", userID, "reason", reason, "deleted", deleted)
	return deleted, nil
}

func eligible(rec *models.EntitlementRecord, reason Reason, now time.Time) bool {
	switch reason {
	case ReasonDunning:
		return rec.PaymentStatus == models.PaymentDowngraded && rec.DeletionDate != nil && !rec.DeletionDate.After(now)
	case ReasonDowngrade:
		return rec.TrimDocumentsAt != nil && !rec.TrimDocumentsAt.After(now)
	}
	return false
}

// SelectExcess returns the documents above limit. Documents named in keep
// are retained first, then the newest of the rest.
func SelectExcess(docs []documents.Document, limit int, keep []string) []documents.Document {
	if len(docs) <= limit {
		return nil
	}
	sorted := make([]documents.Document, len(docs))
	copy(sorted, docs)
	documents.SortNewestFirst(sorted)

	wanted := make(map[string]bool, len(keep))
	for _, id := range keep {
		wanted[id] = true
	}

	retained := make(map[string]bool, limit)
	for _, d := range sorted {
		if len(retained) < limit && wanted[d.ID] {
			retained[d.ID] = true
		}
	}
	for _, d := range sorted {
		if len(retained) >= limit {
			break
		}
		retained[d.ID] = true
	}

	excess := make([]documents.Document, 0, len(sorted)-limit)
	for _, d := range sorted {
		if !retained[d.ID] {
			excess = append(excess, d)
		}
	}
	return excess
}
