package dunning

import (
	"context"
	"time"

	"github.com/jordanlanch/docvault/pkg/alert"
	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/entitlement"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/notify"
)

// Recorder counts transitions by resulting payment status
type Recorder interface {
	DunningTransition(status string)
}

// Coordinator drives time-based escalation and announces transitions
type Coordinator struct {
	manager  *entitlement.Manager
	cfg      Config
	notifier notify.Notifier
	alerter  alert.Alerter
	recorder Recorder
	log      logger.Logger
}

// NewCoordinator creates a Coordinator
func NewCoordinator(manager *entitlement.Manager, cfg Config, notifier notify.Notifier, alerter alert.Alerter, log logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(log)
	}
	if alerter == nil {
		alerter = alert.NewLogAlerter(log)
	}
	return &Coordinator{
		manager:  manager,
		cfg:      cfg,
		notifier: notifier,
		alerter:  alerter,
		log:      log,
	}
}

// SetRecorder sets the metrics recorder
func (c *Coordinator) SetRecorder(r Recorder) {
	c.recorder = r
}

// Config returns the thresholds in use
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Escalate applies elapsed-time escalation to one user
func (c *Coordinator) Escalate(ctx context.Context, userID string) (Change, error) {
	var ch Change
	rec, err := c.manager.Update(ctx, userID, func(rec *models.EntitlementRecord) error {
		if err := CheckConsistency(rec, c.cfg); err != nil {
			c.alerter.CorruptRecord(ctx, userID, err)
			return err
		}
		var err error
		ch, err = Escalate(rec, c.manager.Now(), c.cfg)
		if err != nil {
			return err
		}
		if !ch.Changed() {
			return entitlement.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return Change{}, err
	}
	c.Announce(ctx, rec, ch)
	return ch, nil
}

// EscalateAll runs Escalate for every account in an open dunning episode.
// One user's failure does not stop the others.
func (c *Coordinator) EscalateAll(ctx context.Context) (int, error) {
	start := time.Now()
	ids, err := c.manager.Store().ListDunning(ctx)
	if err != nil {
		return 0, err
	}

	escalated := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return escalated, ctx.Err()
		}
		ch, err := c.Escalate(ctx, id)
		if err != nil {
			if domain.IsCorruptRecord(err) {
				continue
			}
			c.log.Error("failed to escalate dunning", "user_id", id, "error", err)
			continue
		}
		if ch.Changed() {
			escalated++
		}
	}

	c.log.Info("dunning escalation finished",
		"accounts", len(ids),
		"escalated", escalated,
		"duration", time.Since(start).String(),
	)
	return escalated, nil
}

// Announce sends a notice for every milestone in ch and records the
// transition. Call it only after the change is committed.
func (c *Coordinator) Announce(ctx context.Context, rec *models.EntitlementRecord, ch Change) {
	if rec == nil || !ch.Changed() {
		return
	}
	if c.recorder != nil && (ch.From != ch.To || ch.FromStep != ch.ToStep) {
		c.recorder.DunningTransition(string(ch.To))
	}
	c.log.Info("dunning transition",
		"user_id", rec.UserID,
		"from", ch.From,
		"to", ch.To,
		"from_step", ch.FromStep,
		"to_step", ch.ToStep,
	)
	for _, kind := range ch.Reached {
		c.notifier.Notify(ctx, notify.NoticeFor(kind, rec))
	}
}
