// Package recovery finalizes voice sessions left open by a previous run.
package recovery

import (
	"context"
	"fmt"
	"log"
	"time"

	"focusbot/internal/models"
)

// Store is the subset of the session store recovery needs.
type Store interface {
	ListOpenSessions(ctx context.Context) ([]models.Session, error)
	CloseSession(ctx context.Context, c models.SessionClose) (models.CloseResult, error)
}

// Report summarizes one recovery run.
type Report struct {
	Found     int
	Finalized int
	Credited  int
	Failed    int
}

// Coordinator closes orphaned sessions. Run it once before live events are
// accepted.
type Coordinator struct {
	store Store
	now   func() time.Time
}

// New creates a coordinator. A nil now uses time.Now.
func New(store Store, now func() time.Time) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{store: store, now: now}
}

// Run closes every open session at the current time. A failure on one
// session is logged and does not stop the others; that row stays open and is
// retried on the next start. Only a failure to list sessions is returned.
func (c *Coordinator) Run(ctx context.Context) (Report, error) {
	open, err := c.store.ListOpenSessions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list open sessions: %w", err)
	}

	report := Report{Found: len(open)}
	now := c.now()
	for _, s := range open {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		duration := now.Unix() - s.StartedAt.Unix()
		res, err := c.store.CloseSession(ctx, models.SessionClose{
			SessionID: s.ID,
			UserID:    s.UserID,
			GuildID:   s.GuildID,
			Start:     s.StartedAt,
			End:       now,
			Duration:  duration,
			Reason:    models.ReasonRecovery,
		})
		if err != nil {
			report.Failed++
			log.Printf("Error recovering voice session %s (user=%s guild=%s): %v", s.ID, s.UserID, s.GuildID, err)
			continue
		}
		if res.Duplicate {
			continue
		}
		report.Finalized++
		if res.Credited {
			report.Credited++
		}
	}

	log.Printf("Recovery finished: found=%d finalized=%d credited=%d failed=%d",
		report.Found, report.Finalized, report.Credited, report.Failed)
	return report, nil
}
