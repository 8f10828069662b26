// Package watchdog runs the periodic lifecycle checks: interrupted settlements, overdue
// milestones, bidding windows, research deadlines and stale admin reviews.
package watchdog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/metrics"
)

const systemActor = "system"

type Watchdog struct {
	Engine  engine.Engine
	Config  config.Watchdog
	Logger  *zap.Logger
	Metrics *metrics.Registry
}

// Report counts what one sweep did.
type Report struct {
	Recovery          engine.RecoveryReport `json:"recovery"`
	OverdueMilestones int                   `json:"overdue_milestones"`
	BiddingExpired    int                   `json:"bidding_expired"`
	DeadlinesExpired  int                   `json:"deadlines_expired"`
	StaleReviews      int                   `json:"stale_reviews"`
	Errors            int                   `json:"errors"`
}

func (w Watchdog) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

// Run sweeps immediately and then on every interval until ctx is done.
func (w Watchdog) Run(ctx context.Context) error {
	interval := w.Config.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := w.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger().Error("watchdog sweep failed", zap.Error(err))
		} else {
			w.logger().Info("watchdog sweep",
				zap.Int("overdue_milestones", report.OverdueMilestones),
				zap.Int("bidding_expired", report.BiddingExpired),
				zap.Int("deadlines_expired", report.DeadlinesExpired),
				zap.Int("stale_reviews", report.StaleReviews),
				zap.Int("recovered", report.Recovery.Checked),
				zap.Int("errors", report.Errors))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type check struct {
	name   string
	states []domain.State
	run    func(ctx context.Context, id string) (int, error)
}

// Sweep runs every check once. Candidates come from a cheap state query; each check
// re-validates its condition under the bounty lock, so a concurrent transition simply
// turns a candidate into a no-op.
func (w Watchdog) Sweep(ctx context.Context) (Report, error) {
	var report Report
	if w.Config.RecoverOnSweep {
		rec, err := w.Engine.Recover(ctx)
		report.Recovery = rec
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			w.logger().Warn("recovery incomplete", zap.Error(err))
			report.Errors += rec.Failed
		}
	}

	checks := []check{
		{name: "milestone_overdue", states: engine.ResearchStates(), run: w.Engine.FlagOverdueMilestones},
		{name: "bidding_expired", states: []domain.State{domain.StateBidding}, run: w.expireBidding},
		{name: "deadline_expired", states: []domain.State{domain.StateActiveResearch}, run: w.expireDeadline},
		{name: "admin_review_stale", states: []domain.State{domain.StatePendingAdminReview}, run: w.escalateReview},
	}
	counts := make([]int, len(checks))
	var mu sync.Mutex

	limit := w.Config.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, c := range checks {
		ids, err := w.Engine.Repo.BountyIDsInStates(ctx, c.states...)
		if err != nil {
			return report, err
		}
		for _, id := range ids {
			i, c, id := i, c, id
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				n, err := c.run(gctx, id)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if engine.IsValidation(err) {
						return nil
					}
					report.Errors++
					w.logger().Warn("watchdog check failed", zap.String("check", c.name), zap.String("bounty_id", id), zap.Error(err))
					return nil
				}
				counts[i] += n
				for k := 0; k < n; k++ {
					w.Metrics.WatchdogAction(c.name)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	report.OverdueMilestones = counts[0]
	report.BiddingExpired = counts[1]
	report.DeadlinesExpired = counts[2]
	report.StaleReviews = counts[3]
	return report, nil
}

func (w Watchdog) expireBidding(ctx context.Context, id string) (int, error) {
	snap, err := w.Engine.Snapshot(ctx, id)
	if err != nil {
		return 0, err
	}
	if !w.Engine.BiddingExpiryDue(snap.Bounty) {
		return 0, nil
	}
	if _, err := w.Engine.Submit(ctx, id, engine.Event{Type: domain.EventBiddingExpired, ActorID: systemActor}); err != nil {
		return 0, err
	}
	return 1, nil
}

func (w Watchdog) expireDeadline(ctx context.Context, id string) (int, error) {
	snap, err := w.Engine.Snapshot(ctx, id)
	if err != nil {
		return 0, err
	}
	if !w.Engine.DeadlineExpiryDue(snap.Bounty) {
		return 0, nil
	}
	if _, err := w.Engine.Submit(ctx, id, engine.Event{Type: domain.EventDeadlineExpired, ActorID: systemActor}); err != nil {
		return 0, err
	}
	return 1, nil
}

func (w Watchdog) escalateReview(ctx context.Context, id string) (int, error) {
	ok, err := w.Engine.EscalateStaleReview(ctx, id)
	if err != nil || !ok {
		return 0, err
	}
	return 1, nil
}
