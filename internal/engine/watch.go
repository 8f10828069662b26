package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"bountyline/internal/domain"
	"bountyline/internal/events"
)

// researchStates are the states in which milestone due dates are tracked.
var researchStates = []domain.State{
	domain.StateActiveResearch,
	domain.StateExtensionReview,
	domain.StateDeadlineBreach,
	domain.StateMilestoneReview,
}

// BiddingExpiryDue reports whether the watchdog should raise BIDDING_EXPIRED.
func (e Engine) BiddingExpiryDue(b domain.Bounty) bool {
	return b.StateLabel() == lblBiddingOpen && !b.OnHold && e.biddingExpired(b, e.now().UTC()) == nil
}

// DeadlineExpiryDue reports whether the watchdog should raise DEADLINE_EXPIRED.
func (e Engine) DeadlineExpiryDue(b domain.Bounty) bool {
	return b.State == domain.StateActiveResearch && !b.OnHold && deadlinePassed(b, e.now().UTC()) == nil
}

// FlagOverdueMilestones marks pending and in-progress milestones past their due date. It
// does not change the lifecycle state; one MILESTONE_OVERDUE notification is emitted per
// milestone. Bounties with an unsettled transition are left for recovery.
func (e Engine) FlagOverdueMilestones(ctx context.Context, id string) (int, error) {
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return 0, err
	}
	defer unlock()
	b, err := e.Repo.GetBounty(ctx, id)
	if err != nil {
		return 0, err
	}
	if busy, err := e.unsettled(ctx, b.ID); busy || err != nil {
		return 0, err
	}
	if b.OnHold || !inStates(b.State, researchStates) {
		return 0, nil
	}
	now := e.now().UTC()
	next := b.Clone()
	label := b.StateLabel()
	var records []events.Record
	for i := range next.Milestones {
		m := &next.Milestones[i]
		if m.Overdue || m.DueAt == nil || !now.After(*m.DueAt) {
			continue
		}
		if m.Status != domain.MilestonePending && m.Status != domain.MilestoneInProgress {
			continue
		}
		m.Overdue = true
		m.OverdueAt = &now
		records = append(records, events.Record{
			Type:      "MILESTONE_OVERDUE",
			BountyID:  b.ID,
			FromState: label,
			ToState:   label,
			ActorID:   "system",
			Payload:   events.EventPayload{"milestone_id": m.ID, "due_at": m.DueAt.Format(time.RFC3339)},
		})
	}
	if len(records) == 0 {
		return 0, nil
	}
	next.Version = b.Version + 1
	next.UpdatedAt = now
	if err := e.commit(ctx, b, next, records, nil, now); err != nil {
		return 0, err
	}
	e.logger().Info("milestones flagged overdue", zap.String("bounty_id", b.ID), zap.Int("count", len(records)))
	return len(records), nil
}

// EscalateStaleReview flags a submission that has waited in admin review longer than the
// policy allows. Each submission is escalated at most once.
func (e Engine) EscalateStaleReview(ctx context.Context, id string) (bool, error) {
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()
	b, err := e.Repo.GetBounty(ctx, id)
	if err != nil {
		return false, err
	}
	if busy, err := e.unsettled(ctx, b.ID); busy || err != nil {
		return false, err
	}
	now := e.now().UTC()
	if b.OnHold || b.State != domain.StatePendingAdminReview || b.Review.EscalatedAt != nil {
		return false, nil
	}
	waited := now.Sub(b.StateEnteredAt)
	if waited <= e.policy().AdminReviewStaleAfter {
		return false, nil
	}
	next := b.Clone()
	next.Review.EscalatedAt = &now
	next.Version = b.Version + 1
	next.UpdatedAt = now
	label := b.StateLabel()
	rec := events.Record{
		Type:      "ADMIN_REVIEW_ESCALATED",
		BountyID:  b.ID,
		FromState: label,
		ToState:   label,
		ActorID:   "system",
		Payload:   events.EventPayload{"waiting_hours": int(waited.Hours())},
	}
	if err := e.commit(ctx, b, next, []events.Record{rec}, nil, now); err != nil {
		return false, err
	}
	e.logger().Info("stale admin review escalated", zap.String("bounty_id", b.ID), zap.Duration("waited", waited))
	return true, nil
}

// unsettled reports whether the bounty has open settlement intents. Watchdog flags bump
// the version, which would strand an interrupted transition that already moved funds.
func (e Engine) unsettled(ctx context.Context, id string) (bool, error) {
	open, err := e.Repo.OpenIntents(ctx, id)
	if err != nil {
		return false, err
	}
	if len(open) > 0 {
		e.logger().Info("bounty skipped until settlement intents are reconciled", zap.String("bounty_id", id), zap.Int("intents", len(open)))
	}
	return len(open) > 0, nil
}

func inStates(s domain.State, states []domain.State) bool {
	for _, c := range states {
		if c == s {
			return true
		}
	}
	return false
}

// ResearchStates lists the states scanned for overdue milestones.
func ResearchStates() []domain.State {
	return append([]domain.State(nil), researchStates...)
}
