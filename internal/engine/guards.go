package engine

import (
	"fmt"
	"math"
	"strings"
	"time"

	"bountyline/internal/domain"
	"bountyline/internal/money"
)

// hasValidProtocol: methodology, data requirements and milestones present, and milestone
// percentages sum to 100 within tolerance.
func (e Engine) hasValidProtocol(b domain.Bounty) error {
	if strings.TrimSpace(b.Methodology) == "" {
		return fmt.Errorf("methodology is required")
	}
	if len(b.DataRequirements) == 0 {
		return fmt.Errorf("at least one data requirement is required")
	}
	if len(b.Milestones) == 0 {
		return fmt.Errorf("at least one milestone is required")
	}
	pcts := make([]float64, len(b.Milestones))
	for i, m := range b.Milestones {
		if m.PayoutPercentage <= 0 {
			return fmt.Errorf("milestone %d payout percentage must be positive", m.Sequence)
		}
		if strings.TrimSpace(m.Title) == "" {
			return fmt.Errorf("milestone %d title is required", m.Sequence)
		}
		pcts[i] = m.PayoutPercentage
	}
	sum := money.PercentSum(pcts)
	if math.Abs(sum-100) > e.policy().MilestoneTolerance+1e-9 {
		return fmt.Errorf("milestone percentages sum to %.2f, must be 100", sum)
	}
	return nil
}

func (e Engine) isCriticalRisk(m *domain.ModerationResult) bool {
	if m == nil {
		return false
	}
	return m.Critical || m.Decision == domain.ModerationReject || m.Score >= e.policy().CriticalRiskScore
}

func (e Engine) isNotCriticalRisk(b domain.Bounty) error {
	if e.isCriticalRisk(b.Review.Moderation) {
		return fmt.Errorf("moderation tagged the submission critical risk (score %.0f)", b.Review.Moderation.Score)
	}
	return nil
}

func hasProposals(b domain.Bounty) error {
	for _, p := range b.Proposals {
		if p.Status == domain.ProposalPending {
			return nil
		}
	}
	return fmt.Errorf("no pending proposals")
}

func (e Engine) isLabVerified(p domain.Proposal) error {
	if !e.policy().RequireVerifiedLab {
		return nil
	}
	switch p.VerificationTier {
	case domain.TierVerified, domain.TierInstitutional:
		return nil
	}
	return fmt.Errorf("lab %s verification tier %q is below verified", p.LabID, p.VerificationTier)
}

// isLastMilestone is evaluated after the approving mutation.
func isLastMilestone(b domain.Bounty) bool {
	for _, m := range b.Milestones {
		if m.Status != domain.MilestoneVerified {
			return false
		}
	}
	return true
}

func (e Engine) canGrantExtension(b domain.Bounty) error {
	if b.Research == nil {
		return fmt.Errorf("research has not started")
	}
	if max := e.policy().MaxExtensions; b.Research.ExtensionsGranted >= max {
		return fmt.Errorf("extension cap of %d reached", max)
	}
	return nil
}

func canSlashStake(b domain.Bounty, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("slash amount must not be negative")
	}
	lab, ok := b.SelectedLab()
	if !ok {
		if amount == 0 {
			return nil
		}
		return fmt.Errorf("no selected lab stake to slash")
	}
	if amount > lab.StakedAmount {
		return fmt.Errorf("slash %.2f exceeds lab stake %.2f", amount, lab.StakedAmount)
	}
	return nil
}

func (e Engine) biddingExpired(b domain.Bounty, now time.Time) error {
	if b.BiddingOpenedAt == nil {
		return fmt.Errorf("bidding has not opened")
	}
	if n := b.LiveProposals(); n > 0 {
		return fmt.Errorf("bidding has %d live proposals", n)
	}
	if open := now.Sub(*b.BiddingOpenedAt); open <= e.policy().BiddingWindow {
		return fmt.Errorf("bidding open for %s, window is %s", open.Round(time.Minute), e.policy().BiddingWindow)
	}
	return nil
}

func deadlinePassed(b domain.Bounty, now time.Time) error {
	if b.Research == nil {
		return fmt.Errorf("research has not started")
	}
	if !now.After(b.Research.Deadline) {
		return fmt.Errorf("deadline %s not reached", b.Research.Deadline.Format(time.RFC3339))
	}
	return nil
}
