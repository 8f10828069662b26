package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/money"
	"bountyline/internal/settlement"
)

// step is one state change emitted as a notification. Annotations on the same state use
// from == to.
type step struct {
	from string
	to   string
}

// plan is the pure outcome of an event: the next bounty value, the fund movements that
// must succeed before it is committed, and the notifications it emits.
type plan struct {
	next    domain.Bounty
	steps   []step
	effects []settlement.Effect
	payload events.EventPayload
}

type planner struct {
	e   Engine
	b   domain.Bounty
	evt Event
	now time.Time
	plan
}

func (pl *planner) reject(format string, args ...any) error {
	return invalid(string(pl.evt.Type), pl.b.StateLabel(), format, args...)
}

// in accepts the event only from the listed state labels ("bidding.open") or bare
// states ("drafting").
func (pl *planner) in(labels ...string) error {
	cur := pl.b.StateLabel()
	for _, l := range labels {
		if l == cur {
			return nil
		}
	}
	return pl.reject("event not accepted in state %s", cur)
}

func (pl *planner) move(s domain.State, sub domain.SubState) {
	from := pl.next.StateLabel()
	pl.next.State, pl.next.SubState = s, sub
	pl.next.StateEnteredAt = pl.now
	pl.steps = append(pl.steps, step{from: from, to: pl.next.StateLabel()})
}

func (pl *planner) annotate() {
	cur := pl.next.StateLabel()
	pl.steps = append(pl.steps, step{from: cur, to: cur})
}

func (pl *planner) refundRemaining(reason string) {
	if pl.next.Escrow == nil {
		return
	}
	if rem := pl.next.Escrow.Remaining(); rem > 0 {
		pl.effects = append(pl.effects, settlement.Effect{Op: settlement.OpRefund, Key: "refund:" + reason, Amount: rem})
	}
}

func label(s domain.State, sub domain.SubState) string { return domain.Label(s, sub) }

var (
	lblDrafting          = label(domain.StateDrafting, domain.SubNone)
	lblPendingReview     = label(domain.StatePendingAdminReview, domain.SubNone)
	lblRequiresChanges   = label(domain.StateRequiresChanges, domain.SubNone)
	lblReadyForFunding   = label(domain.StateReadyForFunding, domain.SubNone)
	lblFundingProcessing = label(domain.StateFundingEscrow, domain.SubProcessing)
	lblFundingFailed     = label(domain.StateFundingEscrow, domain.SubFailed)
	lblBiddingOpen       = label(domain.StateBidding, domain.SubOpen)
	lblActiveResearch    = label(domain.StateActiveResearch, domain.SubNone)
	lblExtensionReview   = label(domain.StateExtensionReview, domain.SubNone)
	lblDeadlineBreach    = label(domain.StateDeadlineBreach, domain.SubNone)
	lblMilestoneReview   = label(domain.StateMilestoneReview, domain.SubNone)
	lblDispute           = label(domain.StateDisputeResolution, domain.SubNone)
	lblArbitration       = label(domain.StateExternalArbitration, domain.SubNone)
	lblCompletedPayout   = label(domain.StateCompletedPayout, domain.SubNone)
)

// plan validates evt against b and computes its outcome without side effects.
func (e Engine) plan(b domain.Bounty, evt Event, now time.Time) (plan, error) {
	pl := &planner{e: e, b: b, evt: evt, now: now}
	pl.next = b.Clone()
	pl.payload = events.EventPayload{}
	if b.State.Terminal() {
		return plan{}, pl.reject("bounty is %s", b.StateLabel())
	}
	var err error
	switch evt.Type {
	case domain.EventSubmitDraft, domain.EventResubmit:
		err = pl.submitDraft()
	case domain.EventAdminApprove, domain.EventAdminReject, domain.EventAdminRequestChanges:
		err = pl.adminDecision()
	case domain.EventCancel:
		err = pl.cancel()
	case domain.EventInitiateFunding:
		err = pl.initiateFunding()
	case domain.EventFundingConfirmed:
		err = pl.fundingConfirmed()
	case domain.EventFundingFailed:
		err = pl.fundingFailed()
	case domain.EventSubmitProposal:
		err = pl.submitProposal()
	case domain.EventWithdrawProposal:
		err = pl.withdrawProposal()
	case domain.EventSelectLab, domain.EventAcceptProposal:
		err = pl.selectLab()
	case domain.EventRejectAll:
		err = pl.rejectAll()
	case domain.EventBiddingExpired:
		err = pl.biddingExpired()
	case domain.EventSubmitMilestone:
		err = pl.submitMilestone()
	case domain.EventRequestExtension:
		err = pl.requestExtension()
	case domain.EventGrantExtension:
		err = pl.grantExtension()
	case domain.EventDenyExtension:
		err = pl.denyExtension()
	case domain.EventDeadlineExpired:
		err = pl.deadlineExpired()
	case domain.EventApproveMilestone:
		err = pl.approveMilestone()
	case domain.EventRequestRevision:
		err = pl.requestRevision()
	case domain.EventInitiateDispute:
		err = pl.initiateDispute()
	case domain.EventResolveDispute:
		err = pl.resolveDispute()
	case domain.EventReleaseFinalPayout:
		err = pl.releaseFinalPayout()
	case domain.EventClearHold:
		err = pl.clearHold()
	default:
		err = pl.reject("unknown event type %q", evt.Type)
	}
	if err != nil {
		return plan{}, err
	}
	return pl.plan, nil
}

func (pl *planner) submitDraft() error {
	allowed := []string{lblDrafting, lblRequiresChanges}
	if pl.evt.Type == domain.EventResubmit {
		allowed = []string{lblRequiresChanges}
	}
	if err := pl.in(allowed...); err != nil {
		return err
	}
	if d := pl.evt.Draft; d != nil {
		applyDraft(&pl.next, *d)
	}
	if err := pl.e.hasValidProtocol(pl.next); err != nil {
		return pl.reject("hasValidProtocol: %v", err)
	}
	review := domain.AdminReview{SubmittedAt: &pl.now}
	if m := pl.evt.Moderation; m != nil {
		mod := *m
		mod.Flags = append([]string(nil), m.Flags...)
		review.Moderation = &mod
		pl.payload["moderation_score"] = m.Score
	}
	pl.next.Review = review
	pl.move(domain.StatePendingAdminReview, domain.SubNone)
	return nil
}

// applyDraft replaces the research protocol. Milestone ids are regenerated, so the
// schedule is always derived from the protocol that was approved.
func applyDraft(b *domain.Bounty, d Draft) {
	if t := strings.TrimSpace(d.Title); t != "" {
		b.Title = t
	}
	b.Methodology = d.Methodology
	b.DataRequirements = append([]string(nil), d.DataRequirements...)
	b.Milestones = make([]domain.Milestone, len(d.Milestones))
	for i, m := range d.Milestones {
		b.Milestones[i] = domain.Milestone{
			ID:               uuid.NewString(),
			Sequence:         i + 1,
			Title:            m.Title,
			Description:      m.Description,
			PayoutPercentage: m.PayoutPercentage,
			DueInDays:        m.DueInDays,
			Status:           domain.MilestonePending,
		}
	}
}

func (pl *planner) adminDecision() error {
	if err := pl.in(lblPendingReview); err != nil {
		return err
	}
	r := &pl.next.Review
	r.ReviewerID = pl.evt.ActorID
	r.Notes = pl.evt.Notes
	r.DecidedAt = &pl.now
	switch pl.evt.Type {
	case domain.EventAdminApprove:
		if err := pl.e.isNotCriticalRisk(pl.b); err != nil {
			return pl.reject("isNotCriticalRisk: %v", err)
		}
		r.Decision = "approved"
		pl.move(domain.StateReadyForFunding, domain.SubNone)
	case domain.EventAdminReject:
		r.Decision = "rejected"
		pl.move(domain.StateRejected, domain.SubNone)
	default:
		if strings.TrimSpace(pl.evt.Notes) == "" {
			return pl.reject("notes are required when requesting changes")
		}
		r.Decision = "changes_requested"
		pl.move(domain.StateRequiresChanges, domain.SubNone)
	}
	if pl.evt.Notes != "" {
		pl.payload["notes"] = pl.evt.Notes
	}
	return nil
}

func (pl *planner) cancel() error {
	pl.next.CancelReason = strings.TrimSpace(pl.evt.Notes)
	if pl.next.CancelReason == "" {
		pl.next.CancelReason = "cancelled by funder"
	}
	switch pl.b.StateLabel() {
	case lblDrafting, lblPendingReview, lblRequiresChanges, lblReadyForFunding, lblFundingFailed:
		pl.move(domain.StateCancelled, domain.SubNone)
		return nil
	case lblBiddingOpen:
		pl.closeProposals(domain.ProposalRejected)
		pl.move(domain.StateRefunding, domain.SubNone)
		pl.refundRemaining("cancelled")
		pl.move(domain.StateCancelled, domain.SubNone)
		return nil
	}
	return pl.reject("cancellation is not allowed once research has started; open a dispute instead")
}

func (pl *planner) initiateFunding() error {
	if err := pl.in(lblReadyForFunding, lblFundingFailed); err != nil {
		return err
	}
	payer := strings.TrimSpace(pl.evt.PayerRef)
	if payer == "" {
		return pl.reject("payer_ref is required")
	}
	pl.next.FundingPayerRef = payer
	pl.next.FundingFailure = ""
	pl.move(domain.StateFundingEscrow, domain.SubProcessing)
	return nil
}

func (pl *planner) fundingConfirmed() error {
	if err := pl.in(lblFundingProcessing); err != nil {
		return err
	}
	units, err := pl.e.Settlement.LockAmount(pl.b)
	if err != nil {
		return pl.reject("%v", err)
	}
	pl.effects = append(pl.effects, settlement.Effect{Op: settlement.OpLock, Key: pl.b.ID, Amount: units, Recipient: pl.b.FundingPayerRef})
	pl.move(domain.StateFundingEscrow, domain.SubLocked)
	pl.move(domain.StateBidding, domain.SubOpen)
	pl.next.BiddingOpenedAt = &pl.now
	pl.payload["amount_units"] = units
	return nil
}

func (pl *planner) fundingFailed() error {
	if err := pl.in(lblFundingProcessing); err != nil {
		return err
	}
	pl.next.FundingFailure = strings.TrimSpace(pl.evt.Notes)
	if pl.next.FundingFailure == "" {
		pl.next.FundingFailure = "funding failed"
	}
	pl.move(domain.StateFundingEscrow, domain.SubFailed)
	pl.payload["reason"] = pl.next.FundingFailure
	return nil
}

func (pl *planner) submitProposal() error {
	if err := pl.in(lblBiddingOpen); err != nil {
		return err
	}
	in := pl.evt.Proposal
	if in == nil {
		return pl.reject("proposal is required")
	}
	lab := strings.TrimSpace(in.LabID)
	if lab == "" {
		lab = pl.evt.ActorID
	}
	if lab == "" {
		return pl.reject("lab_id is required")
	}
	if in.BidAmount <= 0 || in.BidAmount > pl.b.Budget {
		return pl.reject("bid %.2f must be positive and within budget %.2f", in.BidAmount, pl.b.Budget)
	}
	if in.StakedAmount < 0 {
		return pl.reject("staked_amount must not be negative")
	}
	if in.TimelineDays <= 0 {
		return pl.reject("timeline_days must be positive")
	}
	tier := in.VerificationTier
	if tier == "" {
		tier = domain.TierUnverified
	}
	switch tier {
	case domain.TierUnverified, domain.TierBasic, domain.TierVerified, domain.TierInstitutional:
	default:
		return pl.reject("unknown verification tier %q", tier)
	}
	adapter, err := pl.e.Settlement.Rails.Get(pl.b.PaymentMethod)
	if err != nil {
		return pl.reject("%v", err)
	}
	if err := adapter.ValidateRecipient(in.PayoutRef); err != nil {
		return pl.reject("payout_ref: %v", err)
	}
	for _, p := range pl.b.Proposals {
		if p.LabID == lab && p.Status == domain.ProposalPending {
			return pl.reject("lab %s already has a pending proposal", lab)
		}
	}
	p := domain.Proposal{
		ID:               uuid.NewString(),
		LabID:            lab,
		BidAmount:        in.BidAmount,
		StakedAmount:     in.StakedAmount,
		TimelineDays:     in.TimelineDays,
		VerificationTier: tier,
		PayoutRef:        in.PayoutRef,
		Status:           domain.ProposalPending,
		SubmittedAt:      pl.now,
		StakeStatus:      "held",
	}
	pl.next.Proposals = append(pl.next.Proposals, p)
	pl.payload["proposal_id"] = p.ID
	pl.payload["lab_id"] = lab
	pl.annotate()
	return nil
}

func (pl *planner) withdrawProposal() error {
	if err := pl.in(lblBiddingOpen); err != nil {
		return err
	}
	p, ok := pl.next.Proposal(pl.evt.ProposalID)
	if !ok {
		return pl.reject("proposal %s not found", pl.evt.ProposalID)
	}
	if p.Status != domain.ProposalPending {
		return pl.reject("proposal %s is %s", p.ID, p.Status)
	}
	p.Status = domain.ProposalWithdrawn
	p.StakeStatus = "returned"
	pl.payload["proposal_id"] = p.ID
	pl.annotate()
	return nil
}

func (pl *planner) closeProposals(status domain.ProposalStatus) {
	for i := range pl.next.Proposals {
		if pl.next.Proposals[i].Status == domain.ProposalPending {
			pl.next.Proposals[i].Status = status
			pl.next.Proposals[i].StakeStatus = "returned"
		}
	}
}

func (pl *planner) selectLab() error {
	if err := pl.in(lblBiddingOpen); err != nil {
		return err
	}
	if err := hasProposals(pl.b); err != nil {
		return pl.reject("hasProposals: %v", err)
	}
	chosen, ok := pl.next.Proposal(pl.evt.ProposalID)
	if !ok {
		return pl.reject("proposal %s not found", pl.evt.ProposalID)
	}
	if chosen.Status != domain.ProposalPending {
		return pl.reject("proposal %s is %s", chosen.ID, chosen.Status)
	}
	if err := pl.e.isLabVerified(*chosen); err != nil {
		return pl.reject("isLabVerified: %v", err)
	}
	chosen.Status = domain.ProposalAccepted
	timeline := chosen.TimelineDays
	pl.next.SelectedProposal = chosen.ID
	pl.payload["proposal_id"] = chosen.ID
	pl.payload["lab_id"] = chosen.LabID
	pl.closeProposals(domain.ProposalRejected)

	pl.move(domain.StateBidding, domain.SubLabSelected)
	pl.next.Research = &domain.ResearchDeadline{
		StartedAt: pl.now,
		Deadline:  pl.now.AddDate(0, 0, timeline),
	}
	for i := range pl.next.Milestones {
		m := &pl.next.Milestones[i]
		if m.DueInDays > 0 {
			due := pl.now.AddDate(0, 0, m.DueInDays)
			m.DueAt = &due
		}
	}
	if m, ok := pl.next.CurrentMilestone(); ok {
		m.Status = domain.MilestoneInProgress
	}
	pl.move(domain.StateActiveResearch, domain.SubNone)
	return nil
}

func (pl *planner) rejectAll() error {
	if err := pl.in(lblBiddingOpen); err != nil {
		return err
	}
	pl.closeProposals(domain.ProposalRejected)
	pl.next.CancelReason = "no valid bids"
	pl.move(domain.StateBidding, domain.SubNoValidBids)
	pl.move(domain.StateRefunding, domain.SubNone)
	pl.refundRemaining("no_valid_bids")
	pl.move(domain.StateCancelled, domain.SubNone)
	return nil
}

func (pl *planner) biddingExpired() error {
	if err := pl.in(lblBiddingOpen); err != nil {
		return err
	}
	if err := pl.e.biddingExpired(pl.b, pl.now); err != nil {
		return pl.reject("%v", err)
	}
	pl.closeProposals(domain.ProposalRejected)
	pl.next.CancelReason = "bidding window expired"
	pl.move(domain.StateRefunding, domain.SubNone)
	pl.refundRemaining("bidding_expired")
	pl.move(domain.StateCancelled, domain.SubNone)
	return nil
}

func (pl *planner) submitMilestone() error {
	if err := pl.in(lblActiveResearch, lblDeadlineBreach); err != nil {
		return err
	}
	cur, ok := pl.next.CurrentMilestone()
	if !ok {
		return pl.reject("every milestone is already verified")
	}
	if id := pl.evt.MilestoneID; id != "" && id != cur.ID {
		return pl.reject("milestone %s is not the current milestone %s", id, cur.ID)
	}
	switch cur.Status {
	case domain.MilestoneInProgress, domain.MilestoneRejected, domain.MilestonePending:
	default:
		return pl.reject("milestone %s is %s", cur.ID, cur.Status)
	}
	cur.Status = domain.MilestoneSubmitted
	cur.Evidence = append([]string(nil), pl.evt.Evidence...)
	cur.SubmittedAt = &pl.now
	pl.payload["milestone_id"] = cur.ID
	pl.move(domain.StateMilestoneReview, domain.SubNone)
	return nil
}

func (pl *planner) requestExtension() error {
	if err := pl.in(lblActiveResearch); err != nil {
		return err
	}
	if err := pl.e.canGrantExtension(pl.b); err != nil {
		return pl.reject("canGrantExtension: %v", err)
	}
	if pl.evt.ExtensionDays <= 0 {
		return pl.reject("extension_days must be positive")
	}
	pl.next.Research.PendingRequestDays = pl.evt.ExtensionDays
	pl.next.Research.PendingReason = pl.evt.Notes
	pl.payload["extension_days"] = pl.evt.ExtensionDays
	pl.move(domain.StateExtensionReview, domain.SubNone)
	return nil
}

func (pl *planner) grantExtension() error {
	if err := pl.in(lblExtensionReview, lblDeadlineBreach); err != nil {
		return err
	}
	if err := pl.e.canGrantExtension(pl.b); err != nil {
		return pl.reject("canGrantExtension: %v", err)
	}
	r := pl.next.Research
	days := pl.evt.ExtensionDays
	if days == 0 {
		days = r.PendingRequestDays
	}
	if days <= 0 {
		return pl.reject("extension_days must be positive")
	}
	base := r.Deadline
	if base.Before(pl.now) {
		base = pl.now
	}
	r.Deadline = base.AddDate(0, 0, days)
	r.ExtensionsGranted++
	r.ExtendedDays += days
	r.PendingRequestDays, r.PendingReason = 0, ""
	r.BreachedAt = nil
	pl.payload["extension_days"] = days
	pl.payload["deadline"] = r.Deadline.Format(time.RFC3339)
	pl.move(domain.StateActiveResearch, domain.SubNone)
	return nil
}

func (pl *planner) denyExtension() error {
	if err := pl.in(lblExtensionReview); err != nil {
		return err
	}
	pl.next.Research.PendingRequestDays, pl.next.Research.PendingReason = 0, ""
	pl.move(domain.StateActiveResearch, domain.SubNone)
	return nil
}

func (pl *planner) deadlineExpired() error {
	if err := pl.in(lblActiveResearch); err != nil {
		return err
	}
	if err := deadlinePassed(pl.b, pl.now); err != nil {
		return pl.reject("%v", err)
	}
	pl.next.Research.BreachedAt = &pl.now
	pl.payload["deadline"] = pl.b.Research.Deadline.Format(time.RFC3339)
	pl.move(domain.StateDeadlineBreach, domain.SubNone)
	return nil
}

func (pl *planner) approveMilestone() error {
	if err := pl.in(lblMilestoneReview); err != nil {
		return err
	}
	cur, ok := pl.next.CurrentMilestone()
	if !ok || cur.Status != domain.MilestoneSubmitted {
		return pl.reject("no submitted milestone awaiting review")
	}
	if id := pl.evt.MilestoneID; id != "" && id != cur.ID {
		return pl.reject("milestone %s is not under review", id)
	}
	lab, ok := pl.next.SelectedLab()
	if !ok {
		return pl.reject("no selected lab")
	}
	if pl.next.Escrow == nil {
		return pl.reject("escrow is not locked")
	}
	entry, ok := settlement.Entry(pl.next.Escrow, cur.ID)
	if !ok {
		return pl.reject("no release entry for milestone %s", cur.ID)
	}
	if entry.ReleasedAt != nil {
		return pl.reject("milestone %s already released", cur.ID)
	}
	pl.effects = append(pl.effects, settlement.Effect{Op: settlement.OpRelease, Key: cur.ID, Amount: entry.Amount, Recipient: lab.PayoutRef, LabID: lab.LabID})
	cur.Status = domain.MilestoneVerified
	cur.VerifiedAt = &pl.now
	cur.Overdue = false
	pl.payload["milestone_id"] = cur.ID
	pl.payload["amount_units"] = entry.Amount
	if isLastMilestone(pl.next) {
		pl.move(domain.StateCompletedPayout, domain.SubNone)
		return nil
	}
	if next, ok := pl.next.CurrentMilestone(); ok {
		next.Status = domain.MilestoneInProgress
	}
	pl.move(domain.StateActiveResearch, domain.SubNone)
	return nil
}

func (pl *planner) requestRevision() error {
	if err := pl.in(lblMilestoneReview); err != nil {
		return err
	}
	cur, ok := pl.next.CurrentMilestone()
	if !ok || cur.Status != domain.MilestoneSubmitted {
		return pl.reject("no submitted milestone awaiting review")
	}
	cur.Status = domain.MilestoneRejected
	cur.Revisions++
	pl.payload["milestone_id"] = cur.ID
	if pl.evt.Notes != "" {
		pl.payload["notes"] = pl.evt.Notes
	}
	pl.move(domain.StateActiveResearch, domain.SubNone)
	return nil
}

func (pl *planner) initiateDispute() error {
	if err := pl.in(lblActiveResearch, lblExtensionReview, lblDeadlineBreach, lblMilestoneReview); err != nil {
		return err
	}
	if _, open := pl.next.OpenDispute(); open {
		return pl.reject("a dispute is already open")
	}
	in := pl.evt.Dispute
	if in == nil || strings.TrimSpace(in.ReasonCode) == "" {
		return pl.reject("dispute reason_code is required")
	}
	role := in.InitiatorRole
	if role == "" {
		role = "funder"
	}
	d := domain.Dispute{
		ID:            uuid.NewString(),
		ReasonCode:    in.ReasonCode,
		InitiatorID:   pl.evt.ActorID,
		InitiatorRole: role,
		Description:   in.Description,
		Evidence:      append([]string(nil), in.Evidence...),
		OpenedFrom:    pl.b.State,
		OpenedAt:      pl.now,
	}
	pl.next.Disputes = append(pl.next.Disputes, d)
	if r := pl.next.Research; r != nil {
		r.PendingRequestDays, r.PendingReason = 0, ""
	}
	pl.payload["dispute_id"] = d.ID
	pl.payload["reason_code"] = d.ReasonCode
	pl.move(domain.StateDisputeResolution, domain.SubNone)
	return nil
}

func (pl *planner) resolveDispute() error {
	if err := pl.in(lblDispute, lblArbitration); err != nil {
		return err
	}
	res := pl.evt.Resolution
	if res == nil {
		return pl.reject("resolution is required")
	}
	d, ok := pl.next.OpenDispute()
	if !ok {
		return pl.reject("no open dispute")
	}
	pl.payload["dispute_id"] = d.ID
	pl.payload["outcome"] = string(res.Outcome)

	if res.Outcome == domain.OutcomeArbitration {
		if pl.b.State != domain.StateDisputeResolution {
			return pl.reject("dispute is already in external arbitration")
		}
		d.EscalatedAt = &pl.now
		pl.move(domain.StateExternalArbitration, domain.SubNone)
		return nil
	}

	esc := pl.next.Escrow
	if esc == nil {
		return pl.reject("escrow is not locked")
	}
	lab, ok := pl.next.SelectedLab()
	if !ok {
		return pl.reject("no selected lab")
	}
	resolve := func() {
		d.Outcome = res.Outcome
		d.ResolvedBy = pl.evt.ActorID
		d.ResolvedAt = &pl.now
	}

	switch res.Outcome {
	case domain.OutcomeFunderWins:
		if err := canSlashStake(pl.next, res.SlashAmount); err != nil {
			return pl.reject("canSlashStake: %v", err)
		}
		resolve()
		d.SlashAmount = res.SlashAmount
		if res.SlashAmount > 0 {
			pl.effects = append(pl.effects, settlement.Effect{Op: settlement.OpSlash, Key: d.ID, SlashAmount: res.SlashAmount, Recipient: esc.PayerRef, LabID: lab.LabID})
		}
		pl.next.CancelReason = "dispute resolved for funder"
		pl.move(domain.StateRefunding, domain.SubNone)
		pl.refundRemaining("dispute:" + d.ID)
		pl.move(domain.StateCancelled, domain.SubNone)
	case domain.OutcomeLabWins:
		resolve()
		pl.move(domain.StateCompletedPayout, domain.SubNone)
	case domain.OutcomePartialRefund:
		pct := res.LabSharePercent
		if pct <= 0 || pct >= 100 {
			return pl.reject("lab_share_percent must be between 0 and 100 exclusive")
		}
		remaining := esc.Remaining()
		share := money.Share(remaining, pct)
		resolve()
		d.LabSharePercent = pct
		key := settlement.DisputeKey(d.ID)
		if share > 0 {
			settlement.AddResolutionEntry(esc, key, share)
			pl.effects = append(pl.effects, settlement.Effect{Op: settlement.OpRelease, Key: key, Amount: share, Recipient: lab.PayoutRef, LabID: lab.LabID})
		}
		if refund := remaining - share; refund > 0 {
			pl.effects = append(pl.effects, settlement.Effect{Op: settlement.OpRefund, Key: "refund:" + key, Amount: refund})
		}
		lab.StakeStatus = "returned"
		pl.payload["lab_units"] = share
		pl.payload["refund_units"] = remaining - share
		pl.move(domain.StatePartialSettlement, domain.SubNone)
	default:
		return pl.reject("unknown dispute outcome %q", res.Outcome)
	}
	return nil
}

func (pl *planner) releaseFinalPayout() error {
	if err := pl.in(lblCompletedPayout); err != nil {
		return err
	}
	lab, ok := pl.next.SelectedLab()
	if !ok {
		return pl.reject("no selected lab")
	}
	if pl.next.Escrow == nil {
		return pl.reject("escrow is not locked")
	}
	var total int64
	for _, entry := range settlement.Unreleased(pl.next.Escrow) {
		pl.effects = append(pl.effects, settlement.Effect{Op: settlement.OpRelease, Key: entry.Key, Amount: entry.Amount, Recipient: lab.PayoutRef, LabID: lab.LabID})
		total += entry.Amount
	}
	for i := range pl.next.Milestones {
		m := &pl.next.Milestones[i]
		if m.Status != domain.MilestoneVerified {
			m.Status = domain.MilestoneVerified
			m.VerifiedAt = &pl.now
		}
	}
	if lab.StakeStatus == "held" {
		lab.StakeStatus = "returned"
	}
	pl.payload["amount_units"] = total
	pl.move(domain.StateCompleted, domain.SubNone)
	return nil
}

func (pl *planner) clearHold() error {
	if !pl.b.OnHold {
		return pl.reject("bounty is not on hold")
	}
	pl.payload["hold_reason"] = pl.b.HoldReason
	if pl.evt.Notes != "" {
		pl.payload["notes"] = pl.evt.Notes
	}
	pl.next.OnHold = false
	pl.next.HoldReason = ""
	pl.annotate()
	return nil
}

func describeSteps(steps []step) string {
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = fmt.Sprintf("%s->%s", s.from, s.to)
	}
	return strings.Join(parts, " ")
}
