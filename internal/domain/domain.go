package domain

import (
	"time"
)

type State string

const (
	StateDrafting            State = "drafting"
	StatePendingAdminReview  State = "pending_admin_review"
	StateRequiresChanges     State = "requires_changes"
	StateRejected            State = "rejected"
	StateReadyForFunding     State = "ready_for_funding"
	StateFundingEscrow       State = "funding_escrow"
	StateBidding             State = "bidding"
	StateActiveResearch      State = "active_research"
	StateExtensionReview     State = "extension_review"
	StateDeadlineBreach      State = "deadline_breach"
	StateMilestoneReview     State = "milestone_review"
	StateDisputeResolution   State = "dispute_resolution"
	StateExternalArbitration State = "external_arbitration"
	StatePartialSettlement   State = "partial_settlement"
	StateCompletedPayout     State = "completed_payout"
	StateCompleted           State = "completed"
	StateRefunding           State = "refunding"
	StateCancelled           State = "cancelled"
)

// SubState is only meaningful inside funding_escrow and bidding.
type SubState string

const (
	SubNone        SubState = ""
	SubProcessing  SubState = "processing"
	SubLocked      SubState = "locked"
	SubFailed      SubState = "failed"
	SubOpen        SubState = "open"
	SubLabSelected SubState = "lab_selected"
	SubNoValidBids SubState = "no_valid_bids"
)

// Terminal reports whether no event is accepted from s.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StatePartialSettlement, StateCompleted, StateCancelled:
		return true
	}
	return false
}

// Label renders a state with its sub-state, e.g. "bidding.open".
func Label(s State, sub SubState) string {
	if sub == SubNone {
		return string(s)
	}
	return string(s) + "." + string(sub)
}

type EventType string

const (
	EventSubmitDraft         EventType = "SUBMIT_DRAFT"
	EventResubmit            EventType = "RESUBMIT"
	EventCancel              EventType = "CANCEL"
	EventAdminApprove        EventType = "ADMIN_APPROVE"
	EventAdminReject         EventType = "ADMIN_REJECT"
	EventAdminRequestChanges EventType = "ADMIN_REQUEST_CHANGES"
	EventInitiateFunding     EventType = "INITIATE_FUNDING"
	EventFundingConfirmed    EventType = "FUNDING_CONFIRMED"
	EventFundingFailed       EventType = "FUNDING_FAILED"
	EventSubmitProposal      EventType = "SUBMIT_PROPOSAL"
	EventWithdrawProposal    EventType = "WITHDRAW_PROPOSAL"
	EventSelectLab           EventType = "SELECT_LAB"
	EventAcceptProposal      EventType = "ACCEPT_PROPOSAL"
	EventRejectAll           EventType = "REJECT_ALL"
	EventBiddingExpired      EventType = "BIDDING_EXPIRED"
	EventSubmitMilestone     EventType = "SUBMIT_MILESTONE"
	EventRequestExtension    EventType = "REQUEST_EXTENSION"
	EventGrantExtension      EventType = "GRANT_EXTENSION"
	EventDenyExtension       EventType = "DENY_EXTENSION"
	EventDeadlineExpired     EventType = "DEADLINE_EXPIRED"
	EventApproveMilestone    EventType = "APPROVE_MILESTONE"
	EventRequestRevision     EventType = "REQUEST_REVISION"
	EventInitiateDispute     EventType = "INITIATE_DISPUTE"
	EventResolveDispute      EventType = "RESOLVE_DISPUTE"
	EventReleaseFinalPayout  EventType = "RELEASE_FINAL_PAYOUT"
	EventClearHold           EventType = "CLEAR_HOLD"
)

// SystemEvents are raised by the watchdog only.
var SystemEvents = map[EventType]bool{
	EventBiddingExpired:  true,
	EventDeadlineExpired: true,
}

type PaymentMethod string

const (
	PaymentCard       PaymentMethod = "card"
	PaymentBaseUSDC   PaymentMethod = "base_usdc"
	PaymentSolanaUSDC PaymentMethod = "solana_usdc"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCard, PaymentBaseUSDC, PaymentSolanaUSDC:
		return true
	}
	return false
}

type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneSubmitted  MilestoneStatus = "submitted"
	MilestoneVerified   MilestoneStatus = "verified"
	MilestoneRejected   MilestoneStatus = "rejected"
)

type Milestone struct {
	ID               string          `json:"id"`
	Sequence         int             `json:"sequence"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	PayoutPercentage float64         `json:"payout_percentage"`
	DueInDays        int             `json:"due_in_days,omitempty"`
	DueAt            *time.Time      `json:"due_at,omitempty"`
	Status           MilestoneStatus `json:"status" enum:"pending,in_progress,submitted,verified,rejected"`
	Evidence         []string        `json:"evidence,omitempty"`
	Revisions        int             `json:"revisions,omitempty"`
	SubmittedAt      *time.Time      `json:"submitted_at,omitempty"`
	VerifiedAt       *time.Time      `json:"verified_at,omitempty"`
	Overdue          bool            `json:"overdue,omitempty"`
	OverdueAt        *time.Time      `json:"overdue_at,omitempty"`
}

type VerificationTier string

const (
	TierUnverified    VerificationTier = "unverified"
	TierBasic         VerificationTier = "basic"
	TierVerified      VerificationTier = "verified"
	TierInstitutional VerificationTier = "institutional"
)

type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalWithdrawn ProposalStatus = "withdrawn"
)

type Proposal struct {
	ID               string           `json:"id"`
	LabID            string           `json:"lab_id"`
	BidAmount        float64          `json:"bid_amount"`
	StakedAmount     float64          `json:"staked_amount"`
	TimelineDays     int              `json:"timeline_days"`
	VerificationTier VerificationTier `json:"verification_tier" enum:"unverified,basic,verified,institutional"`
	PayoutRef        string           `json:"payout_ref"`
	Status           ProposalStatus   `json:"status" enum:"pending,accepted,rejected,withdrawn"`
	SubmittedAt      time.Time        `json:"submitted_at"`
	StakeStatus      string           `json:"stake_status,omitempty" enum:"held,slashed,returned"`
}

// ReleaseEntry is one line of the escrow release schedule. Key is the milestone id, or
// "dispute:<id>" for a resolution release.
type ReleaseEntry struct {
	Key        string     `json:"key"`
	Amount     int64      `json:"amount_units"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	TxRef      string     `json:"tx_ref,omitempty"`
	NetAmount  int64      `json:"net_units,omitempty"`
	FeeAmount  int64      `json:"fee_units,omitempty"`
}

type Refund struct {
	Key        string    `json:"key"`
	Amount     int64     `json:"amount_units"`
	TxRef      string    `json:"tx_ref"`
	RefundedAt time.Time `json:"refunded_at"`
}

type EscrowDetails struct {
	PaymentMethod PaymentMethod  `json:"payment_method"`
	Currency      string         `json:"currency"`
	Decimals      int            `json:"decimals"`
	EscrowRef     string         `json:"escrow_ref"`
	PayerRef      string         `json:"payer_ref"`
	TotalAmount   int64          `json:"total_units"`
	LockedAt      *time.Time     `json:"locked_at,omitempty"`
	Schedule      []ReleaseEntry `json:"release_schedule,omitempty"`
	Refunds       []Refund       `json:"refunds,omitempty"`
}

// Released sums every paid schedule entry.
func (e EscrowDetails) Released() int64 {
	var n int64
	for _, r := range e.Schedule {
		if r.ReleasedAt != nil {
			n += r.Amount
		}
	}
	return n
}

func (e EscrowDetails) Refunded() int64 {
	var n int64
	for _, r := range e.Refunds {
		n += r.Amount
	}
	return n
}

// Remaining is what is still locked on the rail.
func (e EscrowDetails) Remaining() int64 {
	return e.TotalAmount - e.Released() - e.Refunded()
}

type ModerationDecision string

const (
	ModerationApprove ModerationDecision = "approve"
	ModerationReview  ModerationDecision = "manual_review"
	ModerationReject  ModerationDecision = "reject"
)

// ModerationResult is produced by an external screener and attached at submission.
type ModerationResult struct {
	Score    float64            `json:"score"`
	Decision ModerationDecision `json:"decision" enum:"approve,manual_review,reject"`
	Flags    []string           `json:"flags,omitempty"`
	Critical bool               `json:"critical,omitempty"`
}

type AdminReview struct {
	Moderation  *ModerationResult `json:"moderation,omitempty"`
	SubmittedAt *time.Time        `json:"submitted_at,omitempty"`
	ReviewerID  string            `json:"reviewer_id,omitempty"`
	Decision    string            `json:"decision,omitempty" enum:"approved,rejected,changes_requested"`
	Notes       string            `json:"notes,omitempty"`
	DecidedAt   *time.Time        `json:"decided_at,omitempty"`
	EscalatedAt *time.Time        `json:"escalated_at,omitempty"`
}

type ResearchDeadline struct {
	StartedAt          time.Time  `json:"started_at"`
	Deadline           time.Time  `json:"deadline"`
	ExtensionsGranted  int        `json:"extensions_granted"`
	ExtendedDays       int        `json:"extended_days,omitempty"`
	PendingRequestDays int        `json:"pending_request_days,omitempty"`
	PendingReason      string     `json:"pending_reason,omitempty"`
	BreachedAt         *time.Time `json:"breached_at,omitempty"`
}

type DisputeOutcome string

const (
	OutcomeFunderWins    DisputeOutcome = "funder_wins"
	OutcomeLabWins       DisputeOutcome = "lab_wins"
	OutcomePartialRefund DisputeOutcome = "partial_refund"
	OutcomeArbitration   DisputeOutcome = "arbitration"
)

type Dispute struct {
	ID              string         `json:"id"`
	ReasonCode      string         `json:"reason_code"`
	InitiatorID     string         `json:"initiator_id"`
	InitiatorRole   string         `json:"initiator_role" enum:"funder,lab,admin"`
	Description     string         `json:"description,omitempty"`
	Evidence        []string       `json:"evidence,omitempty"`
	OpenedFrom      State          `json:"opened_from"`
	OpenedAt        time.Time      `json:"opened_at"`
	EscalatedAt     *time.Time     `json:"escalated_at,omitempty"`
	Outcome         DisputeOutcome `json:"outcome,omitempty" enum:"funder_wins,lab_wins,partial_refund"`
	SlashAmount     float64        `json:"slash_amount,omitempty"`
	LabSharePercent float64        `json:"lab_share_percent,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

func (d Dispute) Resolved() bool { return d.ResolvedAt != nil }

// Bounty is the aggregate persisted per bounty id.
type Bounty struct {
	ID               string            `json:"id"`
	FunderID         string            `json:"funder_id"`
	Title            string            `json:"title"`
	Budget           float64           `json:"budget"`
	Currency         string            `json:"currency"`
	PaymentMethod    PaymentMethod     `json:"payment_method" enum:"card,base_usdc,solana_usdc"`
	Methodology      string            `json:"methodology,omitempty"`
	DataRequirements []string          `json:"data_requirements,omitempty"`
	Milestones       []Milestone       `json:"milestones,omitempty"`
	State            State             `json:"state"`
	SubState         SubState          `json:"sub_state,omitempty"`
	StateEnteredAt   time.Time         `json:"state_entered_at"`
	Version          int64             `json:"version"`
	OnHold           bool              `json:"on_hold,omitempty"`
	HoldReason       string            `json:"hold_reason,omitempty"`
	Review           AdminReview       `json:"admin_review"`
	FundingPayerRef  string            `json:"funding_payer_ref,omitempty"`
	FundingFailure   string            `json:"funding_failure,omitempty"`
	Escrow           *EscrowDetails    `json:"escrow,omitempty"`
	BiddingOpenedAt  *time.Time        `json:"bidding_opened_at,omitempty"`
	Proposals        []Proposal        `json:"proposals,omitempty"`
	SelectedProposal string            `json:"selected_proposal_id,omitempty"`
	Research         *ResearchDeadline `json:"research,omitempty"`
	Disputes         []Dispute         `json:"disputes,omitempty"`
	CancelReason     string            `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// StateLabel renders the composite state, e.g. "funding_escrow.processing".
func (b Bounty) StateLabel() string { return Label(b.State, b.SubState) }

func (b *Bounty) Milestone(id string) (*Milestone, bool) {
	for i := range b.Milestones {
		if b.Milestones[i].ID == id {
			return &b.Milestones[i], true
		}
	}
	return nil, false
}

// CurrentMilestone returns the lowest-sequence milestone not yet verified.
func (b *Bounty) CurrentMilestone() (*Milestone, bool) {
	for i := range b.Milestones {
		if b.Milestones[i].Status != MilestoneVerified {
			return &b.Milestones[i], true
		}
	}
	return nil, false
}

func (b *Bounty) Proposal(id string) (*Proposal, bool) {
	for i := range b.Proposals {
		if b.Proposals[i].ID == id {
			return &b.Proposals[i], true
		}
	}
	return nil, false
}

// LiveProposals counts proposals still pending or accepted.
func (b Bounty) LiveProposals() int {
	n := 0
	for _, p := range b.Proposals {
		if p.Status == ProposalPending || p.Status == ProposalAccepted {
			n++
		}
	}
	return n
}

// SelectedLab returns the accepted proposal.
func (b *Bounty) SelectedLab() (*Proposal, bool) {
	if b.SelectedProposal == "" {
		return nil, false
	}
	return b.Proposal(b.SelectedProposal)
}

// OpenDispute returns the dispute that has not been resolved yet.
func (b *Bounty) OpenDispute() (*Dispute, bool) {
	for i := len(b.Disputes) - 1; i >= 0; i-- {
		if !b.Disputes[i].Resolved() {
			return &b.Disputes[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy so a transition can mutate freely and be discarded.
func (b Bounty) Clone() Bounty {
	out := b
	out.DataRequirements = append([]string(nil), b.DataRequirements...)
	out.Milestones = make([]Milestone, len(b.Milestones))
	for i, m := range b.Milestones {
		m.Evidence = append([]string(nil), m.Evidence...)
		out.Milestones[i] = m
	}
	out.Proposals = append([]Proposal(nil), b.Proposals...)
	out.Disputes = make([]Dispute, len(b.Disputes))
	for i, d := range b.Disputes {
		d.Evidence = append([]string(nil), d.Evidence...)
		out.Disputes[i] = d
	}
	if b.Review.Moderation != nil {
		m := *b.Review.Moderation
		m.Flags = append([]string(nil), m.Flags...)
		out.Review.Moderation = &m
	}
	if b.Escrow != nil {
		e := *b.Escrow
		e.Schedule = append([]ReleaseEntry(nil), b.Escrow.Schedule...)
		e.Refunds = append([]Refund(nil), b.Escrow.Refunds...)
		out.Escrow = &e
	}
	if b.Research != nil {
		r := *b.Research
		out.Research = &r
	}
	return out
}

// Notification is the outbound payload emitted for every transition or flag.
type Notification struct {
	ID        int64          `json:"id"`
	BountyID  string         `json:"bounty_id"`
	Event     string         `json:"event"`
	FromState string         `json:"from_state"`
	ToState   string         `json:"to_state"`
	ActorID   string         `json:"actor_id"`
	Timestamp string         `json:"timestamp" format:"date-time"`
	Payload   map[string]any `json:"payload,omitempty"`
}
