package engine

import (
	"encoding/json"

	"bountyline/internal/domain"
)

// Event is a lifecycle event submitted for a bounty. Only the fields relevant to Type
// are read.
type Event struct {
	Type          domain.EventType         `json:"type"`
	ActorID       string                   `json:"actor_id"`
	Draft         *Draft                   `json:"draft,omitempty"`
	Moderation    *domain.ModerationResult `json:"moderation,omitempty"`
	Notes         string                   `json:"notes,omitempty"`
	PayerRef      string                   `json:"payer_ref,omitempty"`
	Proposal      *ProposalInput           `json:"proposal,omitempty"`
	ProposalID    string                   `json:"proposal_id,omitempty"`
	MilestoneID   string                   `json:"milestone_id,omitempty"`
	Evidence      []string                 `json:"evidence,omitempty"`
	ExtensionDays int                      `json:"extension_days,omitempty"`
	Dispute       *DisputeInput            `json:"dispute,omitempty"`
	Resolution    *ResolutionInput         `json:"resolution,omitempty"`
}

type Draft struct {
	Title            string           `json:"title,omitempty"`
	Methodology      string           `json:"methodology"`
	DataRequirements []string         `json:"data_requirements"`
	Milestones       []MilestoneInput `json:"milestones"`
}

type MilestoneInput struct {
	Title            string  `json:"title"`
	Description      string  `json:"description,omitempty"`
	PayoutPercentage float64 `json:"payout_percentage"`
	DueInDays        int     `json:"due_in_days,omitempty"`
}

type ProposalInput struct {
	LabID            string                  `json:"lab_id,omitempty"`
	BidAmount        float64                 `json:"bid_amount"`
	StakedAmount     float64                 `json:"staked_amount"`
	TimelineDays     int                     `json:"timeline_days"`
	VerificationTier domain.VerificationTier `json:"verification_tier,omitempty"`
	PayoutRef        string                  `json:"payout_ref"`
}

type DisputeInput struct {
	ReasonCode    string   `json:"reason_code"`
	InitiatorRole string   `json:"initiator_role,omitempty"`
	Description   string   `json:"description,omitempty"`
	Evidence      []string `json:"evidence,omitempty"`
}

type ResolutionInput struct {
	Outcome         domain.DisputeOutcome `json:"outcome"`
	SlashAmount     float64               `json:"slash_amount,omitempty"`
	LabSharePercent float64               `json:"lab_share_percent,omitempty"`
}

// sameEvent reports whether two submissions carry identical content.
func sameEvent(a, b Event) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
