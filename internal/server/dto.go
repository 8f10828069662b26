package server

import (
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/repo"
)

// Request payloads

type MilestoneRequest struct {
	Title            string  `json:"title"`
	Description      string  `json:"description,omitempty"`
	PayoutPercentage float64 `json:"payout_percentage" minimum:"0" maximum:"100"`
	DueInDays        int     `json:"due_in_days,omitempty" minimum:"0"`
}

type DraftRequest struct {
	Title            string             `json:"title,omitempty"`
	Methodology      string             `json:"methodology,omitempty"`
	DataRequirements []string           `json:"data_requirements,omitempty"`
	Milestones       []MilestoneRequest `json:"milestones,omitempty"`
}

type CreateBountyRequest struct {
	ID            string        `json:"id,omitempty"`
	FunderID      string        `json:"funder_id,omitempty"`
	Title         string        `json:"title"`
	Budget        float64       `json:"budget" exclusiveMinimum:"0"`
	Currency      string        `json:"currency,omitempty"`
	PaymentMethod string        `json:"payment_method" enum:"card,base_usdc,solana_usdc"`
	Draft         *DraftRequest `json:"draft,omitempty"`
}

type ModerationRequest struct {
	Score    float64  `json:"score"`
	Decision string   `json:"decision" enum:"approve,manual_review,reject"`
	Flags    []string `json:"flags,omitempty"`
	Critical bool     `json:"critical,omitempty"`
}

type ProposalRequest struct {
	LabID            string  `json:"lab_id,omitempty"`
	BidAmount        float64 `json:"bid_amount"`
	StakedAmount     float64 `json:"staked_amount,omitempty"`
	TimelineDays     int     `json:"timeline_days"`
	VerificationTier string  `json:"verification_tier,omitempty" enum:"unverified,basic,verified,institutional"`
	PayoutRef        string  `json:"payout_ref"`
}

type DisputeRequest struct {
	ReasonCode    string   `json:"reason_code"`
	InitiatorRole string   `json:"initiator_role,omitempty" enum:"funder,lab,admin"`
	Description   string   `json:"description,omitempty"`
	Evidence      []string `json:"evidence,omitempty"`
}

type ResolutionRequest struct {
	Outcome         string  `json:"outcome" enum:"funder_wins,lab_wins,partial_refund,arbitration"`
	SlashAmount     float64 `json:"slash_amount,omitempty"`
	LabSharePercent float64 `json:"lab_share_percent,omitempty"`
}

// SubmitEventRequest carries one lifecycle event. Only the fields used by Type are read.
type SubmitEventRequest struct {
	Type          string             `json:"type"`
	Draft         *DraftRequest      `json:"draft,omitempty"`
	Moderation    *ModerationRequest `json:"moderation,omitempty"`
	Notes         string             `json:"notes,omitempty"`
	PayerRef      string             `json:"payer_ref,omitempty"`
	Proposal      *ProposalRequest   `json:"proposal,omitempty"`
	ProposalID    string             `json:"proposal_id,omitempty"`
	MilestoneID   string             `json:"milestone_id,omitempty"`
	Evidence      []string           `json:"evidence,omitempty"`
	ExtensionDays int                `json:"extension_days,omitempty"`
	Dispute       *DisputeRequest    `json:"dispute,omitempty"`
	Resolution    *ResolutionRequest `json:"resolution,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

// Response payloads

type SubmitEventResponse struct {
	State    string `json:"state"`
	SubState string `json:"sub_state,omitempty"`
	Label    string `json:"label"`
	Version  int64  `json:"version"`
	OnHold   bool   `json:"on_hold,omitempty"`
}

type paginatedBounties struct {
	Items      []repo.BountySummary `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Notification `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func draftFromRequest(d *DraftRequest) *engine.Draft {
	if d == nil {
		return nil
	}
	out := &engine.Draft{
		Title:            d.Title,
		Methodology:      d.Methodology,
		DataRequirements: d.DataRequirements,
	}
	for _, m := range d.Milestones {
		out.Milestones = append(out.Milestones, engine.MilestoneInput{
			Title:            m.Title,
			Description:      m.Description,
			PayoutPercentage: m.PayoutPercentage,
			DueInDays:        m.DueInDays,
		})
	}
	return out
}

func eventFromRequest(req SubmitEventRequest, actorID string) engine.Event {
	evt := engine.Event{
		Type:          domain.EventType(req.Type),
		ActorID:       actorID,
		Draft:         draftFromRequest(req.Draft),
		Notes:         req.Notes,
		PayerRef:      req.PayerRef,
		ProposalID:    req.ProposalID,
		MilestoneID:   req.MilestoneID,
		Evidence:      req.Evidence,
		ExtensionDays: req.ExtensionDays,
	}
	if m := req.Moderation; m != nil {
		evt.Moderation = &domain.ModerationResult{
			Score:    m.Score,
			Decision: domain.ModerationDecision(m.Decision),
			Flags:    m.Flags,
			Critical: m.Critical,
		}
	}
	if p := req.Proposal; p != nil {
		labID := p.LabID
		if labID == "" {
			labID = actorID
		}
		evt.Proposal = &engine.ProposalInput{
			LabID:            labID,
			BidAmount:        p.BidAmount,
			StakedAmount:     p.StakedAmount,
			TimelineDays:     p.TimelineDays,
			VerificationTier: domain.VerificationTier(p.VerificationTier),
			PayoutRef:        p.PayoutRef,
		}
	}
	if d := req.Dispute; d != nil {
		evt.Dispute = &engine.DisputeInput{
			ReasonCode:    d.ReasonCode,
			InitiatorRole: d.InitiatorRole,
			Description:   d.Description,
			Evidence:      d.Evidence,
		}
	}
	if r := req.Resolution; r != nil {
		evt.Resolution = &engine.ResolutionInput{
			Outcome:         domain.DisputeOutcome(r.Outcome),
			SlashAmount:     r.SlashAmount,
			LabSharePercent: r.LabSharePercent,
		}
	}
	return evt
}

func submitResponse(s engine.Snapshot) SubmitEventResponse {
	return SubmitEventResponse{
		State:    s.State,
		SubState: s.SubState,
		Label:    s.Label,
		Version:  s.Version,
		OnHold:   s.Bounty.OnHold,
	}
}

func nonNilSlice(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
