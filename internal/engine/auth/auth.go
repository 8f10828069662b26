package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

const (
	PermBountyManage    = "bounty.manage"
	PermBountyReview    = "bounty.review"
	PermBountyFund      = "bounty.fund"
	PermProposalSubmit  = "proposal.submit"
	PermProposalSelect  = "proposal.select"
	PermResearchReport  = "research.report"
	PermResearchReview  = "research.review"
	PermDisputeInitiate = "dispute.initiate"
	PermDisputeResolve  = "dispute.resolve"
	PermRBACManage      = "rbac.manage"
)

// eventPermissions maps each externally submitted event to the permission it needs.
// Watchdog-only events are absent and therefore never allowed through the API.
var eventPermissions = map[domain.EventType]string{
	domain.EventSubmitDraft:         PermBountyManage,
	domain.EventResubmit:            PermBountyManage,
	domain.EventCancel:              PermBountyManage,
	domain.EventAdminApprove:        PermBountyReview,
	domain.EventAdminReject:         PermBountyReview,
	domain.EventAdminRequestChanges: PermBountyReview,
	domain.EventClearHold:           PermBountyReview,
	domain.EventInitiateFunding:     PermBountyFund,
	domain.EventFundingConfirmed:    PermBountyFund,
	domain.EventFundingFailed:       PermBountyFund,
	domain.EventSubmitProposal:      PermProposalSubmit,
	domain.EventWithdrawProposal:    PermProposalSubmit,
	domain.EventSelectLab:           PermProposalSelect,
	domain.EventAcceptProposal:      PermProposalSelect,
	domain.EventRejectAll:           PermProposalSelect,
	domain.EventSubmitMilestone:     PermResearchReport,
	domain.EventRequestExtension:    PermResearchReport,
	domain.EventApproveMilestone:    PermResearchReview,
	domain.EventRequestRevision:     PermResearchReview,
	domain.EventGrantExtension:      PermResearchReview,
	domain.EventDenyExtension:       PermResearchReview,
	domain.EventReleaseFinalPayout:  PermResearchReview,
	domain.EventInitiateDispute:     PermDisputeInitiate,
	domain.EventResolveDispute:      PermDisputeResolve,
}

// PermissionFor returns the permission needed to submit evt, or false when the event
// cannot be submitted by an actor.
func PermissionFor(evt domain.EventType) (string, bool) {
	p, ok := eventPermissions[evt]
	return p, ok
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB   *sql.DB
	Repo repo.Repo
}

func New(db *sql.DB) Service {
	return Service{DB: db, Repo: repo.Repo{DB: db}}
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	return s.Repo.EnsureActor(ctx, tx, actorID, time.Now().UTC().Format(time.RFC3339))
}

// SeedRoles writes the configured role permissions, replacing earlier seeds.
func (s Service) SeedRoles(ctx context.Context, cfg *config.Config) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for roleID, role := range cfg.RBAC.Roles {
		if err := s.Repo.ClearRolePermissions(ctx, tx, roleID); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := s.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return fmt.Errorf("seed %s/%s: %w", roleID, perm, err)
			}
		}
	}
	return tx.Commit()
}

// Grant assigns a role to an actor, creating the actor if needed.
func (s Service) Grant(ctx context.Context, actorID, roleID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.EnsureActor(ctx, tx, actorID); err != nil {
		return err
	}
	if err := s.Repo.AssignRole(ctx, tx, actorID, roleID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s Service) Revoke(ctx context.Context, actorID, roleID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.RevokeRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, actorID, perm string) (bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Require returns ForbiddenError unless actorID holds perm.
func (s Service) Require(ctx context.Context, actorID, perm string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := s.ActorHasPermission(ctx, tx, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// RequireEvent checks the permission for submitting evt.
func (s Service) RequireEvent(ctx context.Context, actorID string, evt domain.EventType) error {
	perm, ok := PermissionFor(evt)
	if !ok {
		return ForbiddenError{Permission: "system:" + string(evt)}
	}
	return s.Require(ctx, actorID, perm)
}

func (s Service) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return s.Repo.ActorRoles(ctx, tx, actorID)
}

func (s Service) ActorPermissions(ctx context.Context, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=? ORDER BY rp.permission_id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
