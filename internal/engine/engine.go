package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/metrics"
	"bountyline/internal/rail"
	"bountyline/internal/repo"
	"bountyline/internal/settlement"
)

// Engine drives the bounty lifecycle. Every accepted event commits the new state, its
// release ledger rows and its notifications in one transaction; fund movements happen
// before that commit and are journaled so an interruption can be reconciled.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Settlement settlement.Engine
	Logger     *zap.Logger
	Metrics    *metrics.Registry
	Now        func() time.Time

	locks *keyedMutex
	owner string
}

func New(db *sql.DB, cfg *config.Config, rails *rail.Registry, stakes rail.StakeVault, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Config:     cfg,
		Settlement: settlement.Engine{Rails: rails, Stakes: stakes, Logger: logger},
		Logger:     logger,
		Now:        time.Now,
		locks:      newKeyedMutex(),
		owner:      uuid.NewString(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) policy() config.Policy {
	if e.Config == nil {
		return config.Default().Policy
	}
	return e.Config.Policy
}

func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) settler() settlement.Engine {
	s := e.Settlement
	if s.Now == nil {
		s.Now = e.now
	}
	if s.Logger == nil {
		s.Logger = e.logger()
	}
	return s
}

// Snapshot is the externally visible view of a bounty.
type Snapshot struct {
	State    string        `json:"state"`
	SubState string        `json:"sub_state,omitempty"`
	Label    string        `json:"label"`
	Version  int64         `json:"version"`
	Bounty   domain.Bounty `json:"bounty"`
}

func snapshotOf(b domain.Bounty) Snapshot {
	return Snapshot{
		State:    string(b.State),
		SubState: string(b.SubState),
		Label:    b.StateLabel(),
		Version:  b.Version,
		Bounty:   b,
	}
}

// CreateOptions are parameters for creating a bounty.
type CreateOptions struct {
	ID            string
	FunderID      string
	Title         string
	Budget        float64
	Currency      string
	PaymentMethod domain.PaymentMethod
	Draft         *Draft
	ActorID       string
}

// CreateBounty stores a new bounty in drafting.
func (e Engine) CreateBounty(ctx context.Context, opts CreateOptions) (Snapshot, error) {
	title := strings.TrimSpace(opts.Title)
	if opts.Draft != nil && title == "" {
		title = strings.TrimSpace(opts.Draft.Title)
	}
	if title == "" {
		return Snapshot{}, &ValidationError{Reason: "title is required"}
	}
	if opts.FunderID == "" {
		return Snapshot{}, &ValidationError{Reason: "funder_id is required"}
	}
	if opts.Budget <= 0 {
		return Snapshot{}, &ValidationError{Reason: "budget must be positive"}
	}
	if !opts.PaymentMethod.Valid() {
		return Snapshot{}, &ValidationError{Reason: fmt.Sprintf("unknown payment method %q", opts.PaymentMethod)}
	}
	adapter, err := e.Settlement.Rails.Get(opts.PaymentMethod)
	if err != nil {
		return Snapshot{}, &ValidationError{Reason: err.Error()}
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if currency == "" {
		currency = adapter.Currency()
	}
	if currency != adapter.Currency() {
		return Snapshot{}, &ValidationError{Reason: fmt.Sprintf("payment method %s settles in %s, not %s", opts.PaymentMethod, adapter.Currency(), currency)}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	actor := opts.ActorID
	if actor == "" {
		actor = opts.FunderID
	}
	now := e.now().UTC()
	b := domain.Bounty{
		ID:             opts.ID,
		FunderID:       opts.FunderID,
		Title:          title,
		Budget:         opts.Budget,
		Currency:       currency,
		PaymentMethod:  opts.PaymentMethod,
		State:          domain.StateDrafting,
		StateEnteredAt: now,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.Draft != nil {
		applyDraft(&b, *opts.Draft)
		b.Title = title
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBounty(ctx, tx, b); err != nil {
		return Snapshot{}, fmt.Errorf("insert bounty: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.Record{
		Type:     "BOUNTY_CREATED",
		BountyID: b.ID,
		ToState:  b.StateLabel(),
		ActorID:  actor,
		Payload:  events.EventPayload{"budget": b.Budget, "currency": b.Currency, "payment_method": string(b.PaymentMethod)},
	}); err != nil {
		return Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return Snapshot{}, err
	}
	e.logger().Info("bounty created", zap.String("bounty_id", b.ID), zap.String("payment_method", string(b.PaymentMethod)))
	return snapshotOf(b), nil
}

// Snapshot returns the current state of a bounty.
func (e Engine) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	b, err := e.Repo.GetBounty(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(b), nil
}

func (e Engine) List(ctx context.Context, f repo.BountyFilters) ([]repo.BountySummary, error) {
	return e.Repo.ListBounties(ctx, f)
}

// Submit applies evt to the bounty. A rejected event leaves state untouched; a failed fund
// movement leaves state untouched and returns *SideEffectError.
func (e Engine) Submit(ctx context.Context, id string, evt Event) (Snapshot, error) {
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()

	b, err := e.Repo.GetBounty(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	b, replayed, _, err := e.settleOpenIntents(ctx, b)
	if err != nil {
		return snapshotOf(b), err
	}
	if replayed != nil && sameEvent(*replayed, evt) {
		// The interrupted attempt was this very event; it has now been completed.
		return snapshotOf(b), nil
	}
	next, err := e.process(ctx, b, evt, nil)
	if err != nil {
		return snapshotOf(b), err
	}
	return snapshotOf(next), nil
}

// process plans evt against b, performs its fund movements and commits. replay carries
// the journal entries of an interrupted attempt being completed.
func (e Engine) process(ctx context.Context, b domain.Bounty, evt Event, replay []repo.Intent) (domain.Bounty, error) {
	now := e.now().UTC()
	log := e.logger().With(zap.String("bounty_id", b.ID), zap.String("event", string(evt.Type)), zap.String("actor", evt.ActorID))
	if b.OnHold && evt.Type != domain.EventClearHold {
		e.Metrics.Transition(string(evt.Type), "held")
		return b, &ReconciliationError{BountyID: b.ID, Detail: b.HoldReason}
	}
	p, err := e.plan(b, evt, now)
	if err != nil {
		e.Metrics.Transition(string(evt.Type), "rejected")
		log.Debug("event rejected", zap.Error(err))
		return b, err
	}
	next := p.next
	recovery := replay != nil
	var intentIDs []string
	if len(p.effects) > 0 {
		if recovery {
			intentIDs = intentIDsOf(replay)
		} else if intentIDs, err = e.journal(ctx, b, evt, p.effects, now); err != nil {
			return b, fmt.Errorf("journal settlement intents: %w", err)
		}
		st := e.settler()
		for i, eff := range p.effects {
			if err := st.Apply(ctx, &next, eff, recovery); err != nil {
				e.Metrics.Transition(string(evt.Type), "side_effect_failed")
				log.Warn("settlement failed", zap.String("op", string(eff.Op)), zap.String("key", eff.Key), zap.Error(err))
				return b, e.effectFailed(ctx, b, eff, i, intentIDs, recovery, err)
			}
		}
	}
	records := make([]events.Record, len(p.steps))
	for i, s := range p.steps {
		payload := events.EventPayload{}
		for k, v := range p.payload {
			payload[k] = v
		}
		if len(p.steps) > 1 {
			payload["step"] = i + 1
		}
		records[i] = events.Record{Type: string(evt.Type), BountyID: b.ID, FromState: s.from, ToState: s.to, ActorID: evt.ActorID, Payload: payload}
	}
	next.Version = b.Version + 1
	next.UpdatedAt = now
	if err := e.commit(ctx, b, next, records, intentIDs, now); err != nil {
		e.Metrics.Transition(string(evt.Type), "commit_failed")
		return b, err
	}
	e.Metrics.Transition(string(evt.Type), "accepted")
	log.Info("transition committed", zap.String("path", describeSteps(p.steps)), zap.Int64("version", next.Version), zap.Bool("recovery", recovery))
	return next, nil
}

// commit persists next over b with an optimistic version check, together with release
// ledger rows, notifications and the completion of the journal entries.
func (e Engine) commit(ctx context.Context, b, next domain.Bounty, records []events.Record, intentIDs []string, now time.Time) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateBounty(ctx, tx, next, b.Version); err != nil {
		return err
	}
	for _, rel := range newMovements(b, next, now) {
		if err := e.Repo.InsertRelease(ctx, tx, rel); err != nil {
			return fmt.Errorf("record %s %s: %w", rel.Kind, rel.Key, err)
		}
	}
	w := e.writer()
	for _, rec := range records {
		if err := w.Append(ctx, tx, rec); err != nil {
			return err
		}
	}
	if len(intentIDs) > 0 {
		if err := e.Repo.ResolveIntents(ctx, tx, intentIDs, repo.IntentDone, "", now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// newMovements diffs the escrow record into release ledger rows.
func newMovements(b, next domain.Bounty, now time.Time) []repo.Release {
	esc := next.Escrow
	if esc == nil {
		return nil
	}
	at := now.UTC().Format(time.RFC3339)
	var rows []repo.Release
	if b.Escrow == nil {
		rows = append(rows, repo.Release{BountyID: next.ID, Key: next.ID, Kind: "lock", Amount: esc.TotalAmount, RecipientRef: esc.EscrowRef, TxRef: esc.EscrowRef, CreatedAt: at})
	}
	released := map[string]bool{}
	if b.Escrow != nil {
		for _, r := range b.Escrow.Schedule {
			if r.ReleasedAt != nil {
				released[r.Key] = true
			}
		}
	}
	recipient := ""
	if lab, ok := next.SelectedLab(); ok {
		recipient = lab.PayoutRef
	}
	for _, r := range esc.Schedule {
		if r.ReleasedAt != nil && !released[r.Key] {
			rows = append(rows, repo.Release{BountyID: next.ID, Key: r.Key, Kind: "release", Amount: r.Amount, RecipientRef: recipient, TxRef: r.TxRef, CreatedAt: at})
		}
	}
	prior := 0
	if b.Escrow != nil {
		prior = len(b.Escrow.Refunds)
	}
	for _, r := range esc.Refunds[prior:] {
		rows = append(rows, repo.Release{BountyID: next.ID, Key: r.Key, Kind: "refund", Amount: r.Amount, RecipientRef: esc.PayerRef, TxRef: r.TxRef, CreatedAt: at})
	}
	return rows
}

// effectFailed classifies a failed fund movement. A definite failure of the first
// movement aborts the journal entries; anything that may have reached the rail leaves
// them open for reconciliation.
func (e Engine) effectFailed(ctx context.Context, b domain.Bounty, eff settlement.Effect, idx int, intentIDs []string, recovery bool, cause error) error {
	var mm *settlement.MismatchError
	if errors.As(cause, &mm) {
		return e.hold(ctx, b, intentIDs, mm.Error())
	}
	kind, isRail := rail.KindOf(cause)
	ambiguous := isRail && rail.Ambiguous(cause)
	switch {
	case ambiguous:
	case recovery:
		return e.hold(ctx, b, intentIDs, fmt.Sprintf("replaying %s %s failed: %v", eff.Op, eff.Key, cause))
	case idx == 0:
		if err := e.Repo.ResolveIntents(ctx, nil, intentIDs, repo.IntentAborted, cause.Error(), e.now().UTC()); err != nil {
			e.logger().Error("abort settlement intents", zap.String("bounty_id", b.ID), zap.Error(err))
		}
	}
	if !isRail {
		return &SideEffectError{Op: string(eff.Op), Err: cause}
	}
	return &SideEffectError{Op: string(eff.Op), Kind: kind, Err: cause}
}

// hold marks the bounty for manual reconciliation. Only CLEAR_HOLD is accepted afterwards.
func (e Engine) hold(ctx context.Context, b domain.Bounty, intentIDs []string, detail string) error {
	now := e.now().UTC()
	next := b.Clone()
	next.OnHold = true
	next.HoldReason = detail
	next.Version = b.Version + 1
	next.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateBounty(ctx, tx, next, b.Version); err != nil {
		return err
	}
	if err := e.Repo.ResolveIntents(ctx, tx, intentIDs, repo.IntentMismatch, detail, now); err != nil {
		return err
	}
	label := b.StateLabel()
	if err := e.writer().Append(ctx, tx, events.Record{
		Type:      "RECONCILIATION_HOLD",
		BountyID:  b.ID,
		FromState: label,
		ToState:   label,
		ActorID:   "system",
		Payload:   events.EventPayload{"detail": detail},
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Metrics.Reconciliation("mismatch")
	e.logger().Error("bounty placed on reconciliation hold", zap.String("bounty_id", b.ID), zap.String("detail", detail))
	return &ReconciliationError{BountyID: b.ID, Detail: detail}
}
