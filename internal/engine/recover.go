package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bountyline/internal/domain"
	"bountyline/internal/rail"
	"bountyline/internal/repo"
	"bountyline/internal/settlement"
)

// journalEntry is stored with each settlement intent so an interrupted transition can be
// replayed from the journal alone.
type journalEntry struct {
	Event  Event             `json:"event"`
	Effect settlement.Effect `json:"effect"`
}

func (e Engine) journal(ctx context.Context, b domain.Bounty, evt Event, effects []settlement.Effect, now time.Time) ([]string, error) {
	intents := make([]repo.Intent, len(effects))
	for i, eff := range effects {
		data, err := json.Marshal(journalEntry{Event: evt, Effect: eff})
		if err != nil {
			return nil, err
		}
		intents[i] = repo.Intent{
			ID:          uuid.NewString(),
			BountyID:    b.ID,
			BaseVersion: b.Version,
			Op:          string(eff.Op),
			Key:         eff.Key,
			Amount:      eff.Amount,
			EventJSON:   string(data),
			CreatedAt:   now.Format(time.RFC3339Nano),
		}
	}
	if err := e.Repo.InsertIntents(ctx, intents); err != nil {
		return nil, err
	}
	return intentIDsOf(intents), nil
}

func intentIDsOf(intents []repo.Intent) []string {
	ids := make([]string, len(intents))
	for i, in := range intents {
		ids[i] = in.ID
	}
	return ids
}

const (
	outcomeAborted    = "aborted"
	outcomeReplayed   = "replayed"
	outcomeHeld       = "held"
	outcomeSuperseded = "superseded"
)

// settleOpenIntents resolves an interrupted transition before anything else touches the
// bounty. Callers hold the bounty lock. When the interrupted event is replayed it is
// returned alongside the new state.
func (e Engine) settleOpenIntents(ctx context.Context, b domain.Bounty) (domain.Bounty, *Event, string, error) {
	intents, err := e.Repo.OpenIntents(ctx, b.ID)
	if err != nil {
		return b, nil, "", err
	}
	if len(intents) == 0 {
		return b, nil, "", nil
	}
	ids := intentIDsOf(intents)
	now := e.now().UTC()
	log := e.logger().With(zap.String("bounty_id", b.ID), zap.Int("intents", len(intents)))

	var evt Event
	effects := make([]settlement.Effect, 0, len(intents))
	for i, in := range intents {
		var entry journalEntry
		if err := json.Unmarshal([]byte(in.EventJSON), &entry); err != nil {
			return b, nil, "", fmt.Errorf("decode intent %s: %w", in.ID, err)
		}
		if i == 0 {
			evt = entry.Event
		}
		effects = append(effects, entry.Effect)
	}

	verdict, detail, err := e.settler().Reconcile(ctx, b, effects)
	if err != nil {
		kind, _ := rail.KindOf(err)
		e.Metrics.Reconciliation("unavailable")
		log.Warn("reconciliation deferred", zap.Error(err))
		return b, nil, "", &SideEffectError{Op: "reconcile", Kind: kind, Err: fmt.Errorf("%w: %v", ErrReconciliationRequired, err)}
	}

	if base := intents[0].BaseVersion; base != b.Version {
		// The journaled transition can no longer be replayed onto this state. Dropping it
		// is only safe when none of its movements reached the rail.
		if verdict != settlement.VerdictNotApplied {
			reason := fmt.Sprintf("%s journaled at version %d reached the rail after the bounty moved to version %d", evt.Type, base, b.Version)
			return b, nil, outcomeHeld, e.hold(ctx, b, ids, reason)
		}
		msg := fmt.Sprintf("bounty moved from version %d to %d", base, b.Version)
		if err := e.Repo.ResolveIntents(ctx, nil, ids, repo.IntentAborted, msg, now); err != nil {
			return b, nil, "", err
		}
		e.Metrics.Reconciliation(outcomeSuperseded)
		log.Warn("stale settlement intents dropped", zap.String("detail", msg))
		return b, nil, outcomeSuperseded, nil
	}

	switch verdict {
	case settlement.VerdictNotApplied:
		if err := e.Repo.ResolveIntents(ctx, nil, ids, repo.IntentAborted, "no movement reached the rail", now); err != nil {
			return b, nil, "", err
		}
		e.Metrics.Reconciliation(outcomeAborted)
		log.Info("interrupted transition rolled back", zap.String("event", string(evt.Type)))
		return b, nil, outcomeAborted, nil
	case settlement.VerdictApplied:
		next, err := e.process(ctx, b, evt, intents)
		if err != nil {
			return b, nil, "", err
		}
		e.Metrics.Reconciliation(outcomeReplayed)
		log.Info("interrupted transition completed", zap.String("event", string(evt.Type)), zap.Int64("version", next.Version))
		return next, &evt, outcomeReplayed, nil
	default:
		return b, nil, outcomeHeld, e.hold(ctx, b, ids, detail)
	}
}

// RecoveryReport summarises a Recover pass.
type RecoveryReport struct {
	Checked  int `json:"checked"`
	Aborted  int `json:"aborted"`
	Replayed int `json:"replayed"`
	Held     int `json:"held"`
	Failed   int `json:"failed"`
}

// Recover reconciles every bounty with open settlement intents. It runs at startup and
// before each watchdog sweep.
func (e Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	ids, err := e.Repo.BountiesWithOpenIntents(ctx)
	if err != nil {
		return report, err
	}
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		outcome, err := e.recoverOne(ctx, id)
		var held *ReconciliationError
		switch {
		case errors.As(err, &held):
			report.Held++
		case err != nil:
			report.Failed++
			errs = append(errs, fmt.Errorf("recover %s: %w", id, err))
		case outcome == outcomeReplayed:
			report.Replayed++
		default:
			report.Aborted++
		}
	}
	return report, errors.Join(errs...)
}

func (e Engine) recoverOne(ctx context.Context, id string) (string, error) {
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return "", err
	}
	defer unlock()
	b, err := e.Repo.GetBounty(ctx, id)
	if err != nil {
		return "", err
	}
	_, _, outcome, err := e.settleOpenIntents(ctx, b)
	return outcome, err
}
