package rail

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/metrics"
)

// guard bounds every call with a timeout and a rate limit, and records metrics.
// A call that times out fails closed as KindUnavailable; whether funds moved is then
// unknown and must be settled by reconciliation.
type guard struct {
	Timeout time.Duration
	Limiter *rate.Limiter
	Logger  *zap.Logger
	Metrics *metrics.Registry
}

// Instrumented wraps an escrow rail adapter in a guard.
type Instrumented struct {
	Adapter
	guard
}

// InstrumentedStakes wraps a stake vault in the same guard as the rails, labelled "stake"
// in logs and metrics.
type InstrumentedStakes struct {
	StakeVault
	guard
}

type InstrumentOption func(*guard)

func WithTimeout(d time.Duration) InstrumentOption {
	return func(g *guard) { g.Timeout = d }
}

// WithRateLimit caps calls per second; zero disables limiting.
func WithRateLimit(perSecond float64, burst int) InstrumentOption {
	return func(g *guard) {
		if perSecond <= 0 {
			g.Limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		g.Limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithLogger(l *zap.Logger) InstrumentOption {
	return func(g *guard) { g.Logger = l }
}

func WithMetrics(m *metrics.Registry) InstrumentOption {
	return func(g *guard) { g.Metrics = m }
}

func newGuard(opts []InstrumentOption) guard {
	g := guard{Timeout: 4 * time.Second, Logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&g)
	}
	if g.Logger == nil {
		g.Logger = zap.NewNop()
	}
	return g
}

func Instrument(a Adapter, opts ...InstrumentOption) *Instrumented {
	return &Instrumented{Adapter: a, guard: newGuard(opts)}
}

// stakeRail labels stake vault calls in errors, logs and metrics.
const stakeRail domain.PaymentMethod = "stake"

func InstrumentStakes(v StakeVault, opts ...InstrumentOption) *InstrumentedStakes {
	return &InstrumentedStakes{StakeVault: v, guard: newGuard(opts)}
}

type result[T any] struct {
	val T
	err error
}

// call runs fn under the timeout and limiter. The adapter keeps running in its own
// goroutine after a timeout; its late result is discarded.
func call[T any](g guard, ctx context.Context, method domain.PaymentMethod, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	start := time.Now()
	rail := string(method)
	if g.Limiter != nil {
		if err := g.Limiter.Wait(ctx); err != nil {
			g.Metrics.RailCall(rail, op, string(KindUnavailable), time.Since(start))
			return zero, &Error{Kind: KindUnavailable, Rail: method, Op: op, Msg: "rate limited", Err: err}
		}
	}

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- result[T]{val: v, err: err}
	}()
	var res result[T]
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err != nil {
		var re *Error
		if !errors.As(res.err, &re) && (errors.Is(res.err, context.DeadlineExceeded) || errors.Is(res.err, context.Canceled)) {
			res.err = &Error{Kind: KindUnavailable, Rail: method, Op: op, Msg: "call timed out", Err: res.err}
		}
	}

	outcome := "ok"
	if res.err != nil {
		kind, _ := KindOf(res.err)
		outcome = string(kind)
		if outcome == "" {
			outcome = "error"
		}
		g.Logger.Warn("rail call failed", zap.String("op", op), zap.String("kind", outcome), zap.Error(res.err))
	} else {
		g.Logger.Debug("rail call", zap.String("op", op), zap.Duration("elapsed", time.Since(start)))
	}
	g.Metrics.RailCall(rail, op, outcome, time.Since(start))
	if res.err != nil {
		return zero, res.err
	}
	return res.val, nil
}

func (i *Instrumented) Lock(ctx context.Context, req LockRequest) (Lock, error) {
	return call(i.guard, ctx, i.Method(), "lock", func(ctx context.Context) (Lock, error) { return i.Adapter.Lock(ctx, req) })
}

func (i *Instrumented) Verify(ctx context.Context, ref string) (Verification, error) {
	return call(i.guard, ctx, i.Method(), "verify", func(ctx context.Context) (Verification, error) { return i.Adapter.Verify(ctx, ref) })
}

// Release keeps the original receipt attached to already_released errors.
func (i *Instrumented) Release(ctx context.Context, req ReleaseRequest) (Receipt, error) {
	return call(i.guard, ctx, i.Method(), "release", func(ctx context.Context) (Receipt, error) { return i.Adapter.Release(ctx, req) })
}

func (i *Instrumented) Refund(ctx context.Context, req RefundRequest) (Receipt, error) {
	return call(i.guard, ctx, i.Method(), "refund", func(ctx context.Context) (Receipt, error) { return i.Adapter.Refund(ctx, req) })
}

func (i *Instrumented) Balance(ctx context.Context, ref string) (Balance, error) {
	return call(i.guard, ctx, i.Method(), "balance", func(ctx context.Context) (Balance, error) { return i.Adapter.Balance(ctx, ref) })
}

func (s *InstrumentedStakes) Slash(ctx context.Context, req SlashRequest) (SlashReceipt, error) {
	return call(s.guard, ctx, stakeRail, "slash", func(ctx context.Context) (SlashReceipt, error) { return s.StakeVault.Slash(ctx, req) })
}

func (s *InstrumentedStakes) Slashed(ctx context.Context, bountyID, key string) (bool, error) {
	return call(s.guard, ctx, stakeRail, "slashed", func(ctx context.Context) (bool, error) { return s.StakeVault.Slashed(ctx, bountyID, key) })
}

// StakesFromConfig guards the stake vault with the tightest call timeout among the
// enabled rails.
func StakesFromConfig(cfg config.Rails, v StakeVault, logger *zap.Logger, m *metrics.Registry) *InstrumentedStakes {
	if logger == nil {
		logger = zap.NewNop()
	}
	var timeout time.Duration
	for _, rc := range []config.RailConfig{cfg.Card, cfg.BaseUSDC, cfg.SolanaUSDC} {
		if rc.Enabled && rc.CallTimeout > 0 && (timeout == 0 || rc.CallTimeout < timeout) {
			timeout = rc.CallTimeout
		}
	}
	opts := []InstrumentOption{WithLogger(logger.With(zap.String("rail", string(stakeRail)))), WithMetrics(m)}
	if timeout > 0 {
		opts = append(opts, WithTimeout(timeout))
	}
	return InstrumentStakes(v, opts...)
}

// FromConfig builds the registry for every enabled rail, backed by the sandbox ledger.
func FromConfig(cfg config.Rails, ledger Ledger, logger *zap.Logger, m *metrics.Registry) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := NewRegistry()
	wrap := func(a Adapter, rc config.RailConfig) {
		reg.Register(Instrument(a,
			WithTimeout(rc.CallTimeout),
			WithRateLimit(rc.RatePerSecond, rc.Burst),
			WithLogger(logger.With(zap.String("rail", string(a.Method())))),
			WithMetrics(m),
		))
	}
	if cfg.Card.Enabled {
		wrap(NewCard(ledger, cfg.Card.Currency), cfg.Card)
	}
	if cfg.BaseUSDC.Enabled {
		a, err := NewBaseUSDC(ledger, cfg.BaseUSDC.EscrowContract, cfg.BaseUSDC.ChainID)
		if err != nil {
			return nil, err
		}
		wrap(a, cfg.BaseUSDC)
	}
	if cfg.SolanaUSDC.Enabled {
		a, err := NewSolanaUSDC(ledger, cfg.SolanaUSDC.ProgramID)
		if err != nil {
			return nil, err
		}
		wrap(a, cfg.SolanaUSDC)
	}
	return reg, nil
}

var _ Adapter = (*Instrumented)(nil)
var _ Adapter = (*Card)(nil)
var _ Adapter = (*BaseUSDC)(nil)
var _ Adapter = (*SolanaUSDC)(nil)
var _ StakeVault = Ledger{}
var _ StakeVault = (*InstrumentedStakes)(nil)
