// Package rail abstracts the payment rails that hold bounty escrow.
//
// Each adapter exposes the same five operations (lock, verify, release, refund, balance)
// in integer base units. Lock is idempotent per bounty and release/refund are idempotent
// per (escrow, key): a repeated call reports AlreadyReleased/AlreadyRefunded carrying the
// original receipt instead of moving funds twice.
package rail

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bountyline/internal/domain"
)

type Adapter interface {
	Method() domain.PaymentMethod
	Currency() string
	Decimals() int
	ValidateRecipient(ref string) error
	// EscrowRef derives the escrow handle Lock will use for a bounty.
	EscrowRef(bountyID string) string
	Lock(ctx context.Context, req LockRequest) (Lock, error)
	Verify(ctx context.Context, escrowRef string) (Verification, error)
	Release(ctx context.Context, req ReleaseRequest) (Receipt, error)
	Refund(ctx context.Context, req RefundRequest) (Receipt, error)
	Balance(ctx context.Context, escrowRef string) (Balance, error)
}

type LockRequest struct {
	BountyID string
	PayerRef string
	Amount   int64
}

type Lock struct {
	EscrowRef string
	Amount    int64
	Created   bool
}

type Verification struct {
	Locked bool
	Amount int64
}

type ReleaseRequest struct {
	EscrowRef    string
	Key          string
	Amount       int64
	RecipientRef string
}

type RefundRequest struct {
	EscrowRef string
	Key       string
	Amount    int64
	PayerRef  string
}

// Receipt describes one completed movement. Net and Fee differ from Amount only on
// rails that charge a platform fee.
type Receipt struct {
	TxRef        string    `json:"tx_ref"`
	Key          string    `json:"key"`
	Amount       int64     `json:"amount_units"`
	Net          int64     `json:"net_units"`
	Fee          int64     `json:"fee_units"`
	RecipientRef string    `json:"recipient_ref"`
	At           time.Time `json:"at"`
}

// Balance reports the rail's view of an escrow. Locked is what is still held.
type Balance struct {
	Total    int64
	Locked   int64
	Released int64
	Refunded int64
}

type ErrorKind string

const (
	KindUnavailable               ErrorKind = "rail_unavailable"
	KindInsufficientFunds         ErrorKind = "insufficient_funds"
	KindInvalidPayer              ErrorKind = "invalid_payer"
	KindAlreadyReleased           ErrorKind = "already_released"
	KindAlreadyRefunded           ErrorKind = "already_refunded"
	KindAlreadySlashed            ErrorKind = "already_slashed"
	KindInsufficientLockedBalance ErrorKind = "insufficient_locked_balance"
	KindRecipientInvalid          ErrorKind = "recipient_invalid"
	KindUnknownEscrow             ErrorKind = "unknown_escrow"
)

// Error is returned by every adapter operation that fails.
type Error struct {
	Kind    ErrorKind
	Rail    domain.PaymentMethod
	Op      string
	Msg     string
	Receipt *Receipt
	Err     error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Rail != "" {
		return fmt.Sprintf("%s %s: %s: %s", e.Rail, e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the rail error kind. Context deadlines count as an unavailable rail.
func KindOf(err error) (ErrorKind, bool) {
	if err == nil {
		return "", false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUnavailable, true
	}
	return "", false
}

// ReceiptOf returns the original receipt attached to an already_* error.
func ReceiptOf(err error) (Receipt, bool) {
	var re *Error
	if errors.As(err, &re) && re.Receipt != nil {
		return *re.Receipt, true
	}
	return Receipt{}, false
}

// Retryable reports whether the same call may succeed later without intervention.
func Retryable(kind ErrorKind) bool {
	return kind == KindUnavailable
}

// Ambiguous reports whether the outcome of a failed call is unknown, i.e. funds may or
// may not have moved.
func Ambiguous(err error) bool {
	kind, ok := KindOf(err)
	return !ok || kind == KindUnavailable
}

// Registry maps payment methods to adapters.
type Registry struct {
	adapters map[domain.PaymentMethod]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[domain.PaymentMethod]Adapter{}}
	for _, a := range adapters {
		r.adapters[a.Method()] = a
	}
	return r
}

// Register replaces the adapter for its method.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Method()] = a
}

func (r *Registry) Get(m domain.PaymentMethod) (Adapter, error) {
	a, ok := r.adapters[m]
	if !ok {
		return nil, fmt.Errorf("payment method %s is not enabled", m)
	}
	return a, nil
}

func (r *Registry) Methods() []domain.PaymentMethod {
	out := make([]domain.PaymentMethod, 0, len(r.adapters))
	for m := range r.adapters {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
