package rail

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"github.com/mr-tron/base58"

	"bountyline/internal/domain"
	"bountyline/internal/money"
)

// SolanaUSDC escrows USDC in a program-derived vault account. Refs are base58 like every
// other Solana identifier; tx refs have the shape of 64-byte signatures.
type SolanaUSDC struct {
	Ledger    Ledger
	ProgramID string
}

func NewSolanaUSDC(l Ledger, programID string) (*SolanaUSDC, error) {
	if programID == "" {
		return nil, fmt.Errorf("solana_usdc: program id is required")
	}
	if _, err := base58.Decode(programID); err != nil {
		return nil, fmt.Errorf("solana_usdc: program id %q is not base58: %w", programID, err)
	}
	return &SolanaUSDC{Ledger: l, ProgramID: programID}, nil
}

func (s *SolanaUSDC) Method() domain.PaymentMethod { return domain.PaymentSolanaUSDC }
func (s *SolanaUSDC) Currency() string             { return "USDC" }
func (s *SolanaUSDC) Decimals() int                { return money.USDCDecimals }

// validPubkey reports whether ref decodes to a 32-byte ed25519 public key.
func validPubkey(ref string) bool {
	raw, err := base58.Decode(ref)
	return err == nil && len(raw) == 32
}

func (s *SolanaUSDC) ValidateRecipient(ref string) error {
	if !validPubkey(ref) {
		return &Error{Kind: KindRecipientInvalid, Rail: s.Method(), Op: "validate", Msg: fmt.Sprintf("%q is not a base58 public key", ref)}
	}
	return nil
}

func (s *SolanaUSDC) EscrowRef(bountyID string) string {
	sum := sha256.Sum256([]byte(s.ProgramID + ":escrow:" + bountyID))
	return base58.Encode(sum[:])
}

func (s *SolanaUSDC) signature(parts ...string) string {
	h := sha512.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return base58.Encode(h.Sum(nil))
}

func (s *SolanaUSDC) Lock(ctx context.Context, req LockRequest) (Lock, error) {
	if !validPubkey(req.PayerRef) {
		return Lock{}, &Error{Kind: KindInvalidPayer, Rail: s.Method(), Op: "lock", Msg: fmt.Sprintf("%q is not a base58 public key", req.PayerRef)}
	}
	if req.Amount <= 0 {
		return Lock{}, &Error{Kind: KindInsufficientFunds, Rail: s.Method(), Op: "lock", Msg: "amount must be positive"}
	}
	l, err := s.Ledger.open(ctx, s.Method(), s.EscrowRef(req.BountyID), s.Currency(), req)
	return l, tag(err, s.Method(), "lock")
}

func (s *SolanaUSDC) Verify(ctx context.Context, escrowRef string) (Verification, error) {
	v, err := s.Ledger.verify(ctx, escrowRef)
	return v, tag(err, s.Method(), "verify")
}

func (s *SolanaUSDC) Release(ctx context.Context, req ReleaseRequest) (Receipt, error) {
	if err := s.ValidateRecipient(req.RecipientRef); err != nil {
		return Receipt{}, err
	}
	r, err := s.Ledger.move(ctx, movement{
		EscrowRef:    req.EscrowRef,
		Kind:         movementRelease,
		Key:          req.Key,
		Amount:       req.Amount,
		RecipientRef: req.RecipientRef,
		TxRef:        s.signature(s.ProgramID, "release", req.EscrowRef, req.Key),
	})
	return r, tag(err, s.Method(), "release")
}

func (s *SolanaUSDC) Refund(ctx context.Context, req RefundRequest) (Receipt, error) {
	r, err := s.Ledger.move(ctx, movement{
		EscrowRef:    req.EscrowRef,
		Kind:         movementRefund,
		Key:          req.Key,
		Amount:       req.Amount,
		RecipientRef: req.PayerRef,
		TxRef:        s.signature(s.ProgramID, "refund", req.EscrowRef, req.Key),
	})
	return r, tag(err, s.Method(), "refund")
}

func (s *SolanaUSDC) Balance(ctx context.Context, escrowRef string) (Balance, error) {
	b, err := s.Ledger.balance(ctx, escrowRef)
	return b, tag(err, s.Method(), "balance")
}
