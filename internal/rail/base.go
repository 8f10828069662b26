package rail

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"bountyline/internal/domain"
	"bountyline/internal/money"
)

// escrowABI is the subset of the bounty escrow contract the adapter calls.
const escrowABI = `[
 {"type":"function","name":"lock","stateMutability":"nonpayable","inputs":[{"name":"bountyKey","type":"bytes32"},{"name":"payer","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"bountyKey","type":"bytes32"},{"name":"opKey","type":"bytes32"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"bountyKey","type":"bytes32"},{"name":"opKey","type":"bytes32"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

// BaseUSDC escrows USDC (6 decimals) in an EVM escrow contract on Base. Calls are
// ABI-encoded against the contract and the transaction hash doubles as the tx ref.
type BaseUSDC struct {
	Ledger   Ledger
	Contract common.Address
	ChainID  int64
	abi      abi.ABI
}

func NewBaseUSDC(l Ledger, contract string, chainID int64) (*BaseUSDC, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("base_usdc: invalid escrow contract %q", contract)
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("base_usdc: parse escrow abi: %w", err)
	}
	return &BaseUSDC{Ledger: l, Contract: common.HexToAddress(contract), ChainID: chainID, abi: parsed}, nil
}

func (b *BaseUSDC) Method() domain.PaymentMethod { return domain.PaymentBaseUSDC }
func (b *BaseUSDC) Currency() string             { return "USDC" }
func (b *BaseUSDC) Decimals() int                { return money.USDCDecimals }

// parseAddress accepts a 0x address. Mixed-case input must carry a valid EIP-55 checksum.
func parseAddress(ref string) (common.Address, bool) {
	if !common.IsHexAddress(ref) || !strings.HasPrefix(ref, "0x") {
		return common.Address{}, false
	}
	addr := common.HexToAddress(ref)
	if addr == (common.Address{}) {
		return common.Address{}, false
	}
	body := ref[2:]
	if strings.ToLower(body) != body && strings.ToUpper(body) != body && addr.Hex() != ref {
		return common.Address{}, false
	}
	return addr, true
}

func (b *BaseUSDC) ValidateRecipient(ref string) error {
	if _, ok := parseAddress(ref); !ok {
		return &Error{Kind: KindRecipientInvalid, Rail: b.Method(), Op: "validate", Msg: fmt.Sprintf("%q is not a valid EVM address", ref)}
	}
	return nil
}

func (b *BaseUSDC) bountyKey(bountyID string) [32]byte {
	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], uint64(b.ChainID))
	return [32]byte(crypto.Keccak256Hash(chain[:], b.Contract.Bytes(), []byte(bountyID)))
}

// call encodes a contract call and derives its transaction hash.
func (b *BaseUSDC) call(method string, args ...any) (string, error) {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("pack %s: %w", method, err)
	}
	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], uint64(b.ChainID))
	return crypto.Keccak256Hash(chain[:], b.Contract.Bytes(), data).Hex(), nil
}

func (b *BaseUSDC) EscrowRef(bountyID string) string {
	return common.Hash(b.bountyKey(bountyID)).Hex()
}

func (b *BaseUSDC) Lock(ctx context.Context, req LockRequest) (Lock, error) {
	payer, ok := parseAddress(req.PayerRef)
	if !ok {
		return Lock{}, &Error{Kind: KindInvalidPayer, Rail: b.Method(), Op: "lock", Msg: fmt.Sprintf("%q is not a valid EVM address", req.PayerRef)}
	}
	if req.Amount <= 0 {
		return Lock{}, &Error{Kind: KindInsufficientFunds, Rail: b.Method(), Op: "lock", Msg: "amount must be positive"}
	}
	key := b.bountyKey(req.BountyID)
	if _, err := b.call("lock", key, payer, uint256.NewInt(uint64(req.Amount)).ToBig()); err != nil {
		return Lock{}, &Error{Kind: KindUnavailable, Rail: b.Method(), Op: "lock", Err: err}
	}
	l, err := b.Ledger.open(ctx, b.Method(), b.EscrowRef(req.BountyID), b.Currency(), req)
	return l, tag(err, b.Method(), "lock")
}

func (b *BaseUSDC) Verify(ctx context.Context, escrowRef string) (Verification, error) {
	v, err := b.Ledger.verify(ctx, escrowRef)
	return v, tag(err, b.Method(), "verify")
}

func (b *BaseUSDC) transfer(ctx context.Context, method, kind, escrowRef, key, to string, amount int64) (Receipt, error) {
	addr, ok := parseAddress(to)
	if !ok {
		return Receipt{}, &Error{Kind: KindRecipientInvalid, Rail: b.Method(), Op: method, Msg: fmt.Sprintf("%q is not a valid EVM address", to)}
	}
	if amount <= 0 {
		return Receipt{}, &Error{Kind: KindInsufficientLockedBalance, Rail: b.Method(), Op: method, Msg: "amount must be positive"}
	}
	txRef, err := b.call(method, [32]byte(common.HexToHash(escrowRef)), [32]byte(crypto.Keccak256Hash([]byte(key))), addr, uint256.NewInt(uint64(amount)).ToBig())
	if err != nil {
		return Receipt{}, &Error{Kind: KindUnavailable, Rail: b.Method(), Op: method, Err: err}
	}
	r, err := b.Ledger.move(ctx, movement{EscrowRef: escrowRef, Kind: kind, Key: key, Amount: amount, RecipientRef: addr.Hex(), TxRef: txRef})
	return r, tag(err, b.Method(), method)
}

func (b *BaseUSDC) Release(ctx context.Context, req ReleaseRequest) (Receipt, error) {
	return b.transfer(ctx, "release", movementRelease, req.EscrowRef, req.Key, req.RecipientRef, req.Amount)
}

func (b *BaseUSDC) Refund(ctx context.Context, req RefundRequest) (Receipt, error) {
	return b.transfer(ctx, "refund", movementRefund, req.EscrowRef, req.Key, req.PayerRef, req.Amount)
}

func (b *BaseUSDC) Balance(ctx context.Context, escrowRef string) (Balance, error) {
	bal, err := b.Ledger.balance(ctx, escrowRef)
	return bal, tag(err, b.Method(), "balance")
}
