// Package money converts human amounts to rail base units and splits escrow totals.
//
// Conversion from a human amount happens exactly once, when the escrow is locked. Every
// later figure (milestone allocations, fees, refunds) is derived from the integer total.
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

const (
	CardDecimals = 2
	USDCDecimals = 6

	// CardFeeBps is the platform fee taken from card releases (3%).
	CardFeeBps = 300

	bpsDenominator = 10_000
)

var ErrNegativeAmount = errors.New("amount must not be negative")

// ToBaseUnits converts a human amount to integer base units: round(x * 10^decimals).
func ToBaseUnits(x float64, decimals int) (int64, error) {
	if x < 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, ErrNegativeAmount
	}
	scaled := math.Round(x * math.Pow10(decimals))
	if scaled > math.MaxInt64 {
		return 0, fmt.Errorf("amount %v overflows base units", x)
	}
	return int64(scaled), nil
}

// FromBaseUnits renders base units back into a human amount for display.
func FromBaseUnits(units int64, decimals int) float64 {
	return float64(units) / math.Pow10(decimals)
}

// Format renders units with a fixed number of decimals, e.g. 97000 cents -> "970.00".
func Format(units int64, decimals int) string {
	return fmt.Sprintf("%.*f", decimals, FromBaseUnits(units, decimals))
}

// percentBps converts a percentage such as 33.33 to basis points of the whole (3333).
func percentBps(pct float64) uint64 {
	return uint64(math.Round(pct * 100))
}

// Share returns floor(total * pct / 100) using 256-bit intermediates.
func Share(total int64, pct float64) int64 {
	if total <= 0 || pct <= 0 {
		return 0
	}
	t := uint256.NewInt(uint64(total))
	t.Mul(t, uint256.NewInt(percentBps(pct)))
	t.Div(t, uint256.NewInt(bpsDenominator))
	if !t.IsUint64() || t.Uint64() > uint64(total) {
		return total
	}
	return int64(t.Uint64())
}

// Allocate splits total across percentages. Every entry but the last is floored; the last
// absorbs the remainder so the allocation sums to total exactly.
func Allocate(total int64, percentages []float64) []int64 {
	out := make([]int64, len(percentages))
	if len(percentages) == 0 {
		return out
	}
	var used int64
	for i := 0; i < len(percentages)-1; i++ {
		out[i] = Share(total, percentages[i])
		used += out[i]
	}
	if used > total {
		used = total
	}
	out[len(out)-1] = total - used
	return out
}

// CardSplit applies the card platform fee. The lab receives round(amount * 0.97) cents; the
// fee is the difference so net + fee == amount.
func CardSplit(amountCents int64) (net, fee int64) {
	if amountCents <= 0 {
		return 0, 0
	}
	n := uint256.NewInt(uint64(amountCents))
	n.Mul(n, uint256.NewInt(bpsDenominator-CardFeeBps))
	n.Add(n, uint256.NewInt(bpsDenominator/2))
	n.Div(n, uint256.NewInt(bpsDenominator))
	net = int64(n.Uint64())
	return net, amountCents - net
}

// PercentSum adds percentages in basis points to avoid float drift.
func PercentSum(percentages []float64) float64 {
	var bps uint64
	for _, p := range percentages {
		if p <= 0 {
			continue
		}
		bps += percentBps(p)
	}
	return float64(bps) / 100
}
