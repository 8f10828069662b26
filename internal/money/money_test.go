package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToBaseUnitsUSDC(t *testing.T) {
	cases := map[float64]int64{
		50.5:      50_500_000,
		0.01:      10_000,
		1000:      1_000_000_000,
		0.000001:  1,
		123.45678: 123_456_780,
	}
	for in, want := range cases {
		got, err := ToBaseUnits(in, USDCDecimals)
		require.NoError(t, err)
		assert.Equal(t, want, got, "input %v", in)
	}
}

func TestToBaseUnitsRejectsNegative(t *testing.T) {
	_, err := ToBaseUnits(-1, CardDecimals)
	require.ErrorIs(t, err, ErrNegativeAmount)
}

func TestCardSplit(t *testing.T) {
	cents, err := ToBaseUnits(1000.00, CardDecimals)
	require.NoError(t, err)
	net, fee := CardSplit(cents)
	assert.Equal(t, "970.00", Format(net, CardDecimals))
	assert.Equal(t, "30.00", Format(fee, CardDecimals))

	net, fee = CardSplit(33)
	assert.Equal(t, int64(32), net)
	assert.Equal(t, int64(1), fee)
}

func TestAllocateSumsToTotal(t *testing.T) {
	total := int64(100_000)
	got := Allocate(total, []float64{40, 30, 30})
	assert.Equal(t, []int64{40_000, 30_000, 30_000}, got)

	got = Allocate(1_000_000_001, []float64{33.33, 33.33, 33.34})
	var sum int64
	for _, v := range got {
		sum += v
	}
	assert.Equal(t, int64(1_000_000_001), sum)
	assert.Equal(t, int64(333_300_000), got[0])
}

func TestAllocateLargeTotalDoesNotOverflow(t *testing.T) {
	total := int64(9_000_000_000_000_000_000)
	got := Allocate(total, []float64{50, 50})
	assert.Equal(t, total/2, got[0])
	assert.Equal(t, total-total/2, got[1])
}

func TestPercentSum(t *testing.T) {
	assert.InDelta(t, 100.0, PercentSum([]float64{33.33, 33.33, 33.34}), 1e-9)
	assert.InDelta(t, 99.9, PercentSum([]float64{40, 30, 29.9}), 1e-9)
}
