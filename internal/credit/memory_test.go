package credit

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentFlow/internal/errors"
)

func TestReserveFailsWhenBalanceTooLow(t *testing.T) {
	g := NewMemoryGate()
	g.Deposit("u1", decimal.NewFromInt(10))

	_, err := g.CheckAndReserve(context.Background(), "u1", decimal.NewFromInt(15))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInsufficientCredits, xerrors.CodeOf(err))

	available, reserved := g.Balance("u1")
	assert.True(t, available.Equal(decimal.NewFromInt(10)))
	assert.True(t, reserved.IsZero())
}

func TestConcurrentReservationsNeverOverdraw(t *testing.T) {
	g := NewMemoryGate()
	g.Deposit("u1", decimal.NewFromInt(10))

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = g.CheckAndReserve(context.Background(), "u1", decimal.NewFromInt(6))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.Equal(t, xerrors.CodeInsufficientCredits, xerrors.CodeOf(err))
		}
	}
	assert.Equal(t, 1, succeeded)
	available, _ := g.Balance("u1")
	assert.True(t, available.Equal(decimal.NewFromInt(4)))
}

func TestFinalizeAndReleaseAreIdempotent(t *testing.T) {
	g := NewMemoryGate()
	g.Deposit("u1", decimal.NewFromInt(20))
	ctx := context.Background()

	charged, err := g.CheckAndReserve(ctx, "u1", decimal.NewFromInt(5))
	require.NoError(t, err)
	amount, err := g.Finalize(ctx, charged)
	require.NoError(t, err)
	assert.True(t, amount.Equal(decimal.NewFromInt(5)))
	amount, err = g.Finalize(ctx, charged)
	require.NoError(t, err)
	assert.True(t, amount.IsZero())
	amount, err = g.Release(ctx, charged)
	require.NoError(t, err)
	assert.True(t, amount.IsZero(), "a charged reservation cannot be refunded")

	released, err := g.CheckAndReserve(ctx, "u1", decimal.NewFromInt(3))
	require.NoError(t, err)
	amount, err = g.Release(ctx, released)
	require.NoError(t, err)
	assert.True(t, amount.Equal(decimal.NewFromInt(3)))
	amount, err = g.Release(ctx, released)
	require.NoError(t, err)
	assert.True(t, amount.IsZero())

	available, reserved := g.Balance("u1")
	assert.True(t, available.Equal(decimal.NewFromInt(15)))
	assert.True(t, reserved.IsZero())

	for _, entry := range g.Ledger("u1") {
		assert.False(t, entry.BalanceAfter.IsNegative())
	}
}

func TestSettledReservationsAreNotRetained(t *testing.T) {
	g := NewMemoryGate()
	g.Deposit("u1", decimal.NewFromInt(1000))
	ctx := context.Background()

	var settled []Reservation
	for i := 0; i < 100; i++ {
		res, err := g.CheckAndReserve(ctx, "u1", decimal.NewFromInt(2))
		require.NoError(t, err)
		if i%2 == 0 {
			_, err = g.Finalize(ctx, res)
		} else {
			_, err = g.Release(ctx, res)
		}
		require.NoError(t, err)
		settled = append(settled, res)
	}
	held, err := g.CheckAndReserve(ctx, "u1", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, 1, g.Pending())

	for _, res := range settled[:10] {
		amount, err := g.Finalize(ctx, res)
		require.NoError(t, err)
		assert.True(t, amount.IsZero())
	}
	_, err = g.Release(ctx, held)
	require.NoError(t, err)
	assert.Zero(t, g.Pending())

	available, reserved := g.Balance("u1")
	assert.True(t, available.Equal(decimal.NewFromInt(900)))
	assert.True(t, reserved.IsZero())
}

func TestZeroCostReservationTouchesNothing(t *testing.T) {
	g := NewMemoryGate()
	res, err := g.CheckAndReserve(context.Background(), "u2", decimal.Zero)
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Empty(t, g.Ledger("u2"))
}

func TestRejectsNegativeAmount(t *testing.T) {
	g := NewMemoryGate()
	_, err := g.CheckAndReserve(context.Background(), "u1", decimal.NewFromInt(-1))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
