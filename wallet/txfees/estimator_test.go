package txfees

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/multiwallet/chain"
	"github.com/btcsuite/multiwallet/pkg/unit"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// mockFeeSource is a mock implementation of FeeSource.
type mockFeeSource struct {
	mock.Mock
}

func (m *mockFeeSource) FeeStats(ctx context.Context) (*chain.FeeStats,
	error) {

	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*chain.FeeStats), args.Error(1)
}

func stats(rates map[int]btcutil.Amount) *chain.FeeStats {
	return &chain.FeeStats{Rates: rates}
}

var errNode = errors.New("node unreachable")

// TestEstimate checks the base rate computation.
func TestEstimate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		rates  map[int]btcutil.Amount
		policy FeePolicy
		size   unit.VByte
		fee    btcutil.Amount
	}{
		{
			name:  "median rate",
			rates: map[int]btcutil.Amount{50: 2000, 90: 5000},
			size:  250,
			fee:   500,
		},
		{
			name:  "safety factor rounds up",
			rates: map[int]btcutil.Amount{50: 1000},
			policy: FeePolicy{
				SafetyFactor: big.NewRat(5, 4),
			},
			size: 141,
			// 1250 * 141 / 1000 = 176.25
			fee: 177,
		},
		{
			name:  "clamped to min",
			rates: map[int]btcutil.Amount{50: 100},
			policy: FeePolicy{
				MinRatePerKB: 1000,
			},
			size: 200,
			fee:  200,
		},
		{
			name:  "clamped to max",
			rates: map[int]btcutil.Amount{50: 100_000},
			policy: FeePolicy{
				MaxRatePerKB: 10_000,
			},
			size: 200,
			fee:  2000,
		},
		{
			name:  "high percentile",
			rates: map[int]btcutil.Amount{50: 2000, 90: 5000},
			policy: FeePolicy{
				Percentile: 90,
			},
			size: 1000,
			fee:  5000,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			source := &mockFeeSource{}
			source.On("FeeStats", mock.Anything).Return(
				stats(tc.rates), nil,
			)

			est, err := NewEstimator(source, tc.policy, nil)
			require.NoError(t, err)

			fee, err := est.Estimate(context.Background(), tc.size, 0)
			require.NoError(t, err)
			require.Equal(t, tc.fee, fee)
		})
	}
}

// TestEstimateEscalation checks that every attempt pays more, and that the
// escalated rate may exceed the max rate.
func TestEstimateEscalation(t *testing.T) {
	t.Parallel()

	source := &mockFeeSource{}
	source.On("FeeStats", mock.Anything).Return(
		stats(map[int]btcutil.Amount{50: 20_000}), nil,
	)

	est, err := NewEstimator(source, FeePolicy{
		MaxRatePerKB: 10_000,
	}, big.NewRat(3, 2))
	require.NoError(t, err)

	ctx := context.Background()

	var prev btcutil.Amount
	expected := []btcutil.Amount{2260, 3390, 5085, 7628}
	for attempt, want := range expected {
		fee, err := est.Estimate(ctx, 226, uint32(attempt))
		require.NoError(t, err)
		require.Equal(t, want, fee, "attempt %d", attempt)
		require.Greater(t, fee, prev)

		prev = fee
	}
}

// TestEstimateFallback checks the cached and floor fallbacks when the
// source fails.
func TestEstimateFallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("cached rate", func(t *testing.T) {
		t.Parallel()

		source := &mockFeeSource{}
		source.On("FeeStats", mock.Anything).Return(
			stats(map[int]btcutil.Amount{50: 4000}), nil,
		).Once()
		source.On("FeeStats", mock.Anything).Return(nil, errNode)

		est, err := NewEstimator(source, FeePolicy{
			MinRatePerKB: 1000,
		}, nil)
		require.NoError(t, err)

		fee, err := est.Estimate(ctx, 100, 0)
		require.NoError(t, err)
		require.EqualValues(t, 400, fee)

		fee, err = est.Estimate(ctx, 100, 0)
		require.NoError(t, err)
		require.EqualValues(t, 400, fee)

		source.AssertNumberOfCalls(t, "FeeStats", 2)
	})

	t.Run("floor rate", func(t *testing.T) {
		t.Parallel()

		source := &mockFeeSource{}
		source.On("FeeStats", mock.Anything).Return(nil, errNode)

		est, err := NewEstimator(source, FeePolicy{
			MinRatePerKB: 1000,
		}, nil)
		require.NoError(t, err)

		fee, err := est.Estimate(ctx, 100, 0)
		require.NoError(t, err)
		require.EqualValues(t, 100, fee)
	})

	t.Run("unavailable", func(t *testing.T) {
		t.Parallel()

		source := &mockFeeSource{}
		source.On("FeeStats", mock.Anything).Return(nil, errNode)

		est, err := NewEstimator(source, FeePolicy{}, nil)
		require.NoError(t, err)

		_, err = est.Estimate(ctx, 100, 0)

		var feeErr *FeeUnavailableError
		require.ErrorAs(t, err, &feeErr)
		require.ErrorIs(t, err, errNode)
	})

	t.Run("empty stats", func(t *testing.T) {
		t.Parallel()

		source := &mockFeeSource{}
		source.On("FeeStats", mock.Anything).Return(
			stats(nil), nil,
		)

		est, err := NewEstimator(source, FeePolicy{}, nil)
		require.NoError(t, err)

		_, err = est.Estimate(ctx, 100, 0)

		var feeErr *FeeUnavailableError
		require.ErrorAs(t, err, &feeErr)
	})

	t.Run("canceled context", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		source := &mockFeeSource{}
		source.On("FeeStats", mock.Anything).Return(
			nil, context.Canceled,
		)

		est, err := NewEstimator(source, FeePolicy{
			MinRatePerKB: 1000,
		}, nil)
		require.NoError(t, err)

		_, err = est.Estimate(ctx, 100, 0)
		require.ErrorIs(t, err, context.Canceled)
	})
}

// TestFeePolicyValidate checks defaults and rejected policies.
func TestFeePolicyValidate(t *testing.T) {
	t.Parallel()

	var p FeePolicy
	require.NoError(t, p.Validate())
	require.Equal(t, DefaultPercentile, p.Percentile)
	require.Zero(t, p.SafetyFactor.Cmp(big.NewRat(1, 1)))
	require.EqualValues(t, 1000, p.IncrementalRatePerKB)

	bad := []FeePolicy{
		{Percentile: 101},
		{SafetyFactor: big.NewRat(-1, 2)},
		{MinRatePerKB: 2000, MaxRatePerKB: 1000},
		{MinRatePerKB: -1},
		{IncrementalRatePerKB: -5},
	}
	for i, p := range bad {
		require.Error(t, p.Validate(), "policy %d", i)
	}

	_, err := NewEstimator(&mockFeeSource{}, FeePolicy{}, big.NewRat(1, 2))
	require.Error(t, err)

	_, err = NewEstimator(nil, FeePolicy{}, nil)
	require.Error(t, err)
}

// TestBumpFee checks the replacement fee floor.
func TestBumpFee(t *testing.T) {
	t.Parallel()

	require.EqualValues(t, 1226, BumpFee(1000, 226, 1000))
	require.EqualValues(t, 1001, BumpFee(1000, 226, 0))

	rapid.Check(t, func(rt *rapid.T) {
		prev := btcutil.Amount(rapid.Int64Range(0, 1e8).Draw(rt, "prev"))
		size := unit.VByte(rapid.Uint64Range(1, 1e5).Draw(rt, "size"))
		incr := btcutil.Amount(rapid.Int64Range(0, 1e5).Draw(rt, "incr"))

		bumped := BumpFee(prev, size, incr)
		require.Greater(rt, bumped, prev)
		require.GreaterOrEqual(
			rt, bumped, prev+unit.NewPerKB(incr).FeeForSize(size),
		)
	})
}
