package treasury

import (
	"context"
	"math"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/solforge-labs/solforge/internal/errs"
	"github.com/solforge-labs/solforge/internal/store"
)

var testAdmin = solana.MustPublicKeyFromBase58("11111111111111111111111111111112")

type fakePoolChain struct {
	lamports uint64
}

func (f *fakePoolChain) AccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.Account, error) {
	return &rpc.Account{Lamports: f.lamports}, nil
}

func newTestEngine(t *testing.T, ch Chain) (*Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	eng := New(mem, ch, Config{Admin: testAdmin, FeeReserveBps: 500}, zap.NewNop().Sugar())
	return eng, mem
}

func TestCreditFeeWithNoDepositorsHoldsFees(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, nil)

	// Scenario: fees arrive before anyone deposits
	require.NoError(t, eng.CreditFee(ctx, testAdmin, 1_000_000, 100_000))

	pool, err := eng.Pool(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, pool.RewardPerShare, "accumulator must not move without depositors")
	require.EqualValues(t, 1_000_000, pool.RewardPool)
	require.EqualValues(t, 100_000, pool.PlatformPool)
}

func TestSoleBackerEarnsEntireReward(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, nil)

	require.NoError(t, eng.Deposit(ctx, "backer-1", 10_000_000_000))
	require.NoError(t, eng.CreditFee(ctx, testAdmin, 1_000_000_000, 0))

	pool, err := eng.Pool(ctx)
	require.NoError(t, err)
	// floor(1e9 * 1e12 / 1e10)
	require.EqualValues(t, 100_000_000_000, pool.RewardPerShare)

	claimable, err := eng.ComputeClaimable(ctx, "backer-1")
	require.NoError(t, err)
	require.EqualValues(t, 1_000_000_000, claimable, "sole backer claims the entire reward")
}

func TestCreditFeeRejectsNonAdmin(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, nil)

	err := eng.CreditFee(ctx, solana.NewWallet().PublicKey(), 100, 0)
	require.True(t, errs.IsKind(err, errs.KindValidation), "error = %v", err)
}

func TestRewardPerShareMonotone(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, nil)

	require.NoError(t, eng.Deposit(ctx, "b", 1_000_000))
	prev := uint64(0)
	for _, fee := range []uint64{0, 1, 999, 1_000_000, 3} {
		require.NoError(t, eng.CreditFee(ctx, testAdmin, fee, 0))
		pool, err := eng.Pool(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, pool.RewardPerShare, prev)
		prev = pool.RewardPerShare
	}
}

func TestCreditFeeRejectsOverflowingAccumulator(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, nil)

	// a 1-lamport pool makes the per-share increment 1e9 * 1e12, far past u64
	require.NoError(t, eng.Deposit(ctx, "b", 1))

	err := eng.CreditFee(ctx, testAdmin, 1_000_000_000, 0)
	require.True(t, errs.IsKind(err, errs.KindValidation), "error = %v", err)

	pool, err := eng.Pool(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, pool.RewardPerShare, "rejected credit must not move the accumulator")
	require.EqualValues(t, 0, pool.RewardPool, "rejected credit must not land in the reward pool")

	// a proportionate credit still goes through afterwards
	require.NoError(t, eng.CreditFee(ctx, testAdmin, 1, 0))
}

func TestCreditFeeRejectsAccumulatorWrap(t *testing.T) {
	ctx := context.Background()
	eng, mem := newTestEngine(t, nil)

	require.NoError(t, mem.SavePool(ctx, &store.Pool{
		RewardPerShare: math.MaxUint64 - 10,
		TotalDeposited: 1_000_000,
		LiquidBalance:  1_000_000,
		Admin:          testAdmin.String(),
	}))

	// increment would be 1e12, but only 10 units of headroom remain
	err := eng.CreditFee(ctx, testAdmin, 1_000_000, 0)
	require.True(t, errs.IsKind(err, errs.KindValidation), "error = %v", err)

	pool, err := eng.Pool(ctx)
	require.NoError(t, err)
	require.EqualValues(t, uint64(math.MaxUint64-10), pool.RewardPerShare, "accumulator must never wrap")
}

func TestClaimableNeverNegativeAndBounded(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, nil)

	require.NoError(t, eng.Deposit(ctx, "a", 3_000_000))
	require.NoError(t, eng.CreditFee(ctx, testAdmin, 500_000, 0))
	require.NoError(t, eng.Deposit(ctx, "b", 7_000_000))
	require.NoError(t, eng.CreditFee(ctx, testAdmin, 900_000, 0))
	require.NoError(t, eng.Withdraw(ctx, "a", 1_000_000))
	require.NoError(t, eng.CreditFee(ctx, testAdmin, 400_000, 0))

	pool, err := eng.Pool(ctx)
	require.NoError(t, err)

	var sum uint64
	for _, backer := range []string{"a", "b"} {
		claimable, err := eng.ComputeClaimable(ctx, backer)
		require.NoError(t, err)
		sum += claimable
	}
	require.LessOrEqual(t, sum, pool.RewardPool, "claims must never exceed the reward pool")
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, nil)

	require.NoError(t, eng.Deposit(ctx, "other", 5_000_000))
	require.NoError(t, eng.CreditFee(ctx, testAdmin, 250_000, 0))

	before, err := eng.ComputeClaimable(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, eng.Deposit(ctx, "b", 2_000_000))
	require.NoError(t, eng.Withdraw(ctx, "b", 2_000_000))

	after, err := eng.ComputeClaimable(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, before, after, "round trip with unchanged accumulator must not change claimable")

	b, err := eng.ComputeClaimable(ctx, "other")
	require.NoError(t, err)
	require.EqualValues(t, 250_000, b, "bystander claimable unaffected")
}

func TestClaimPaysOutAndResets(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, nil)

	require.NoError(t, eng.Deposit(ctx, "b", 1_000_000))
	require.NoError(t, eng.CreditFee(ctx, testAdmin, 800_000, 0))

	amount, err := eng.Claim(ctx, "b")
	require.NoError(t, err)
	require.EqualValues(t, 800_000, amount)

	pool, err := eng.Pool(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, pool.RewardPool)

	claimable, err := eng.ComputeClaimable(ctx, "b")
	require.NoError(t, err)
	require.EqualValues(t, 0, claimable)

	// nothing left to claim
	again, err := eng.Claim(ctx, "b")
	require.NoError(t, err)
	require.EqualValues(t, 0, again)
}

func TestWithdrawBounds(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, nil)

	require.NoError(t, eng.Deposit(ctx, "b", 1_000))
	err := eng.Withdraw(ctx, "b", 2_000)
	require.True(t, errs.IsKind(err, errs.KindValidation), "error = %v", err)
}

func TestReservationLifecycle(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, nil)

	require.NoError(t, eng.Deposit(ctx, "b", 10_000_000))

	require.NoError(t, eng.Reserve(ctx, "hash-1", 4_000_000))
	err := eng.Reserve(ctx, "hash-1", 1)
	require.True(t, errs.IsKind(err, errs.KindValidation), "duplicate reserve error = %v", err)

	err = eng.Reserve(ctx, "hash-2", 7_000_000)
	require.True(t, errs.IsKind(err, errs.KindInsufficientFunds), "over-reserve error = %v", err)

	amount, err := eng.MarkFunded(ctx, "hash-1")
	require.NoError(t, err)
	require.EqualValues(t, 4_000_000, amount)

	// at most once per deployment attempt
	_, err = eng.MarkFunded(ctx, "hash-1")
	require.True(t, errs.IsKind(err, errs.KindValidation), "double fund error = %v", err)

	pool, err := eng.Pool(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 6_000_000, pool.LiquidBalance)
}

func TestFailedDeploymentRestoresPoolMinusDust(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, nil)

	require.NoError(t, eng.Deposit(ctx, "b", 10_000_000))

	require.NoError(t, eng.Reserve(ctx, "hash-1", 4_000_000))
	_, err := eng.MarkFunded(ctx, "hash-1")
	require.NoError(t, err)

	// pipeline fails; sweep recovers everything except transaction-fee dust
	const dust = 5_000
	require.NoError(t, eng.CreditRecovered(ctx, "hash-1", 4_000_000-dust))
	require.NoError(t, eng.Release(ctx, "hash-1"))

	pool, err := eng.Pool(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, pool.Reserved)
	require.EqualValues(t, 10_000_000-dust, pool.LiquidBalance)

	// idempotent release
	require.NoError(t, eng.Release(ctx, "hash-1"))
}

func TestRebalanceIdempotent(t *testing.T) {
	ctx := context.Background()
	ch := &fakePoolChain{lamports: 7_503_999}
	eng, _ := newTestEngine(t, ch)

	require.NoError(t, eng.Deposit(ctx, "b", 9_000_000))

	require.NoError(t, eng.Rebalance(ctx))
	first, err := eng.Pool(ctx)
	require.NoError(t, err)

	require.NoError(t, eng.Rebalance(ctx))
	second, err := eng.Pool(ctx)
	require.NoError(t, err)

	require.Equal(t, first, second, "rebalance must be idempotent without intervening mutation")
	require.EqualValues(t, 7_503_999, first.LiquidBalance)
	// 7_503_999 * 500 / 10_000, multiplied before dividing
	require.EqualValues(t, 375_199, first.FeeReserve)
}

func TestRebalanceClampsLiquidToDeposits(t *testing.T) {
	ctx := context.Background()
	ch := &fakePoolChain{lamports: 50_000_000}
	eng, _ := newTestEngine(t, ch)

	require.NoError(t, eng.Deposit(ctx, "b", 9_000_000))
	require.NoError(t, eng.Rebalance(ctx))

	pool, err := eng.Pool(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 9_000_000, pool.LiquidBalance)
}

func TestDecodePoolStateRoundTrip(t *testing.T) {
	in := &PoolState{
		Version:        poolStateVersion,
		Admin:          testAdmin,
		TotalDeposited: 123,
		LiquidBalance:  45,
		RewardPool:     6,
		PlatformPool:   7,
		RewardPerShare: 890,
		Paused:         true,
	}
	out, err := DecodePoolState(EncodePoolState(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodePoolStateLegacyLayout(t *testing.T) {
	data := make([]byte, legacyStateSize)
	copy(data[0:32], testAdmin[:])
	out, err := DecodePoolState(data)
	require.NoError(t, err)
	require.EqualValues(t, 1, out.Version)
	require.Equal(t, testAdmin, out.Admin)
}

func TestDecodePoolStateRejectsUnknownLayout(t *testing.T) {
	_, err := DecodePoolState(make([]byte, 17))
	require.True(t, errs.IsKind(err, errs.KindAccountState), "error = %v", err)
}
