// Package treasury owns the pooled-capital accounting: deposits, withdrawals,
// fee crediting and claims against a reward-per-share accumulator, plus the
// budget reservations that back individual deployments. Every mutation is
// serialized and written through the store; all share/debt arithmetic is
// integer fixed-point — floating point anywhere in this package is a
// correctness defect.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/solforge-labs/solforge/internal/chain"
	"github.com/solforge-labs/solforge/internal/errs"
	"github.com/solforge-labs/solforge/internal/store"
)

// Precision scales the reward-per-share accumulator.
const Precision = 1_000_000_000_000

// Chain is the read surface Rebalance needs. *chain.Client satisfies it.
type Chain interface {
	AccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.Account, error)
}

// Config holds engine configuration.
type Config struct {
	// Admin may credit fees and pause the pool.
	Admin solana.PublicKey
	// Pools locates the on-chain pool accounts.
	Pools chain.PoolAddresses
	// FeeReserveBps sizes the secondary fee reserve as a fraction of the
	// observed pool balance during rebalance.
	FeeReserveBps uint64
}

// Engine is the treasury accounting engine. The zero pool springs into
// existence on first use.
type Engine struct {
	mu    sync.Mutex
	store store.TreasuryStore
	chain Chain
	cfg   Config
	log   *zap.SugaredLogger
}

// New creates an engine. chain may be nil when Rebalance is not needed
// (tests).
func New(st store.TreasuryStore, ch Chain, cfg Config, log *zap.SugaredLogger) *Engine {
	return &Engine{store: st, chain: ch, cfg: cfg, log: log.Named("treasury")}
}

func (e *Engine) loadPool(ctx context.Context) (*store.Pool, error) {
	p, err := e.store.GetPool(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return &store.Pool{Admin: e.cfg.Admin.String()}, nil
	}
	return p, err
}

func (e *Engine) loadBacker(ctx context.Context, address string) (*store.Backer, error) {
	b, err := e.store.GetBacker(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		return &store.Backer{Address: address, RewardDebt: "0", Active: true}, nil
	}
	return b, err
}

func debtOf(b *store.Backer) *big.Int {
	d, ok := new(big.Int).SetString(b.RewardDebt, 10)
	if !ok {
		d = big.NewInt(0)
	}
	return d
}

func setDebt(b *store.Backer, pool *store.Pool) {
	debt := new(big.Int).Mul(
		new(big.Int).SetUint64(b.Deposited),
		new(big.Int).SetUint64(pool.RewardPerShare),
	)
	b.RewardDebt = debt.String()
}

// accrued returns the reward earned since the last debt snapshot:
// max(0, deposited*rewardPerShare − rewardDebt) / Precision.
func accrued(b *store.Backer, pool *store.Pool) uint64 {
	earned := new(big.Int).Mul(
		new(big.Int).SetUint64(b.Deposited),
		new(big.Int).SetUint64(pool.RewardPerShare),
	)
	earned.Sub(earned, debtOf(b))
	if earned.Sign() <= 0 {
		return 0
	}
	earned.Quo(earned, big.NewInt(Precision))
	return earned.Uint64()
}

// realize folds the accrued share into pending rewards and resets the debt
// snapshot against the current accumulator.
func realize(b *store.Backer, pool *store.Pool) {
	b.PendingRewards += accrued(b, pool)
	setDebt(b, pool)
}

// CreditFee credits service fees into the reward and platform pools. Only
// the admin may call it. Fees arriving with no depositors are held in the
// reward pool, not distributed: the accumulator division is skipped when
// total deposits are zero.
func (e *Engine) CreditFee(ctx context.Context, caller solana.PublicKey, rewardAmount, platformAmount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !caller.Equals(e.cfg.Admin) {
		return errs.Validationf("credit fee: caller %s is not the pool admin", caller)
	}

	pool, err := e.loadPool(ctx)
	if err != nil {
		return err
	}

	if pool.TotalDeposited > 0 && rewardAmount > 0 {
		inc := new(big.Int).Mul(new(big.Int).SetUint64(rewardAmount), big.NewInt(Precision))
		inc.Quo(inc, new(big.Int).SetUint64(pool.TotalDeposited))
		// the accumulator is a u64 and must never wrap; a wrapped value
		// would decrease and corrupt every backer's debt snapshot
		if !inc.IsUint64() || inc.Uint64() > math.MaxUint64-pool.RewardPerShare {
			return errs.Validationf("credit %d against %d deposited would overflow the reward accumulator", rewardAmount, pool.TotalDeposited)
		}
		pool.RewardPerShare += inc.Uint64()
	}
	pool.RewardPool += rewardAmount
	pool.PlatformPool += platformAmount

	if err := e.store.SavePool(ctx, pool); err != nil {
		return err
	}
	e.log.Infow("fee credited", "reward", rewardAmount, "platform", platformAmount, "rewardPerShare", pool.RewardPerShare)
	return nil
}

// Deposit adds amount to backer's stake.
func (e *Engine) Deposit(ctx context.Context, backer string, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pool, err := e.loadPool(ctx)
	if err != nil {
		return err
	}
	if pool.Paused {
		return errs.Validation("pool is paused")
	}
	if amount == 0 {
		return errs.Validation("deposit amount must be positive")
	}

	b, err := e.loadBacker(ctx, backer)
	if err != nil {
		return err
	}

	realize(b, pool)
	b.Deposited += amount
	b.Active = true
	pool.TotalDeposited += amount
	pool.LiquidBalance += amount
	setDebt(b, pool)

	if err := e.store.SaveBacker(ctx, b); err != nil {
		return err
	}
	return e.store.SavePool(ctx, pool)
}

// Withdraw removes amount from backer's stake. The pool must hold enough
// liquid balance to honor it.
func (e *Engine) Withdraw(ctx context.Context, backer string, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pool, err := e.loadPool(ctx)
	if err != nil {
		return err
	}
	if pool.Paused {
		return errs.Validation("pool is paused")
	}

	b, err := e.loadBacker(ctx, backer)
	if err != nil {
		return err
	}
	if amount > b.Deposited {
		return errs.Validationf("withdraw %d exceeds deposited %d", amount, b.Deposited)
	}
	if amount > pool.LiquidBalance {
		return errs.InsufficientFundsf("withdraw %d exceeds liquid balance %d", amount, pool.LiquidBalance)
	}

	realize(b, pool)
	b.Deposited -= amount
	b.Active = b.Deposited > 0
	pool.TotalDeposited -= amount
	pool.LiquidBalance -= amount
	setDebt(b, pool)

	if err := e.store.SaveBacker(ctx, b); err != nil {
		return err
	}
	return e.store.SavePool(ctx, pool)
}

// Claim pays out backer's pending and freshly accrued rewards, returning the
// amount.
func (e *Engine) Claim(ctx context.Context, backer string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pool, err := e.loadPool(ctx)
	if err != nil {
		return 0, err
	}
	b, err := e.loadBacker(ctx, backer)
	if err != nil {
		return 0, err
	}

	realize(b, pool)
	amount := b.PendingRewards
	if amount == 0 {
		return 0, nil
	}
	if amount > pool.RewardPool {
		return 0, errs.InsufficientFundsf("claim %d exceeds reward pool %d", amount, pool.RewardPool)
	}

	b.PendingRewards = 0
	b.ClaimedTotal += amount
	pool.RewardPool -= amount
	setDebt(b, pool)

	if err := e.store.SaveBacker(ctx, b); err != nil {
		return 0, err
	}
	if err := e.store.SavePool(ctx, pool); err != nil {
		return 0, err
	}
	e.log.Infow("rewards claimed", "backer", backer, "amount", amount)
	return amount, nil
}

// ComputeClaimable returns what backer could claim right now. Read-only.
func (e *Engine) ComputeClaimable(ctx context.Context, backer string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pool, err := e.loadPool(ctx)
	if err != nil {
		return 0, err
	}
	b, err := e.loadBacker(ctx, backer)
	if err != nil {
		return 0, err
	}
	return b.PendingRewards + accrued(b, pool), nil
}

// Rebalance recomputes the liquid balance from the pool's actual on-chain
// balance and resizes the fee reserve as a fixed fraction of it. Used to
// recover after funds moved outside the normal deposit/withdraw paths.
// Idempotent when the chain state has not moved.
func (e *Engine) Rebalance(ctx context.Context) error {
	if e.chain == nil {
		return fmt.Errorf("rebalance: no chain client configured")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	acct, err := e.chain.AccountInfo(ctx, e.cfg.Pools.Treasury)
	if err != nil {
		return fmt.Errorf("fetch treasury pool account: %w", err)
	}
	if acct.Data != nil {
		// the account must decode as a known layout before its balance is
		// trusted
		if data := acct.Data.GetBinary(); len(data) > 0 {
			if _, err := DecodePoolState(data); err != nil {
				return err
			}
		}
	}

	pool, err := e.loadPool(ctx)
	if err != nil {
		return err
	}

	observed := acct.Lamports
	liquid := observed
	if liquid > pool.TotalDeposited {
		liquid = pool.TotalDeposited
	}
	pool.LiquidBalance = liquid
	reserve := new(big.Int).SetUint64(observed)
	reserve.Mul(reserve, new(big.Int).SetUint64(e.cfg.FeeReserveBps))
	reserve.Quo(reserve, big.NewInt(10_000))
	pool.FeeReserve = reserve.Uint64()

	if err := e.store.SavePool(ctx, pool); err != nil {
		return err
	}
	e.log.Infow("pool rebalanced", "observed", observed, "liquid", liquid, "feeReserve", pool.FeeReserve)
	return nil
}

// Reserve holds amount of liquid balance for the deployment identified by
// contentHash.
func (e *Engine) Reserve(ctx context.Context, contentHash string, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pool, err := e.loadPool(ctx)
	if err != nil {
		return err
	}
	if pool.Paused {
		return errs.Validation("pool is paused")
	}
	available := pool.LiquidBalance - pool.Reserved
	if pool.Reserved > pool.LiquidBalance {
		available = 0
	}
	if amount > available {
		return errs.InsufficientFundsf("reserve %d exceeds available %d", amount, available)
	}
	if _, err := e.store.GetReservation(ctx, contentHash); err == nil {
		return errs.Validationf("reservation %s already exists", contentHash)
	}

	pool.Reserved += amount
	if err := e.store.SaveReservation(ctx, &store.Reservation{
		ContentHash: contentHash,
		Amount:      amount,
		Status:      store.ReservationReserved,
	}); err != nil {
		return err
	}
	return e.store.SavePool(ctx, pool)
}

// MarkFunded records that the reserved amount left the pool toward a
// temporary wallet, and returns it. Safe to call at most once per
// reservation; a second call fails.
func (e *Engine) MarkFunded(ctx context.Context, contentHash string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.store.GetReservation(ctx, contentHash)
	if err != nil {
		return 0, fmt.Errorf("reservation %s: %w", contentHash, err)
	}
	if res.Status != store.ReservationReserved {
		return 0, errs.Validationf("reservation %s already %s", contentHash, res.Status)
	}

	pool, err := e.loadPool(ctx)
	if err != nil {
		return 0, err
	}
	if res.Amount > pool.LiquidBalance {
		return 0, errs.InsufficientFundsf("funding %d exceeds liquid balance %d", res.Amount, pool.LiquidBalance)
	}

	pool.LiquidBalance -= res.Amount
	res.Status = store.ReservationFunded
	if err := e.store.SaveReservation(ctx, res); err != nil {
		return 0, err
	}
	if err := e.store.SavePool(ctx, pool); err != nil {
		return 0, err
	}
	return res.Amount, nil
}

// CreditRecovered returns swept or refunded lamports to the liquid balance.
func (e *Engine) CreditRecovered(ctx context.Context, contentHash string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pool, err := e.loadPool(ctx)
	if err != nil {
		return err
	}
	pool.LiquidBalance += amount
	if err := e.store.SavePool(ctx, pool); err != nil {
		return err
	}
	e.log.Infow("funds recovered", "hash", contentHash, "amount", amount)
	return nil
}

// ConfirmSuccess settles a reservation after a successful deployment.
func (e *Engine) ConfirmSuccess(ctx context.Context, contentHash string) error {
	return e.settle(ctx, contentHash, false)
}

// Release returns a reservation after a failed deployment. Idempotent:
// releasing an unknown reservation is a no-op.
func (e *Engine) Release(ctx context.Context, contentHash string) error {
	return e.settle(ctx, contentHash, true)
}

func (e *Engine) settle(ctx context.Context, contentHash string, idempotent bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.store.GetReservation(ctx, contentHash)
	if errors.Is(err, store.ErrNotFound) {
		if idempotent {
			return nil
		}
		return fmt.Errorf("reservation %s: %w", contentHash, err)
	}
	if err != nil {
		return err
	}

	pool, err := e.loadPool(ctx)
	if err != nil {
		return err
	}
	if pool.Reserved >= res.Amount {
		pool.Reserved -= res.Amount
	} else {
		pool.Reserved = 0
	}

	if err := e.store.DeleteReservation(ctx, contentHash); err != nil {
		return err
	}
	return e.store.SavePool(ctx, pool)
}

// Pool returns a snapshot of the pool record. Read-only.
func (e *Engine) Pool(ctx context.Context) (*store.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadPool(ctx)
}
