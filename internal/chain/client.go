// Package chain wraps the Solana JSON-RPC surface the deployment service
// uses: account and balance reads, rent queries, transaction submission and
// confirmation. Reads go through a bounded retry; every call is rate limited
// and carries a timeout.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/solforge-labs/solforge/internal/errs"
	"github.com/solforge-labs/solforge/internal/retry"
)

// ErrAccountNotFound reports a fetched account that does not exist.
var ErrAccountNotFound = errors.New("account not found")

// Config holds client configuration.
type Config struct {
	Endpoint   string
	Timeout    time.Duration
	MaxRetries int
	RateQPS    float64
}

// Client is a rate-limited, retrying Solana RPC client.
type Client struct {
	rpc     *rpc.Client
	limiter *rate.Limiter
	timeout time.Duration
	policy  retry.Policy
	log     *zap.SugaredLogger
}

// NewClient creates a client for one RPC endpoint.
func NewClient(cfg Config, log *zap.SugaredLogger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("chain: endpoint required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	qps := cfg.RateQPS
	if qps <= 0 {
		qps = 10
	}
	policy := retry.DefaultPolicy
	if cfg.MaxRetries > 0 {
		policy.MaxAttempts = cfg.MaxRetries
	}
	return &Client{
		rpc:     rpc.New(cfg.Endpoint),
		limiter: rate.NewLimiter(rate.Limit(qps), int(qps)+1),
		timeout: timeout,
		policy:  policy,
		log:     log.Named("chain"),
	}, nil
}

// call runs one round-trip under the rate limit and timeout. Deadline
// overruns come back classified as timeouts.
func (c *Client) call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := op(cctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return errs.Wrap(errs.KindTimeout, "rpc round-trip", err)
	}
	return err
}

// read is call wrapped in the bounded retry used for non-write RPCs.
func (c *Client) read(ctx context.Context, op func(ctx context.Context) error) error {
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		return c.call(ctx, op)
	})
}

// LatestBlockhash fetches a recent blockhash for transaction assembly.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var hash solana.Hash
	err := c.read(ctx, func(ctx context.Context) error {
		out, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		if err != nil {
			return err
		}
		hash = out.Value.Blockhash
		return nil
	})
	return hash, err
}

// Balance returns the lamport balance of account.
func (c *Client) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	var balance uint64
	err := c.read(ctx, func(ctx context.Context) error {
		out, err := c.rpc.GetBalance(ctx, account, rpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		balance = out.Value
		return nil
	})
	return balance, err
}

// AccountInfo fetches account, returning ErrAccountNotFound when it does not
// exist.
func (c *Client) AccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.Account, error) {
	var acc *rpc.Account
	err := c.read(ctx, func(ctx context.Context) error {
		out, err := c.rpc.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{
			Commitment: rpc.CommitmentConfirmed,
			Encoding:   solana.EncodingBase64,
		})
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				return retry.Permanent(ErrAccountNotFound)
			}
			return err
		}
		if out.Value == nil {
			return retry.Permanent(ErrAccountNotFound)
		}
		acc = out.Value
		return nil
	})
	return acc, err
}

// RentExemption returns the minimum balance for an account of dataSize bytes.
func (c *Client) RentExemption(ctx context.Context, dataSize uint64) (uint64, error) {
	var min uint64
	err := c.read(ctx, func(ctx context.Context) error {
		out, err := c.rpc.GetMinimumBalanceForRentExemption(ctx, dataSize, rpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		min = out
		return nil
	})
	return min, err
}

// Transaction fetches a finalized transaction by signature. A missing
// transaction comes back as (nil, nil) so callers can drive their own
// retry budget.
func (c *Client) Transaction(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error) {
	var out *rpc.GetTransactionResult
	err := c.call(ctx, func(ctx context.Context) error {
		maxVersion := uint64(0)
		res, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentFinalized,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				return nil
			}
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// SendAndConfirm assembles a transaction from instrs, signs it with payer and
// signers, submits it and waits until it is confirmed. Submission itself is
// not retried; only the confirmation poll is.
func (c *Client) SendAndConfirm(ctx context.Context, instrs []solana.Instruction, payer solana.PrivateKey, signers ...solana.PrivateKey) (solana.Signature, error) {
	blockhash, err := c.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("fetch blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instrs, blockhash, solana.TransactionPayer(payer.PublicKey()))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	keys := map[solana.PublicKey]*solana.PrivateKey{payer.PublicKey(): &payer}
	for i := range signers {
		k := signers[i]
		keys[k.PublicKey()] = &k
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		return keys[key]
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	var sig solana.Signature
	err = c.call(ctx, func(ctx context.Context) error {
		s, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			SkipPreflight:       false,
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			return err
		}
		sig = s
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}

	if err := c.Confirm(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

// Confirm polls signature status until the transaction is confirmed or the
// retry budget runs out. An on-chain execution error is permanent.
func (c *Client) Confirm(ctx context.Context, sig solana.Signature) error {
	policy := c.policy
	if policy.MaxAttempts < 10 {
		policy.MaxAttempts = 10
	}
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		return c.call(ctx, func(ctx context.Context) error {
			out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				return err
			}
			if len(out.Value) == 0 || out.Value[0] == nil {
				return fmt.Errorf("transaction %s not yet observed", sig)
			}
			st := out.Value[0]
			if st.Err != nil {
				return retry.Permanent(errs.Protocolf("transaction %s failed on-chain: %v", sig, st.Err))
			}
			switch st.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			default:
				return fmt.Errorf("transaction %s still %s", sig, st.ConfirmationStatus)
			}
		})
	})
}
