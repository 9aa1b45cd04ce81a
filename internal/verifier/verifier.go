// Package verifier confirms that an inbound payment transaction matches an
// expected sender and a set of destination/amount pairs before any treasury
// funds move. It only reads the chain; it never submits anything.
package verifier

import (
	"context"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/solforge-labs/solforge/internal/chain"
	"github.com/solforge-labs/solforge/internal/retry"
)

// Expected is one destination/amount pair the payment must cover.
type Expected struct {
	To     solana.PublicKey
	Amount uint64
}

// Result reports the outcome of a verification.
type Result struct {
	Valid         bool
	MatchedFrom   solana.PublicKey
	MatchedAmount uint64
	Reason        string
}

// Transfer is one native-value movement extracted from a transaction.
type Transfer struct {
	From   solana.PublicKey
	To     solana.PublicKey
	Amount uint64
}

// TxFetcher fetches a finalized transaction; a missing transaction comes
// back as (nil, nil). *chain.Client satisfies it.
type TxFetcher interface {
	Transaction(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error)
}

// Config tunes matching and the fetch retry budget.
type Config struct {
	// ToleranceLamports absorbs fee rounding on each expected amount.
	ToleranceLamports uint64
	// AllowAggregate accepts a combined payment whose per-destination
	// transfers do not match individually but whose total does. Audited
	// leniency; every use is logged.
	AllowAggregate bool
	FetchAttempts  int
	FetchDelay     time.Duration
}

// Verifier checks payments against expectations.
type Verifier struct {
	fetcher TxFetcher
	cfg     Config
	log     *zap.SugaredLogger
}

// New creates a verifier.
func New(fetcher TxFetcher, cfg Config, log *zap.SugaredLogger) *Verifier {
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = 5
	}
	if cfg.FetchDelay <= 0 {
		cfg.FetchDelay = 2 * time.Second
	}
	return &Verifier{fetcher: fetcher, cfg: cfg, log: log.Named("verifier")}
}

// Verify fetches the finalized transaction behind sig and checks that
// expectedFrom sent each expected destination its amount. Zero-amount
// expectations are skipped. Mismatches come back as an invalid Result;
// errors are reserved for transport-level failures.
func (v *Verifier) Verify(ctx context.Context, sig solana.Signature, expectedFrom solana.PublicKey, expected []Expected) (Result, error) {
	policy := retry.Policy{MaxAttempts: v.cfg.FetchAttempts, InitialInterval: v.cfg.FetchDelay}
	tx, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*rpc.GetTransactionResult, error) {
		res, err := v.fetcher.Transaction(ctx, sig)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, fmt.Errorf("transaction %s not found", sig)
		}
		return res, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, err
		}
		return Result{Reason: fmt.Sprintf("transaction not found after %d attempts: %v", v.cfg.FetchAttempts, err)}, nil
	}

	if tx.Meta != nil && tx.Meta.Err != nil {
		return Result{Reason: fmt.Sprintf("transaction failed on-chain: %v", tx.Meta.Err)}, nil
	}

	parsed, err := tx.Transaction.GetTransaction()
	if err != nil {
		return Result{}, fmt.Errorf("decode transaction %s: %w", sig, err)
	}

	transfers := ExtractTransfers(parsed, tx.Meta)
	return v.match(transfers, expectedFrom, expected), nil
}

// ExtractTransfers pulls every native system-program transfer out of a
// parsed transaction, including transfers issued by inner instructions.
func ExtractTransfers(tx *solana.Transaction, meta *rpc.TransactionMeta) []Transfer {
	if tx == nil {
		return nil
	}
	msg := tx.Message

	var out []Transfer
	collect := func(instr solana.CompiledInstruction) {
		if int(instr.ProgramIDIndex) >= len(msg.AccountKeys) {
			return
		}
		if msg.AccountKeys[instr.ProgramIDIndex] != chain.SystemProgramID {
			return
		}
		if len(instr.Data) < 12 || len(instr.Accounts) < 2 {
			return
		}
		dec := bin.NewBorshDecoder(instr.Data)
		var disc uint32
		if err := dec.Decode(&disc); err != nil || disc != 2 {
			return
		}
		var amount uint64
		if err := dec.Decode(&amount); err != nil {
			return
		}
		fromIdx, toIdx := instr.Accounts[0], instr.Accounts[1]
		if int(fromIdx) >= len(msg.AccountKeys) || int(toIdx) >= len(msg.AccountKeys) {
			return
		}
		out = append(out, Transfer{
			From:   msg.AccountKeys[fromIdx],
			To:     msg.AccountKeys[toIdx],
			Amount: amount,
		})
	}

	for _, instr := range msg.Instructions {
		collect(instr)
	}
	if meta != nil {
		for _, inner := range meta.InnerInstructions {
			for _, instr := range inner.Instructions {
				collect(instr)
			}
		}
	}
	return out
}

func (v *Verifier) match(transfers []Transfer, expectedFrom solana.PublicKey, expected []Expected) Result {
	tol := v.cfg.ToleranceLamports

	var wantTotal uint64
	pending := make([]Expected, 0, len(expected))
	for _, e := range expected {
		if e.Amount == 0 {
			continue
		}
		pending = append(pending, e)
		wantTotal += e.Amount
	}
	if len(pending) == 0 {
		return Result{Valid: true, MatchedFrom: expectedFrom}
	}

	used := make([]bool, len(transfers))
	var matchedTotal uint64
	matchedAll := true
	for _, e := range pending {
		found := false
		for i, tr := range transfers {
			if used[i] || tr.From != expectedFrom || tr.To != e.To {
				continue
			}
			if withinTolerance(tr.Amount, e.Amount, tol) {
				used[i] = true
				matchedTotal += tr.Amount
				found = true
				break
			}
		}
		if !found {
			matchedAll = false
			break
		}
	}
	if matchedAll {
		return Result{Valid: true, MatchedFrom: expectedFrom, MatchedAmount: matchedTotal}
	}

	if v.cfg.AllowAggregate {
		var sent uint64
		for _, tr := range transfers {
			if tr.From == expectedFrom {
				sent += tr.Amount
			}
		}
		if sent > 0 && withinTolerance(sent, wantTotal, tol) {
			v.log.Warnw("accepting combined payment: per-destination transfers did not match individually",
				"from", expectedFrom.String(), "sent", sent, "expected", wantTotal)
			return Result{Valid: true, MatchedFrom: expectedFrom, MatchedAmount: sent}
		}
	}

	return Result{Reason: fmt.Sprintf("no matching transfer from %s covering %d expected destinations", expectedFrom, len(pending))}
}

func withinTolerance(got, want, tol uint64) bool {
	if got > want {
		return got-want <= tol
	}
	return want-got <= tol
}
