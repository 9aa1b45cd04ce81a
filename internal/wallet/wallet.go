// Package wallet manages the single-use funding wallets that carry treasury
// money through one deployment. Key material is written to disk and to the
// store before any funds move, so a crash mid-pipeline never strands lamports
// in an unrecoverable account.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/solforge-labs/solforge/internal/loader"
	"github.com/solforge-labs/solforge/internal/store"
)

// Chain is the transaction surface the manager needs. *chain.Client
// satisfies it.
type Chain interface {
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
	SendAndConfirm(ctx context.Context, instrs []solana.Instruction, payer solana.PrivateKey, signers ...solana.PrivateKey) (solana.Signature, error)
}

// Treasury is the accounting surface funding moves through.
type Treasury interface {
	MarkFunded(ctx context.Context, contentHash string) (uint64, error)
	CreditRecovered(ctx context.Context, contentHash string, amount uint64) error
}

// Wallet is one temporary funding wallet.
type Wallet struct {
	DeploymentID string
	Key          solana.PrivateKey
}

// Address returns the wallet's public key.
func (w *Wallet) Address() solana.PublicKey {
	return w.Key.PublicKey()
}

// keystoreEntry is the on-disk form of a wallet. The private key never
// appears in logs or API responses; this file and the store row are its only
// homes.
type keystoreEntry struct {
	Address      string    `json:"address"`
	PrivateKey   string    `json:"private_key"`
	DeploymentID string    `json:"deployment_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Manager creates, funds, sweeps and recovers temporary wallets.
type Manager struct {
	store    store.WalletStore
	chain    Chain
	treasury Treasury
	operator solana.PrivateKey
	dir      string
	log      *zap.SugaredLogger
}

// Config holds manager configuration.
type Config struct {
	// KeystoreDir is where wallet key files are written.
	KeystoreDir string
	// OperatorKey pays the funding transfers out of the treasury wallet.
	OperatorKey solana.PrivateKey
}

// NewManager creates a manager. The keystore directory is created if absent.
func NewManager(st store.WalletStore, ch Chain, tr Treasury, cfg Config, log *zap.SugaredLogger) (*Manager, error) {
	if cfg.KeystoreDir == "" {
		return nil, fmt.Errorf("wallet: keystore dir is required")
	}
	if err := os.MkdirAll(cfg.KeystoreDir, 0o700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &Manager{
		store:    st,
		chain:    ch,
		treasury: tr,
		operator: cfg.OperatorKey,
		dir:      cfg.KeystoreDir,
		log:      log.Named("wallet"),
	}, nil
}

// Generate creates a new wallet for deploymentID and persists it to the
// keystore and the store before returning. Nothing is funded yet.
func (m *Manager) Generate(ctx context.Context, deploymentID string) (*Wallet, error) {
	w := solana.NewWallet()
	out := &Wallet{DeploymentID: deploymentID, Key: w.PrivateKey}

	entry := keystoreEntry{
		Address:      out.Address().String(),
		PrivateKey:   w.PrivateKey.String(),
		DeploymentID: deploymentID,
		CreatedAt:    time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode keystore entry: %w", err)
	}
	path := filepath.Join(m.dir, entry.Address+".json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write keystore file: %w", err)
	}

	if err := m.store.SaveWallet(ctx, &store.WalletRecord{
		DeploymentID: deploymentID,
		Address:      entry.Address,
		PrivateKey:   entry.PrivateKey,
		CreatedAt:    entry.CreatedAt,
	}); err != nil {
		return nil, fmt.Errorf("persist wallet record: %w", err)
	}

	m.log.Infow("wallet generated", "deployment", deploymentID, "address", entry.Address)
	return out, nil
}

// Fund debits the reservation identified by contentHash from the treasury and
// transfers it to w. The reservation state guarantees at most one debit per
// attempt; if the on-chain transfer fails the debit is credited straight
// back.
func (m *Manager) Fund(ctx context.Context, w *Wallet, contentHash string) (uint64, error) {
	amount, err := m.treasury.MarkFunded(ctx, contentHash)
	if err != nil {
		return 0, fmt.Errorf("debit reservation: %w", err)
	}

	transfer := loader.NewTransferInstruction(m.operator.PublicKey(), w.Address(), amount)
	sig, err := m.chain.SendAndConfirm(ctx, []solana.Instruction{transfer}, m.operator)
	if err != nil {
		if crErr := m.treasury.CreditRecovered(ctx, contentHash, amount); crErr != nil {
			m.log.Errorw("credit back after failed funding", "hash", contentHash, "amount", amount, "err", crErr)
		}
		return 0, fmt.Errorf("fund wallet %s: %w", w.Address(), err)
	}

	m.log.Infow("wallet funded", "deployment", w.DeploymentID, "address", w.Address(), "amount", amount, "sig", sig)
	return amount, nil
}

// TopUp transfers a fee float from the operator to w outside the reservation
// flow. Used when closing a program whose wallet can no longer pay its own
// transaction fees; the float comes back with the following sweep.
func (m *Manager) TopUp(ctx context.Context, w *Wallet, amount uint64) error {
	transfer := loader.NewTransferInstruction(m.operator.PublicKey(), w.Address(), amount)
	if _, err := m.chain.SendAndConfirm(ctx, []solana.Instruction{transfer}, m.operator); err != nil {
		return fmt.Errorf("top up wallet %s: %w", w.Address(), err)
	}
	m.log.Infow("wallet topped up", "deployment", w.DeploymentID, "address", w.Address(), "amount", amount)
	return nil
}

// Sweep transfers w's balance above minReserve to dest and returns the swept
// amount. A balance at or below the reserve is a no-op. Sweep failures are
// reported but callers treat them as non-fatal; the keystore file keeps the
// funds reachable.
func (m *Manager) Sweep(ctx context.Context, w *Wallet, dest solana.PublicKey, minReserve uint64) (uint64, error) {
	balance, err := m.chain.Balance(ctx, w.Address())
	if err != nil {
		return 0, fmt.Errorf("wallet balance: %w", err)
	}
	if balance <= minReserve {
		return 0, nil
	}
	amount := balance - minReserve

	transfer := loader.NewTransferInstruction(w.Address(), dest, amount)
	sig, err := m.chain.SendAndConfirm(ctx, []solana.Instruction{transfer}, w.Key)
	if err != nil {
		return 0, fmt.Errorf("sweep wallet %s: %w", w.Address(), err)
	}

	m.log.Infow("wallet swept", "deployment", w.DeploymentID, "address", w.Address(), "amount", amount, "sig", sig)
	return amount, nil
}

// Load recovers a wallet by deployment id, falling back to lookup by address
// for records written before deployment ids were tracked.
func (m *Manager) Load(ctx context.Context, deploymentID, address string) (*Wallet, error) {
	rec, err := m.store.GetWalletByDeployment(ctx, deploymentID)
	if errors.Is(err, store.ErrNotFound) && address != "" {
		rec, err = m.store.GetWalletByAddress(ctx, address)
	}
	if err != nil {
		return nil, fmt.Errorf("load wallet for %s: %w", deploymentID, err)
	}

	key, err := solana.PrivateKeyFromBase58(rec.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode wallet key for %s: %w", deploymentID, err)
	}
	return &Wallet{DeploymentID: rec.DeploymentID, Key: key}, nil
}
