// Package deploy orchestrates the deployment state machine: payment
// verification, budget reservation, the background pipeline that lands the
// program on the production network, and the close path that reclaims its
// rent.
package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solforge-labs/solforge/internal/chain"
	"github.com/solforge-labs/solforge/internal/errs"
	"github.com/solforge-labs/solforge/internal/loader"
	"github.com/solforge-labs/solforge/internal/metrics"
	"github.com/solforge-labs/solforge/internal/store"
	"github.com/solforge-labs/solforge/internal/verifier"
	"github.com/solforge-labs/solforge/internal/wallet"
)

// programDataHeaderSize is the metadata prefix of an upgradeable-loader
// program-data account: enum tag, deploy slot, authority option + key.
const programDataHeaderSize = 45

// StagingChain is the read surface against the network the source program
// lives on.
type StagingChain interface {
	AccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.Account, error)
}

// ProductionChain is the read surface against the network programs are
// deployed to.
type ProductionChain interface {
	RentExemption(ctx context.Context, dataSize uint64) (uint64, error)
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
}

// Treasury is the accounting surface the orchestrator reserves and settles
// budgets through.
type Treasury interface {
	Reserve(ctx context.Context, contentHash string, amount uint64) error
	CreditRecovered(ctx context.Context, contentHash string, amount uint64) error
	ConfirmSuccess(ctx context.Context, contentHash string) error
	Release(ctx context.Context, contentHash string) error
}

// Wallets is the temporary-wallet surface. *wallet.Manager satisfies it.
type Wallets interface {
	Generate(ctx context.Context, deploymentID string) (*wallet.Wallet, error)
	Fund(ctx context.Context, w *wallet.Wallet, contentHash string) (uint64, error)
	TopUp(ctx context.Context, w *wallet.Wallet, amount uint64) error
	Sweep(ctx context.Context, w *wallet.Wallet, dest solana.PublicKey, minReserve uint64) (uint64, error)
	Load(ctx context.Context, deploymentID, address string) (*wallet.Wallet, error)
}

// ProgramDeployer is the loader sequence surface. *loader.Deployer satisfies
// it.
type ProgramDeployer interface {
	CreateBuffer(ctx context.Context, payer solana.PrivateKey, programLen int) (solana.PublicKey, error)
	WriteBuffer(ctx context.Context, authority solana.PrivateKey, buffer solana.PublicKey, program []byte) error
	Deploy(ctx context.Context, payer solana.PrivateKey, program *solana.Wallet, buffer solana.PublicKey, maxDataLen uint64) (solana.PublicKey, error)
	SetUpgradeAuthority(ctx context.Context, current solana.PrivateKey, program solana.PublicKey, newAuthority *solana.PublicKey) error
	SetUpgradeAuthorityChecked(ctx context.Context, current solana.PrivateKey, program solana.PublicKey, newAuthority solana.PrivateKey) error
	CloseBuffer(ctx context.Context, authority solana.PrivateKey, buffer, recipient solana.PublicKey) error
	CloseProgram(ctx context.Context, authority solana.PrivateKey, program, recipient solana.PublicKey) error
}

// PaymentVerifier checks inbound payments. *verifier.Verifier satisfies it.
type PaymentVerifier interface {
	Verify(ctx context.Context, sig solana.Signature, expectedFrom solana.PublicKey, expected []verifier.Expected) (verifier.Result, error)
}

// ReplayGuard claims a payment signature exactly once. May be nil, in which
// case replay protection is off.
type ReplayGuard interface {
	Claim(ctx context.Context, signature string) (bool, error)
}

// Config holds orchestrator configuration.
type Config struct {
	// Pools are the fee destinations payments are verified against.
	Pools chain.PoolAddresses
	// PlatformAuthority receives upgrade authority over deployed programs.
	PlatformAuthority solana.PrivateKey
	// TreasuryWallet is where sweeps land.
	TreasuryWallet solana.PublicKey

	ServiceFeeBps  uint64
	PlatformFeeBps uint64
	MonthlyFeeBps  uint64

	// SweepReserve stays behind in a wallet to keep it rent-exempt and able
	// to pay one more transaction.
	SweepReserve uint64
	// CloseFeeFloat is transferred to a drained wallet before the close
	// sequence.
	CloseFeeFloat uint64
	// PipelineTimeout bounds one background pipeline run end to end.
	PipelineTimeout time.Duration
}

// Request is one inbound deployment request.
type Request struct {
	Requester        solana.PublicKey
	SourceProgramID  solana.PublicKey
	Budget           uint64
	ServiceFee       uint64
	PlatformFee      uint64
	MonthlyFee       uint64
	PaymentSignature solana.Signature
}

// Cost is the fee breakdown quoted for a deployment.
type Cost struct {
	BufferRent      uint64
	ProgramRent     uint64
	ProgramDataRent uint64
	ServiceFee      uint64
	PlatformFee     uint64
	MonthlyFee      uint64
	Total           uint64
	ContentHash     string
}

// Service is the deployment orchestrator.
type Service struct {
	store      store.Store
	staging    StagingChain
	production ProductionChain
	verifier   PaymentVerifier
	treasury   Treasury
	wallets    Wallets
	deployer   ProgramDeployer
	guard      ReplayGuard
	metrics    *metrics.Metrics
	cfg        Config
	log        *zap.SugaredLogger
	wg         sync.WaitGroup
}

// New creates the orchestrator. guard may be nil.
func New(st store.Store, staging StagingChain, production ProductionChain, pv PaymentVerifier, tr Treasury, ws Wallets, pd ProgramDeployer, guard ReplayGuard, m *metrics.Metrics, cfg Config, log *zap.SugaredLogger) *Service {
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = 15 * time.Minute
	}
	return &Service{
		store:      st,
		staging:    staging,
		production: production,
		verifier:   pv,
		treasury:   tr,
		wallets:    ws,
		deployer:   pd,
		guard:      guard,
		metrics:    m,
		cfg:        cfg,
		log:        log.Named("deploy"),
	}
}

// Verify confirms the source program exists and is executable, returning the
// size of its program bytes.
func (s *Service) Verify(ctx context.Context, programID solana.PublicKey) (int, error) {
	_, data, err := s.dump(ctx, programID)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// dump fetches the source program's bytes from the staging network. The
// program account points at a program-data account whose payload, past the
// loader metadata header, is the executable itself.
func (s *Service) dump(ctx context.Context, programID solana.PublicKey) (solana.PublicKey, []byte, error) {
	acct, err := s.staging.AccountInfo(ctx, programID)
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("fetch source program %s: %w", programID, err)
	}
	if !acct.Executable {
		return solana.PublicKey{}, nil, errs.Validationf("source %s is not an executable program", programID)
	}
	if !acct.Owner.Equals(chain.UpgradeableLoaderID) {
		return solana.PublicKey{}, nil, errs.AccountStatef("source %s is owned by %s, not the upgradeable loader", programID, acct.Owner)
	}

	raw := accountBytes(acct)
	if len(raw) != int(loader.ProgramAccountSize) {
		return solana.PublicKey{}, nil, errs.AccountStatef("program account %s holds %d bytes, want %d", programID, len(raw), loader.ProgramAccountSize)
	}
	programData := solana.PublicKeyFromBytes(raw[4:36])

	dataAcct, err := s.staging.AccountInfo(ctx, programData)
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("fetch program data %s: %w", programData, err)
	}
	payload := accountBytes(dataAcct)
	if len(payload) <= programDataHeaderSize {
		return solana.PublicKey{}, nil, errs.AccountStatef("program data %s holds no executable payload", programData)
	}
	return programData, payload[programDataHeaderSize:], nil
}

func accountBytes(acct *rpc.Account) []byte {
	if acct == nil || acct.Data == nil {
		return nil
	}
	return acct.Data.GetBinary()
}

// CalculateCost quotes the rent and fee breakdown for deploying programID
// with the given budget, plus the request's content hash.
func (s *Service) CalculateCost(ctx context.Context, requester, programID solana.PublicKey, budget uint64) (Cost, error) {
	size, err := s.Verify(ctx, programID)
	if err != nil {
		return Cost{}, err
	}

	var c Cost
	if c.BufferRent, err = s.production.RentExemption(ctx, loader.BufferAccountSize(size)); err != nil {
		return Cost{}, fmt.Errorf("buffer rent: %w", err)
	}
	if c.ProgramRent, err = s.production.RentExemption(ctx, loader.ProgramAccountSize); err != nil {
		return Cost{}, fmt.Errorf("program rent: %w", err)
	}
	if c.ProgramDataRent, err = s.production.RentExemption(ctx, loader.ProgramDataAccountSize(deployMaxDataLen(size))); err != nil {
		return Cost{}, fmt.Errorf("program data rent: %w", err)
	}

	rent := c.BufferRent + c.ProgramRent + c.ProgramDataRent
	c.ServiceFee = rent * s.cfg.ServiceFeeBps / 10_000
	c.PlatformFee = rent * s.cfg.PlatformFeeBps / 10_000
	c.MonthlyFee = budget * s.cfg.MonthlyFeeBps / 10_000
	c.Total = rent + c.ServiceFee + c.PlatformFee + c.MonthlyFee
	c.ContentHash = ContentHash(requester, programID, budget)
	return c, nil
}

// deployMaxDataLen is the program-data capacity deployments are sized for:
// twice the current program, leaving upgrade headroom. The cost quote and the
// deploy step must use the same value or a wallet funded with exactly the
// quoted budget runs out mid-deploy.
func deployMaxDataLen(programLen int) uint64 {
	return uint64(2 * programLen)
}

// ContentHash derives the idempotency key for one deployment request.
func ContentHash(requester, programID solana.PublicKey, budget uint64) string {
	h := sha256.New()
	h.Write(requester[:])
	h.Write(programID[:])
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], budget)
	h.Write(b[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Execute verifies the request's payment, records it and launches the
// background pipeline, returning the tracking id immediately.
func (s *Service) Execute(ctx context.Context, req Request) (string, error) {
	if req.Budget == 0 {
		return "", errs.Validation("deployment budget must be positive")
	}

	expected := []verifier.Expected{
		{To: s.cfg.Pools.Reward, Amount: req.ServiceFee},
		{To: s.cfg.Pools.Platform, Amount: req.PlatformFee},
		{To: s.cfg.Pools.Treasury, Amount: req.MonthlyFee},
	}
	res, err := s.verifier.Verify(ctx, req.PaymentSignature, req.Requester, expected)
	if err != nil {
		return "", fmt.Errorf("verify payment: %w", err)
	}
	if !res.Valid {
		return "", errs.Verificationf("payment rejected: %s", res.Reason)
	}

	if s.guard != nil {
		fresh, err := s.guard.Claim(ctx, req.PaymentSignature.String())
		if err != nil {
			return "", fmt.Errorf("claim payment signature: %w", err)
		}
		if !fresh {
			return "", errs.Validationf("payment %s already used", req.PaymentSignature)
		}
	}

	now := time.Now().UTC()
	d := &store.Deployment{
		ID:               uuid.NewString(),
		Requester:        req.Requester.String(),
		SourceProgramID:  req.SourceProgramID.String(),
		Status:           store.StatusPending,
		ServiceFee:       req.ServiceFee,
		PlatformFee:      req.PlatformFee,
		MonthlyFee:       req.MonthlyFee,
		Budget:           req.Budget,
		ContentHash:      ContentHash(req.Requester, req.SourceProgramID, req.Budget),
		PaymentSignature: req.PaymentSignature.String(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateDeployment(ctx, d); err != nil {
		return "", fmt.Errorf("persist deployment: %w", err)
	}

	if err := s.treasury.Reserve(ctx, d.ContentHash, req.Budget); err != nil {
		d.Status = store.StatusFailed
		d.ErrorMessage = err.Error()
		if uerr := s.store.UpdateDeployment(ctx, d); uerr != nil {
			s.log.Errorw("mark failed after reserve rejection", "id", d.ID, "err", uerr)
		}
		return "", fmt.Errorf("reserve budget: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PipelineTimeout)
		defer cancel()
		s.runPipeline(ctx, d)
	}()

	s.log.Infow("deployment accepted", "id", d.ID, "requester", d.Requester, "source", d.SourceProgramID, "budget", req.Budget)
	return d.ID, nil
}

// Close reclaims a successfully deployed program's rent and retires the
// deployment. Only the original requester may close it.
func (s *Service) Close(ctx context.Context, deploymentID string, owner solana.PublicKey) error {
	d, err := s.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("deployment %s: %w", deploymentID, err)
	}
	if d.Requester != owner.String() {
		return errs.Validationf("deployment %s is not owned by %s", deploymentID, owner)
	}
	if d.Status != store.StatusSuccess {
		return errs.Validationf("deployment %s is %s, only SUCCESS can be closed", deploymentID, d.Status)
	}

	w, err := s.wallets.Load(ctx, deploymentID, d.TempWallet)
	if err != nil {
		return err
	}
	program, err := solana.PublicKeyFromBase58(d.DeployedProgramID)
	if err != nil {
		return fmt.Errorf("deployed program id %q: %w", d.DeployedProgramID, err)
	}

	balance, err := s.production.Balance(ctx, w.Address())
	if err != nil {
		return fmt.Errorf("wallet balance: %w", err)
	}
	if balance < s.cfg.CloseFeeFloat {
		if err := s.wallets.TopUp(ctx, w, s.cfg.CloseFeeFloat-balance); err != nil {
			return err
		}
	}

	// the pipeline moved upgrade authority to the platform key, so the close
	// must be signed by it; the wallet stays recipient of the reclaimed rent
	if err := s.deployer.CloseProgram(ctx, s.cfg.PlatformAuthority, program, w.Address()); err != nil {
		return err
	}

	swept, err := s.wallets.Sweep(ctx, w, s.cfg.TreasuryWallet, s.cfg.SweepReserve)
	if err != nil {
		s.log.Warnw("sweep after close failed", "id", deploymentID, "err", err)
	} else if swept > 0 {
		if err := s.treasury.CreditRecovered(ctx, d.ContentHash, swept); err != nil {
			s.log.Errorw("credit reclaimed rent", "id", deploymentID, "amount", swept, "err", err)
		}
	}

	d.Status = store.StatusClosed
	d.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateDeployment(ctx, d); err != nil {
		return err
	}
	s.appendPhase(ctx, d.ID, "closed", fmt.Sprintf("reclaimed %d lamports", swept))
	s.metrics.Deployments.WithLabelValues("closed").Inc()
	return nil
}

// Wait blocks until all in-flight pipelines finish. Used on shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) appendPhase(ctx context.Context, deploymentID, phase, detail string) {
	err := s.store.AppendPhaseLog(ctx, &store.PhaseLog{
		ID:           uuid.NewString(),
		DeploymentID: deploymentID,
		Phase:        phase,
		Detail:       detail,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		// phase logs are informational only
		s.log.Warnw("append phase log", "id", deploymentID, "phase", phase, "err", err)
	}
}
