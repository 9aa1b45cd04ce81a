package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/solforge-labs/solforge/internal/store"
	"github.com/solforge-labs/solforge/internal/wallet"
)

// runPipeline drives one deployment end to end. Every failure funnels into
// fail, which recovers funds before recording the outcome; the pipeline never
// leaves a deployment stuck between states.
func (s *Service) runPipeline(ctx context.Context, d *store.Deployment) {
	started := time.Now()
	defer func() {
		s.metrics.PipelineDuration.Observe(time.Since(started).Seconds())
	}()

	source, err := solana.PublicKeyFromBase58(d.SourceProgramID)
	if err != nil {
		s.fail(ctx, d, nil, solana.PublicKey{}, fmt.Errorf("source program id: %w", err))
		return
	}

	s.setStatus(ctx, d, store.StatusDumping, "fetching source program bytes")

	w, err := s.wallets.Generate(ctx, d.ID)
	if err != nil {
		s.fail(ctx, d, nil, solana.PublicKey{}, fmt.Errorf("generate wallet: %w", err))
		return
	}
	d.TempWallet = w.Address().String()
	s.update(ctx, d)

	_, program, err := s.dump(ctx, source)
	if err != nil {
		s.fail(ctx, d, w, solana.PublicKey{}, err)
		return
	}
	s.appendPhase(ctx, d.ID, "dumped", fmt.Sprintf("%d program bytes", len(program)))

	funded, err := s.wallets.Fund(ctx, w, d.ContentHash)
	if err != nil {
		s.fail(ctx, d, w, solana.PublicKey{}, err)
		return
	}
	s.appendPhase(ctx, d.ID, "funded", fmt.Sprintf("%d lamports", funded))

	s.setStatus(ctx, d, store.StatusDeploying, "running loader sequence")

	buffer, err := s.deployer.CreateBuffer(ctx, w.Key, len(program))
	if err != nil {
		s.fail(ctx, d, w, solana.PublicKey{}, err)
		return
	}
	if err := s.deployer.WriteBuffer(ctx, w.Key, buffer, program); err != nil {
		s.fail(ctx, d, w, buffer, err)
		return
	}

	programKeypair := solana.NewWallet()
	programID, err := s.deployer.Deploy(ctx, w.Key, programKeypair, buffer, deployMaxDataLen(len(program)))
	if err != nil {
		s.fail(ctx, d, w, buffer, err)
		return
	}
	d.DeployedProgramID = programID.String()
	s.update(ctx, d)
	s.appendPhase(ctx, d.ID, "deployed", programID.String())

	// hand upgrade authority to the platform; the buffer is consumed by the
	// deploy, so from here failures skip the buffer close
	platform := s.cfg.PlatformAuthority.PublicKey()
	if err := s.deployer.SetUpgradeAuthority(ctx, w.Key, programID, &platform); err != nil {
		s.log.Warnw("set authority rejected, retrying checked variant", "id", d.ID, "err", err)
		if err := s.deployer.SetUpgradeAuthorityChecked(ctx, w.Key, programID, s.cfg.PlatformAuthority); err != nil {
			s.fail(ctx, d, w, solana.PublicKey{}, err)
			return
		}
	}
	s.appendPhase(ctx, d.ID, "authority", platform.String())

	s.recover(ctx, d, w)
	if err := s.treasury.ConfirmSuccess(ctx, d.ContentHash); err != nil {
		s.log.Errorw("confirm reservation", "id", d.ID, "err", err)
	}

	d.Status = store.StatusSuccess
	d.ErrorMessage = ""
	d.UpdatedAt = time.Now().UTC()
	s.update(ctx, d)
	s.appendPhase(ctx, d.ID, "success", programID.String())
	s.metrics.Deployments.WithLabelValues("success").Inc()
	s.log.Infow("deployment succeeded", "id", d.ID, "program", programID)
}

// fail is the single recovery path: reclaim the staged buffer if one exists,
// sweep whatever the wallet still holds back to the treasury, release the
// reservation and record the failure.
func (s *Service) fail(ctx context.Context, d *store.Deployment, w *wallet.Wallet, buffer solana.PublicKey, cause error) {
	s.log.Errorw("deployment failed", "id", d.ID, "err", cause)

	// the pipeline context may already be expired; recovery gets its own
	recCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if w != nil {
		if !buffer.IsZero() {
			if err := s.deployer.CloseBuffer(recCtx, w.Key, buffer, w.Address()); err != nil {
				s.log.Warnw("close staged buffer", "id", d.ID, "buffer", buffer, "err", err)
			}
		}
		s.recover(recCtx, d, w)
	}
	if err := s.treasury.Release(recCtx, d.ContentHash); err != nil {
		s.log.Errorw("release reservation", "id", d.ID, "err", err)
	}

	d.Status = store.StatusFailed
	d.ErrorMessage = cause.Error()
	d.UpdatedAt = time.Now().UTC()
	s.update(recCtx, d)
	s.appendPhase(recCtx, d.ID, "failed", cause.Error())
	s.metrics.Deployments.WithLabelValues("failed").Inc()
}

// recover sweeps the wallet's residual balance back to the treasury and
// credits it to the pool. Best effort; the keystore file keeps unswept funds
// reachable.
func (s *Service) recover(ctx context.Context, d *store.Deployment, w *wallet.Wallet) {
	swept, err := s.wallets.Sweep(ctx, w, s.cfg.TreasuryWallet, s.cfg.SweepReserve)
	if err != nil {
		s.log.Warnw("sweep wallet", "id", d.ID, "address", w.Address(), "err", err)
		return
	}
	if swept == 0 {
		return
	}
	if err := s.treasury.CreditRecovered(ctx, d.ContentHash, swept); err != nil {
		s.log.Errorw("credit swept funds", "id", d.ID, "amount", swept, "err", err)
		return
	}
	s.appendPhase(ctx, d.ID, "swept", fmt.Sprintf("%d lamports", swept))
}

func (s *Service) setStatus(ctx context.Context, d *store.Deployment, status, detail string) {
	d.Status = status
	d.UpdatedAt = time.Now().UTC()
	s.update(ctx, d)
	s.appendPhase(ctx, d.ID, status, detail)
}

func (s *Service) update(ctx context.Context, d *store.Deployment) {
	if err := s.store.UpdateDeployment(ctx, d); err != nil {
		s.log.Errorw("update deployment", "id", d.ID, "err", err)
	}
}
