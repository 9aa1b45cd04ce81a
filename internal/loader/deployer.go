package loader

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/solforge-labs/solforge/internal/chain"
	"github.com/solforge-labs/solforge/internal/errs"
)

// Chain is the chain surface the deployer drives. *chain.Client satisfies it.
type Chain interface {
	SendAndConfirm(ctx context.Context, instrs []solana.Instruction, payer solana.PrivateKey, signers ...solana.PrivateKey) (solana.Signature, error)
	RentExemption(ctx context.Context, dataSize uint64) (uint64, error)
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
}

// Deployer runs the multi-step loader sequence. The sequence is not atomic
// across steps; after a crash the staged buffer is reclaimable via
// CloseBuffer.
type Deployer struct {
	chain     Chain
	chunkSize int
	log       *zap.SugaredLogger
}

// NewDeployer creates a deployer writing buffer chunks of at most chunkSize
// bytes per instruction.
func NewDeployer(c Chain, chunkSize int, log *zap.SugaredLogger) *Deployer {
	if chunkSize <= 0 {
		chunkSize = 900
	}
	return &Deployer{chain: c, chunkSize: chunkSize, log: log.Named("loader")}
}

// CreateBuffer creates and initializes a buffer account sized for a program
// of programLen bytes, authority payer. Returns the buffer keypair; its
// private key is needed only for this creation transaction.
func (d *Deployer) CreateBuffer(ctx context.Context, payer solana.PrivateKey, programLen int) (solana.PublicKey, error) {
	buffer := solana.NewWallet()
	size := BufferAccountSize(programLen)

	rent, err := d.chain.RentExemption(ctx, size)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("buffer rent exemption: %w", err)
	}

	payerBalance, err := d.chain.Balance(ctx, payer.PublicKey())
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("payer balance: %w", err)
	}
	if payerBalance < rent {
		return solana.PublicKey{}, errs.InsufficientFundsf("buffer rent %d exceeds payer balance %d", rent, payerBalance)
	}

	instrs := []solana.Instruction{
		NewCreateAccountInstruction(payer.PublicKey(), buffer.PublicKey(), rent, size, chain.UpgradeableLoaderID),
		NewInitializeBufferInstruction(buffer.PublicKey(), payer.PublicKey()),
	}
	sig, err := d.chain.SendAndConfirm(ctx, instrs, payer, buffer.PrivateKey)
	if err != nil {
		return solana.PublicKey{}, errs.Wrap(errs.KindProtocol, "create buffer", err)
	}

	d.log.Infow("buffer created", "buffer", buffer.PublicKey().String(), "size", size, "sig", sig.String())
	return buffer.PublicKey(), nil
}

// WriteBuffer streams program into buffer in fixed-size chunks, strictly in
// increasing offset order, each write confirmed before the next is sent.
func (d *Deployer) WriteBuffer(ctx context.Context, authority solana.PrivateKey, buffer solana.PublicKey, program []byte) error {
	chunks := ChunkPlan(program, d.chunkSize)
	next := uint32(0)
	for i, c := range chunks {
		if c.Offset != next {
			return errs.Protocolf("write %d at offset %d, expected %d", i, c.Offset, next)
		}
		instr := NewWriteInstruction(buffer, authority.PublicKey(), c.Offset, c.Data)
		if _, err := d.chain.SendAndConfirm(ctx, []solana.Instruction{instr}, authority); err != nil {
			return errs.Wrap(errs.KindProtocol, fmt.Sprintf("write chunk %d/%d at offset %d", i+1, len(chunks), c.Offset), err)
		}
		next = c.Offset + uint32(len(c.Data))
	}
	d.log.Infow("buffer written", "buffer", buffer.String(), "bytes", len(program), "chunks", len(chunks))
	return nil
}

// Deploy finalizes a first deployment: creates the program account and issues
// deploy-with-max-data-length, funding the program-data account's rent from
// payer. Returns the program-data address.
func (d *Deployer) Deploy(ctx context.Context, payer solana.PrivateKey, program *solana.Wallet, buffer solana.PublicKey, maxDataLen uint64) (solana.PublicKey, error) {
	programData, err := chain.DeriveProgramDataAddress(program.PublicKey())
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive program-data address: %w", err)
	}

	programRent, err := d.chain.RentExemption(ctx, ProgramAccountSize)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("program rent exemption: %w", err)
	}
	dataRent, err := d.chain.RentExemption(ctx, ProgramDataAccountSize(maxDataLen))
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("program-data rent exemption: %w", err)
	}

	payerBalance, err := d.chain.Balance(ctx, payer.PublicKey())
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("payer balance: %w", err)
	}
	if payerBalance < programRent+dataRent {
		return solana.PublicKey{}, errs.InsufficientFundsf("deploy rent %d exceeds payer balance %d", programRent+dataRent, payerBalance)
	}

	instrs := []solana.Instruction{
		NewCreateAccountInstruction(payer.PublicKey(), program.PublicKey(), programRent, ProgramAccountSize, chain.UpgradeableLoaderID),
		NewDeployWithMaxDataLenInstruction(payer.PublicKey(), programData, program.PublicKey(), buffer, payer.PublicKey(), maxDataLen),
	}
	sig, err := d.chain.SendAndConfirm(ctx, instrs, payer, program.PrivateKey)
	if err != nil {
		return solana.PublicKey{}, errs.Wrap(errs.KindProtocol, "deploy program", err)
	}

	d.log.Infow("program deployed", "program", program.PublicKey().String(), "maxDataLen", maxDataLen, "sig", sig.String())
	return programData, nil
}

// Upgrade replaces an already-deployed program's bytes with the staged buffer
// contents. Leftover buffer lamports spill to spill.
func (d *Deployer) Upgrade(ctx context.Context, authority solana.PrivateKey, program, buffer, spill solana.PublicKey) error {
	programData, err := chain.DeriveProgramDataAddress(program)
	if err != nil {
		return fmt.Errorf("derive program-data address: %w", err)
	}
	instr := NewUpgradeInstruction(programData, program, buffer, spill, authority.PublicKey())
	sig, err := d.chain.SendAndConfirm(ctx, []solana.Instruction{instr}, authority)
	if err != nil {
		return errs.Wrap(errs.KindProtocol, "upgrade program", err)
	}
	d.log.Infow("program upgraded", "program", program.String(), "sig", sig.String())
	return nil
}

// SetUpgradeAuthority rotates program's upgrade authority to newAuthority,
// or to none (immutable) when newAuthority is nil. current must hold the
// authority today or the chain rejects the transfer.
func (d *Deployer) SetUpgradeAuthority(ctx context.Context, current solana.PrivateKey, program solana.PublicKey, newAuthority *solana.PublicKey) error {
	programData, err := chain.DeriveProgramDataAddress(program)
	if err != nil {
		return fmt.Errorf("derive program-data address: %w", err)
	}
	instr := NewSetAuthorityInstruction(programData, current.PublicKey(), newAuthority)
	if _, err := d.chain.SendAndConfirm(ctx, []solana.Instruction{instr}, current); err != nil {
		return errs.Wrap(errs.KindProtocol, "set upgrade authority", err)
	}
	return nil
}

// SetUpgradeAuthorityChecked is the fallback rotation path: the new authority
// co-signs, which some loader versions require.
func (d *Deployer) SetUpgradeAuthorityChecked(ctx context.Context, current solana.PrivateKey, program solana.PublicKey, newAuthority solana.PrivateKey) error {
	programData, err := chain.DeriveProgramDataAddress(program)
	if err != nil {
		return fmt.Errorf("derive program-data address: %w", err)
	}
	instr := NewSetAuthorityCheckedInstruction(programData, current.PublicKey(), newAuthority.PublicKey())
	if _, err := d.chain.SendAndConfirm(ctx, []solana.Instruction{instr}, current, newAuthority); err != nil {
		return errs.Wrap(errs.KindProtocol, "set upgrade authority (checked)", err)
	}
	return nil
}

// CloseBuffer reclaims a staged buffer's rent to recipient. Used on the
// failure path when a deployment dies between buffer creation and deploy.
func (d *Deployer) CloseBuffer(ctx context.Context, authority solana.PrivateKey, buffer, recipient solana.PublicKey) error {
	instr := NewCloseInstruction(buffer, recipient, authority.PublicKey(), nil)
	if _, err := d.chain.SendAndConfirm(ctx, []solana.Instruction{instr}, authority); err != nil {
		return errs.Wrap(errs.KindProtocol, "close buffer", err)
	}
	return nil
}

// CloseProgram closes a deployed program's program-data account, reclaiming
// its rent to recipient.
func (d *Deployer) CloseProgram(ctx context.Context, authority solana.PrivateKey, program, recipient solana.PublicKey) error {
	programData, err := chain.DeriveProgramDataAddress(program)
	if err != nil {
		return fmt.Errorf("derive program-data address: %w", err)
	}
	instr := NewCloseInstruction(programData, recipient, authority.PublicKey(), &program)
	if _, err := d.chain.SendAndConfirm(ctx, []solana.Instruction{instr}, authority); err != nil {
		return errs.Wrap(errs.KindProtocol, "close program", err)
	}
	return nil
}
