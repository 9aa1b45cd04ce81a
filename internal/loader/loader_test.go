package loader

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/solforge-labs/solforge/internal/chain"
	"github.com/solforge-labs/solforge/internal/errs"
)

func instrData(t *testing.T, instr solana.Instruction) []byte {
	t.Helper()
	data, err := instr.Data()
	if err != nil {
		t.Fatalf("Data() error = %v", err)
	}
	return data
}

func TestWriteInstructionLayout(t *testing.T) {
	buffer := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()
	chunk := []byte{0xAA, 0xBB, 0xCC}

	instr := NewWriteInstruction(buffer, authority, 1800, chunk)
	data := instrData(t, instr)

	// 4 (discriminator) + 4 (offset) + 8 (vec length) + payload
	if len(data) != 16+len(chunk) {
		t.Fatalf("data length = %d, want %d", len(data), 16+len(chunk))
	}
	if got := binary.LittleEndian.Uint32(data[0:4]); got != 1 {
		t.Errorf("discriminator = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); got != 1800 {
		t.Errorf("offset = %d, want 1800", got)
	}
	if got := binary.LittleEndian.Uint64(data[8:16]); got != uint64(len(chunk)) {
		t.Errorf("vec length = %d, want %d", got, len(chunk))
	}
	if !bytes.Equal(data[16:], chunk) {
		t.Errorf("payload = %x, want %x", data[16:], chunk)
	}
	if instr.ProgramID() != chain.UpgradeableLoaderID {
		t.Errorf("program id = %s, want loader", instr.ProgramID())
	}
}

func TestCreateAccountInstructionLayout(t *testing.T) {
	from := solana.NewWallet().PublicKey()
	acc := solana.NewWallet().PublicKey()
	owner := chain.UpgradeableLoaderID

	instr := NewCreateAccountInstruction(from, acc, 12345, 678, owner)
	data := instrData(t, instr)

	if len(data) != 4+8+8+32 {
		t.Fatalf("data length = %d, want 52", len(data))
	}
	if got := binary.LittleEndian.Uint32(data[0:4]); got != 0 {
		t.Errorf("discriminator = %d, want 0", got)
	}
	if got := binary.LittleEndian.Uint64(data[4:12]); got != 12345 {
		t.Errorf("lamports = %d, want 12345", got)
	}
	if got := binary.LittleEndian.Uint64(data[12:20]); got != 678 {
		t.Errorf("space = %d, want 678", got)
	}
	if !bytes.Equal(data[20:52], owner.Bytes()) {
		t.Errorf("owner bytes mismatch")
	}
}

func TestTransferInstructionLayout(t *testing.T) {
	from := solana.NewWallet().PublicKey()
	to := solana.NewWallet().PublicKey()

	instr := NewTransferInstruction(from, to, 999)
	data := instrData(t, instr)

	if len(data) != 12 {
		t.Fatalf("data length = %d, want 12", len(data))
	}
	if got := binary.LittleEndian.Uint32(data[0:4]); got != 2 {
		t.Errorf("discriminator = %d, want 2", got)
	}
	if got := binary.LittleEndian.Uint64(data[4:12]); got != 999 {
		t.Errorf("lamports = %d, want 999", got)
	}
	if instr.ProgramID() != chain.SystemProgramID {
		t.Errorf("program id = %s, want system program", instr.ProgramID())
	}
}

func TestDeployWithMaxDataLenLayout(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	pd := solana.NewWallet().PublicKey()
	prog := solana.NewWallet().PublicKey()
	buf := solana.NewWallet().PublicKey()

	instr := NewDeployWithMaxDataLenInstruction(payer, pd, prog, buf, payer, 4096)
	data := instrData(t, instr)

	if len(data) != 12 {
		t.Fatalf("data length = %d, want 12", len(data))
	}
	if got := binary.LittleEndian.Uint32(data[0:4]); got != 2 {
		t.Errorf("discriminator = %d, want 2", got)
	}
	if got := binary.LittleEndian.Uint64(data[4:12]); got != 4096 {
		t.Errorf("maxDataLen = %d, want 4096", got)
	}
	if len(instr.Accounts()) != 8 {
		t.Errorf("accounts = %d, want 8", len(instr.Accounts()))
	}
}

func TestSetAuthorityAccountsWithAndWithoutNew(t *testing.T) {
	target := solana.NewWallet().PublicKey()
	current := solana.NewWallet().PublicKey()
	next := solana.NewWallet().PublicKey()

	with := NewSetAuthorityInstruction(target, current, &next)
	if len(with.Accounts()) != 3 {
		t.Errorf("accounts with new authority = %d, want 3", len(with.Accounts()))
	}

	// nil new authority renders the target immutable
	without := NewSetAuthorityInstruction(target, current, nil)
	if len(without.Accounts()) != 2 {
		t.Errorf("accounts without new authority = %d, want 2", len(without.Accounts()))
	}
	if got := binary.LittleEndian.Uint32(instrData(t, without)[0:4]); got != 4 {
		t.Errorf("discriminator = %d, want 4", got)
	}
}

func TestBufferAccountSize(t *testing.T) {
	// 1 + 4 + 32 header ahead of the program bytes
	if got := BufferAccountSize(2300); got != 37+2300 {
		t.Errorf("BufferAccountSize(2300) = %d, want %d", got, 37+2300)
	}
}

func TestChunkPlan(t *testing.T) {
	program := make([]byte, 2300)
	chunks := ChunkPlan(program, 900)

	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	wantOffsets := []uint32{0, 900, 1800}
	wantLens := []int{900, 900, 500}
	for i, c := range chunks {
		if c.Offset != wantOffsets[i] {
			t.Errorf("chunk %d offset = %d, want %d", i, c.Offset, wantOffsets[i])
		}
		if len(c.Data) != wantLens[i] {
			t.Errorf("chunk %d length = %d, want %d", i, len(c.Data), wantLens[i])
		}
	}
}

func TestChunkPlanEdgeCases(t *testing.T) {
	if got := ChunkPlan(nil, 900); got != nil {
		t.Errorf("ChunkPlan(nil) = %v, want nil", got)
	}
	if got := ChunkPlan(make([]byte, 10), 0); got != nil {
		t.Errorf("ChunkPlan(limit=0) = %v, want nil", got)
	}
	one := ChunkPlan(make([]byte, 900), 900)
	if len(one) != 1 || one[0].Offset != 0 || len(one[0].Data) != 900 {
		t.Errorf("exact-fit plan = %+v", one)
	}
}

// fakeChain records submitted instruction batches and answers rent/balance
// queries with fixed values.
type fakeChain struct {
	batches  [][]solana.Instruction
	rent     uint64
	balance  uint64
	sendErrs map[int]error // batch index -> error
}

func (f *fakeChain) SendAndConfirm(ctx context.Context, instrs []solana.Instruction, payer solana.PrivateKey, signers ...solana.PrivateKey) (solana.Signature, error) {
	idx := len(f.batches)
	f.batches = append(f.batches, instrs)
	if err, ok := f.sendErrs[idx]; ok {
		return solana.Signature{}, err
	}
	return solana.Signature{}, nil
}

func (f *fakeChain) RentExemption(ctx context.Context, dataSize uint64) (uint64, error) {
	return f.rent, nil
}

func (f *fakeChain) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	return f.balance, nil
}

func TestWriteBufferSequentialOrder(t *testing.T) {
	fc := &fakeChain{rent: 1, balance: 1 << 40}
	d := NewDeployer(fc, 900, zap.NewNop().Sugar())
	authority := solana.NewWallet()
	buffer := solana.NewWallet().PublicKey()

	program := make([]byte, 2300)
	if err := d.WriteBuffer(context.Background(), authority.PrivateKey, buffer, program); err != nil {
		t.Fatalf("WriteBuffer() error = %v", err)
	}

	if len(fc.batches) != 3 {
		t.Fatalf("batches = %d, want 3 (one confirmed write per chunk)", len(fc.batches))
	}
	wantOffsets := []uint32{0, 900, 1800}
	for i, batch := range fc.batches {
		if len(batch) != 1 {
			t.Fatalf("batch %d has %d instructions, want 1", i, len(batch))
		}
		data := instrData(t, batch[0])
		if got := binary.LittleEndian.Uint32(data[4:8]); got != wantOffsets[i] {
			t.Errorf("batch %d offset = %d, want %d", i, got, wantOffsets[i])
		}
	}
}

func TestWriteBufferStopsOnFirstFailure(t *testing.T) {
	fc := &fakeChain{rent: 1, balance: 1 << 40, sendErrs: map[int]error{1: errors.New("blockhash expired")}}
	d := NewDeployer(fc, 900, zap.NewNop().Sugar())

	err := d.WriteBuffer(context.Background(), solana.NewWallet().PrivateKey, solana.NewWallet().PublicKey(), make([]byte, 2300))
	if !errs.IsKind(err, errs.KindProtocol) {
		t.Fatalf("WriteBuffer() error = %v, want protocol kind", err)
	}
	// no pipelining: the third chunk must never have been sent
	if len(fc.batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(fc.batches))
	}
}

func TestCreateBufferInsufficientFunds(t *testing.T) {
	fc := &fakeChain{rent: 1_000_000, balance: 10}
	d := NewDeployer(fc, 900, zap.NewNop().Sugar())

	_, err := d.CreateBuffer(context.Background(), solana.NewWallet().PrivateKey, 2300)
	if !errs.IsKind(err, errs.KindInsufficientFunds) {
		t.Fatalf("CreateBuffer() error = %v, want insufficient funds", err)
	}
	if len(fc.batches) != 0 {
		t.Fatalf("batches = %d, want 0 (nothing submitted)", len(fc.batches))
	}
}
