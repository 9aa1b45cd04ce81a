// Package loader implements the upgradeable-loader wire protocol from
// scratch: buffer creation, chunked writes, deploy/upgrade, authority
// rotation and account closing. Every instruction is a fixed-layout byte
// buffer — a 4-byte little-endian discriminator followed by little-endian
// integers, raw address bytes and raw payload bytes. The chain rejects
// anything that is not byte-exact.
package loader

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// Upgradeable-loader instruction discriminators.
const (
	instrInitializeBuffer     uint32 = 0
	instrWrite                uint32 = 1
	instrDeployWithMaxDataLen uint32 = 2
	instrUpgrade              uint32 = 3
	instrSetAuthority         uint32 = 4
	instrClose                uint32 = 5
	instrExtendProgram        uint32 = 6
	instrSetAuthorityChecked  uint32 = 7
)

// System-program instruction discriminators.
const (
	sysCreateAccount uint32 = 0
	sysTransfer      uint32 = 2
)

// Account sizes dictated by the loader's on-chain state layouts.
const (
	// ProgramAccountSize is the fixed size of the program account that
	// points at its program-data account.
	ProgramAccountSize = 36
	// programDataHeaderSize precedes the executable bytes in the
	// program-data account: 4 (state tag) + 8 (slot) + 1 + 32 (authority).
	programDataHeaderSize = 45
	// bufferHeaderSize precedes the staged bytes in a buffer account:
	// 1 + 4 + 32 (option flag, state tag, authority).
	bufferHeaderSize = 1 + 4 + 32
)

// BufferAccountSize returns the buffer account size for a program of
// programLen bytes.
func BufferAccountSize(programLen int) uint64 {
	return uint64(bufferHeaderSize + programLen)
}

// ProgramDataAccountSize returns the program-data account size for a maximum
// data length of maxDataLen bytes.
func ProgramDataAccountSize(maxDataLen uint64) uint64 {
	return programDataHeaderSize + maxDataLen
}

// encoder builds instruction data buffers little-endian field by field.
type encoder struct {
	buf []byte
}

func newEncoder(discriminator uint32) *encoder {
	e := &encoder{buf: make([]byte, 0, 64)}
	e.u32(discriminator)
	return e
}

func (e *encoder) u32(v uint32) *encoder {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
	return e
}

func (e *encoder) u64(v uint64) *encoder {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
	return e
}

func (e *encoder) pubkey(pk solana.PublicKey) *encoder {
	e.buf = append(e.buf, pk.Bytes()...)
	return e
}

// vec appends a length-prefixed byte vector (u64 length, then raw bytes).
func (e *encoder) vec(b []byte) *encoder {
	e.u64(uint64(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

func (e *encoder) bytes() []byte { return e.buf }

func meta(pk solana.PublicKey, writable, signer bool) *solana.AccountMeta {
	return solana.NewAccountMeta(pk, writable, signer)
}
