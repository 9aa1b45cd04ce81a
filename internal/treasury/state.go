package treasury

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"

	"github.com/solforge-labs/solforge/internal/errs"
)

// On-chain pool account layouts. The current layout is tagged with a leading
// version byte; the legacy layout predates the tag and carries a narrower
// accumulator. Anything else is an incompatible account, reported explicitly
// rather than misread.
const (
	poolStateVersion = 2

	// version(1) + admin(32) + 4×u64(32) + rewardPerShare u128(16) + paused(1)
	currentStateSize = 1 + 32 + 4*8 + 16 + 1
	// admin(32) + 4×u64(32) + rewardPerShare u64(8) + paused(1)
	legacyStateSize = 32 + 4*8 + 8 + 1
)

// PoolState mirrors the on-chain treasury pool account.
type PoolState struct {
	Version        uint8
	Admin          solana.PublicKey
	TotalDeposited uint64
	LiquidBalance  uint64
	RewardPool     uint64
	PlatformPool   uint64
	// RewardPerShare is stored on-chain as a u128; the high word is kept so
	// a saturated accumulator is not silently truncated.
	RewardPerShare     uint64
	RewardPerShareHigh uint64
	Paused             bool
}

// DecodePoolState decodes an on-chain pool account: current tagged layout
// first, then the tagged-less legacy layout, otherwise an account-state
// error.
func DecodePoolState(data []byte) (*PoolState, error) {
	switch {
	case len(data) == currentStateSize && data[0] == poolStateVersion:
		s := &PoolState{Version: poolStateVersion}
		off := 1
		copy(s.Admin[:], data[off:off+32])
		off += 32
		s.TotalDeposited = binary.LittleEndian.Uint64(data[off:])
		s.LiquidBalance = binary.LittleEndian.Uint64(data[off+8:])
		s.RewardPool = binary.LittleEndian.Uint64(data[off+16:])
		s.PlatformPool = binary.LittleEndian.Uint64(data[off+24:])
		off += 32
		s.RewardPerShare = binary.LittleEndian.Uint64(data[off:])
		s.RewardPerShareHigh = binary.LittleEndian.Uint64(data[off+8:])
		off += 16
		s.Paused = data[off] != 0
		return s, nil

	case len(data) == legacyStateSize:
		s := &PoolState{Version: 1}
		copy(s.Admin[:], data[0:32])
		off := 32
		s.TotalDeposited = binary.LittleEndian.Uint64(data[off:])
		s.LiquidBalance = binary.LittleEndian.Uint64(data[off+8:])
		s.RewardPool = binary.LittleEndian.Uint64(data[off+16:])
		s.PlatformPool = binary.LittleEndian.Uint64(data[off+24:])
		off += 32
		s.RewardPerShare = binary.LittleEndian.Uint64(data[off:])
		off += 8
		s.Paused = data[off] != 0
		return s, nil

	default:
		return nil, errs.AccountStatef("pool account layout unrecognized: %d bytes", len(data))
	}
}

// EncodePoolState encodes s in the current tagged layout.
func EncodePoolState(s *PoolState) []byte {
	data := make([]byte, currentStateSize)
	data[0] = poolStateVersion
	off := 1
	copy(data[off:], s.Admin[:])
	off += 32
	binary.LittleEndian.PutUint64(data[off:], s.TotalDeposited)
	binary.LittleEndian.PutUint64(data[off+8:], s.LiquidBalance)
	binary.LittleEndian.PutUint64(data[off+16:], s.RewardPool)
	binary.LittleEndian.PutUint64(data[off+24:], s.PlatformPool)
	off += 32
	binary.LittleEndian.PutUint64(data[off:], s.RewardPerShare)
	binary.LittleEndian.PutUint64(data[off+8:], s.RewardPerShareHigh)
	off += 16
	if s.Paused {
		data[off] = 1
	}
	return data
}
