package chain

import (
	"github.com/gagliardetto/solana-go"
)

// Program IDs
var (
	SystemProgramID = solana.MustPublicKeyFromBase58("11111111111111111111111111111111")
	// UpgradeableLoaderID owns buffer, program and program-data accounts.
	UpgradeableLoaderID = solana.MustPublicKeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")
	SysVarRentID        = solana.MustPublicKeyFromBase58("SysvarRent111111111111111111111111111111111")
	SysVarClockID       = solana.MustPublicKeyFromBase58("SysvarC1ock11111111111111111111111111111111")
)

// PDA seeds. The pool accounts are located by these exact strings combined
// with the deploying program's own address; a different spelling makes the
// account unreachable.
var (
	SeedTreasuryPool = []byte("treasury_pool")
	SeedRewardPool   = []byte("reward_pool")
	SeedPlatformPool = []byte("platform_pool")
	SeedBacker       = []byte("backer")
)

// PoolAddresses carries the derived singleton pool accounts.
type PoolAddresses struct {
	Treasury solana.PublicKey
	Reward   solana.PublicKey
	Platform solana.PublicKey
}

// DerivePoolAddresses derives the three singleton pool PDAs from programID.
func DerivePoolAddresses(programID solana.PublicKey) (PoolAddresses, error) {
	treasury, _, err := solana.FindProgramAddress([][]byte{SeedTreasuryPool}, programID)
	if err != nil {
		return PoolAddresses{}, err
	}
	reward, _, err := solana.FindProgramAddress([][]byte{SeedRewardPool}, programID)
	if err != nil {
		return PoolAddresses{}, err
	}
	platform, _, err := solana.FindProgramAddress([][]byte{SeedPlatformPool}, programID)
	if err != nil {
		return PoolAddresses{}, err
	}
	return PoolAddresses{Treasury: treasury, Reward: reward, Platform: platform}, nil
}

// DeriveBackerAddress derives the per-depositor record account.
func DeriveBackerAddress(programID, backer solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{SeedBacker, backer.Bytes()}, programID)
	return addr, err
}

// DeriveProgramDataAddress derives the program-data account the upgradeable
// loader keeps the executable bytes in.
func DeriveProgramDataAddress(program solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{program.Bytes()}, UpgradeableLoaderID)
	return addr, err
}
