package loader

import (
	"github.com/gagliardetto/solana-go"

	"github.com/solforge-labs/solforge/internal/chain"
)

// NewCreateAccountInstruction funds and allocates newAccount with space bytes
// owned by owner. Both from and newAccount sign.
func NewCreateAccountInstruction(from, newAccount solana.PublicKey, lamports, space uint64, owner solana.PublicKey) solana.Instruction {
	data := newEncoder(sysCreateAccount).
		u64(lamports).
		u64(space).
		pubkey(owner).
		bytes()
	return solana.NewInstruction(chain.SystemProgramID, solana.AccountMetaSlice{
		meta(from, true, true),
		meta(newAccount, true, true),
	}, data)
}

// NewTransferInstruction moves lamports from from to to.
func NewTransferInstruction(from, to solana.PublicKey, lamports uint64) solana.Instruction {
	data := newEncoder(sysTransfer).
		u64(lamports).
		bytes()
	return solana.NewInstruction(chain.SystemProgramID, solana.AccountMetaSlice{
		meta(from, true, true),
		meta(to, true, false),
	}, data)
}

// NewInitializeBufferInstruction claims a freshly created buffer account for
// authority.
func NewInitializeBufferInstruction(buffer, authority solana.PublicKey) solana.Instruction {
	data := newEncoder(instrInitializeBuffer).bytes()
	return solana.NewInstruction(chain.UpgradeableLoaderID, solana.AccountMetaSlice{
		meta(buffer, true, false),
		meta(authority, false, false),
	}, data)
}

// NewWriteInstruction writes chunk into buffer at byte offset. The authority
// signs.
func NewWriteInstruction(buffer, authority solana.PublicKey, offset uint32, chunk []byte) solana.Instruction {
	data := newEncoder(instrWrite).
		u32(offset).
		vec(chunk).
		bytes()
	return solana.NewInstruction(chain.UpgradeableLoaderID, solana.AccountMetaSlice{
		meta(buffer, true, false),
		meta(authority, false, true),
	}, data)
}

// NewDeployWithMaxDataLenInstruction finalizes a first deployment from buffer
// into program/programData, reserving maxDataLen bytes for future upgrades.
func NewDeployWithMaxDataLenInstruction(payer, programData, program, buffer, authority solana.PublicKey, maxDataLen uint64) solana.Instruction {
	data := newEncoder(instrDeployWithMaxDataLen).
		u64(maxDataLen).
		bytes()
	return solana.NewInstruction(chain.UpgradeableLoaderID, solana.AccountMetaSlice{
		meta(payer, true, true),
		meta(programData, true, false),
		meta(program, true, false),
		meta(buffer, true, false),
		meta(chain.SysVarRentID, false, false),
		meta(chain.SysVarClockID, false, false),
		meta(chain.SystemProgramID, false, false),
		meta(authority, false, true),
	}, data)
}

// NewUpgradeInstruction replaces program's executable bytes with the staged
// buffer contents; leftover buffer rent spills to spill.
func NewUpgradeInstruction(programData, program, buffer, spill, authority solana.PublicKey) solana.Instruction {
	data := newEncoder(instrUpgrade).bytes()
	return solana.NewInstruction(chain.UpgradeableLoaderID, solana.AccountMetaSlice{
		meta(programData, true, false),
		meta(program, true, false),
		meta(buffer, true, false),
		meta(spill, true, false),
		meta(chain.SysVarRentID, false, false),
		meta(chain.SysVarClockID, false, false),
		meta(authority, false, true),
	}, data)
}

// NewSetAuthorityInstruction rotates the authority of target (a buffer or
// program-data account). A nil newAuthority renders the target immutable.
func NewSetAuthorityInstruction(target, current solana.PublicKey, newAuthority *solana.PublicKey) solana.Instruction {
	data := newEncoder(instrSetAuthority).bytes()
	accounts := solana.AccountMetaSlice{
		meta(target, true, false),
		meta(current, false, true),
	}
	if newAuthority != nil {
		accounts = append(accounts, meta(*newAuthority, false, false))
	}
	return solana.NewInstruction(chain.UpgradeableLoaderID, accounts, data)
}

// NewSetAuthorityCheckedInstruction is the stricter rotation variant: the new
// authority must co-sign.
func NewSetAuthorityCheckedInstruction(target, current, newAuthority solana.PublicKey) solana.Instruction {
	data := newEncoder(instrSetAuthorityChecked).bytes()
	return solana.NewInstruction(chain.UpgradeableLoaderID, solana.AccountMetaSlice{
		meta(target, true, false),
		meta(current, false, true),
		meta(newAuthority, false, true),
	}, data)
}

// NewCloseInstruction closes target and sends its lamports to recipient.
// program must be set when target is a program-data account.
func NewCloseInstruction(target, recipient, authority solana.PublicKey, program *solana.PublicKey) solana.Instruction {
	data := newEncoder(instrClose).bytes()
	accounts := solana.AccountMetaSlice{
		meta(target, true, false),
		meta(recipient, true, false),
		meta(authority, false, true),
	}
	if program != nil {
		accounts = append(accounts, meta(*program, true, false))
	}
	return solana.NewInstruction(chain.UpgradeableLoaderID, accounts, data)
}

// NewExtendProgramInstruction grows program's program-data account by
// additionalBytes, funded by payer.
func NewExtendProgramInstruction(programData, program, payer solana.PublicKey, additionalBytes uint32) solana.Instruction {
	data := newEncoder(instrExtendProgram).
		u32(additionalBytes).
		bytes()
	return solana.NewInstruction(chain.UpgradeableLoaderID, solana.AccountMetaSlice{
		meta(programData, true, false),
		meta(program, true, false),
		meta(chain.SystemProgramID, false, false),
		meta(payer, true, true),
	}, data)
}
