package types

import (
	"encoding/base64"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// AccountMeta describes one account referenced by an instruction
type AccountMeta struct {
	PublicKey  solana.PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction is the venue-neutral form every instruction source is normalized into
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// NewInstruction converts a solana-go instruction into the pipeline's form
func NewInstruction(ix solana.Instruction) (Instruction, error) {
	data, err := ix.Data()
	if err != nil {
		return Instruction{}, fmt.Errorf("failed to encode instruction data: %w", err)
	}
	metas := ix.Accounts()
	accounts := make([]AccountMeta, 0, len(metas))
	for _, m := range metas {
		accounts = append(accounts, AccountMeta{
			PublicKey:  m.PublicKey,
			IsSigner:   m.IsSigner,
			IsWritable: m.IsWritable,
		})
	}
	return Instruction{
		ProgramID: ix.ProgramID(),
		Accounts:  accounts,
		Data:      data,
	}, nil
}

// Clone returns a deep copy
func (ix Instruction) Clone() Instruction {
	out := Instruction{ProgramID: ix.ProgramID}
	if ix.Accounts != nil {
		out.Accounts = append([]AccountMeta(nil), ix.Accounts...)
	}
	if ix.Data != nil {
		out.Data = append([]byte(nil), ix.Data...)
	}
	return out
}

// Role tags an instruction group with its position in the final transaction
type Role string

const (
	RoleTip           Role = "tip"
	RoleComputeBudget Role = "computeBudget"
	RoleSetup         Role = "setup"
	RoleCore          Role = "core"
	RoleCleanup       Role = "cleanup"
)

// RoleOrder is the order in which roles appear in an assembled transaction
var RoleOrder = []Role{RoleTip, RoleComputeBudget, RoleSetup, RoleCore, RoleCleanup}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	for _, known := range RoleOrder {
		if r == known {
			return true
		}
	}
	return false
}

// Exclusive reports whether at most one source may claim the role
func (r Role) Exclusive() bool {
	return r == RoleTip || r == RoleComputeBudget || r == RoleCore
}

// InstructionSet is the output of one instruction source adapter
type InstructionSet struct {
	Role Role
	// Source names the adapter that produced the set, used in error reports
	Source               string
	Instructions         []Instruction
	LookupTableAddresses []solana.PublicKey
}

// AssembledInstruction is one instruction in its final position
type AssembledInstruction struct {
	Role        Role
	Source      string
	Instruction Instruction
}

// AssembledInstructions is the ordered, merged output of the assembler
type AssembledInstructions struct {
	Entries []AssembledInstruction
	// LookupTableAddresses is the de-duplicated union of every set's declared tables
	LookupTableAddresses []solana.PublicKey
}

// Instructions returns the instructions in assembled order
func (a *AssembledInstructions) Instructions() []Instruction {
	out := make([]Instruction, 0, len(a.Entries))
	for _, e := range a.Entries {
		out = append(out, e.Instruction)
	}
	return out
}

// Roles returns the role of each entry in assembled order
func (a *AssembledInstructions) Roles() []Role {
	out := make([]Role, 0, len(a.Entries))
	for _, e := range a.Entries {
		out = append(out, e.Role)
	}
	return out
}

// AddressLookupTable is an on-ledger table resolved to its address list
type AddressLookupTable struct {
	Key       solana.PublicKey
	Addresses []solana.PublicKey
}

// WireAccountMeta is the JSON account form used by instruction services and staged files
type WireAccountMeta struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

// WireInstruction is the JSON instruction form used by instruction services and staged files
type WireInstruction struct {
	ProgramID string            `json:"programId"`
	Accounts  []WireAccountMeta `json:"accounts"`
	// Data is base64 encoded
	Data string `json:"data"`
}

// ToInstruction decodes the wire form
func (w *WireInstruction) ToInstruction() (Instruction, error) {
	programID, err := solana.PublicKeyFromBase58(w.ProgramID)
	if err != nil {
		return Instruction{}, fmt.Errorf("invalid program id %q: %w", w.ProgramID, err)
	}
	accounts := make([]AccountMeta, 0, len(w.Accounts))
	for i, a := range w.Accounts {
		pk, err := solana.PublicKeyFromBase58(a.Pubkey)
		if err != nil {
			return Instruction{}, fmt.Errorf("invalid account %d %q: %w", i, a.Pubkey, err)
		}
		accounts = append(accounts, AccountMeta{PublicKey: pk, IsSigner: a.IsSigner, IsWritable: a.IsWritable})
	}
	data, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return Instruction{}, fmt.Errorf("invalid instruction data: %w", err)
	}
	return Instruction{ProgramID: programID, Accounts: accounts, Data: data}, nil
}

// ToWireInstruction encodes an instruction into the wire form
func ToWireInstruction(ix Instruction) WireInstruction {
	accounts := make([]WireAccountMeta, 0, len(ix.Accounts))
	for _, a := range ix.Accounts {
		accounts = append(accounts, WireAccountMeta{
			Pubkey:     a.PublicKey.String(),
			IsSigner:   a.IsSigner,
			IsWritable: a.IsWritable,
		})
	}
	return WireInstruction{
		ProgramID: ix.ProgramID.String(),
		Accounts:  accounts,
		Data:      base64.StdEncoding.EncodeToString(ix.Data),
	}
}
