// Package assembler merges the instruction sets produced by the source
// adapters into one ordered, atomic instruction list.
//
// The output order is fixed regardless of input order:
//
//	tip, computeBudget, setup..., core, cleanup...
//
// Exactly one non-empty core set is required. The tip and computeBudget roles
// are exclusive unless a merge policy says otherwise; setup and cleanup sets
// are concatenated in input order.
package assembler

import (
	"strings"

	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
	"github.com/gagliardetto/solana-go"
)

const op = "assembler.Assemble"

// MergePolicy decides what happens when several sets claim an exclusive role
type MergePolicy int

const (
	// MergeReject fails with DuplicateRoleConflict
	MergeReject MergePolicy = iota
	// MergeConcatenate keeps every set in input order
	MergeConcatenate
)

type options struct {
	merge map[types.Role]MergePolicy
}

type Option func(*options)

// WithMergePolicy sets the policy for an exclusive role. The core role is
// never mergeable.
func WithMergePolicy(role types.Role, policy MergePolicy) Option {
	return func(o *options) {
		o.merge[role] = policy
	}
}

// Assemble orders and merges sets
func Assemble(sets []types.InstructionSet, opts ...Option) (*types.AssembledInstructions, error) {
	o := &options{merge: map[types.Role]MergePolicy{}}
	for _, opt := range opts {
		opt(o)
	}

	byRole := make(map[types.Role][]types.InstructionSet, len(types.RoleOrder))
	for i, set := range sets {
		if !set.Role.Valid() {
			return nil, txErrors.New(txErrors.KindInvalidInput, op, "set %d from %q has unknown role %q", i, set.Source, set.Role)
		}
		if len(set.Instructions) == 0 {
			continue
		}
		byRole[set.Role] = append(byRole[set.Role], set)
	}

	if len(byRole[types.RoleCore]) == 0 {
		return nil, txErrors.New(txErrors.KindMissingCoreInstruction, op, "no core instruction set supplied")
	}

	for _, role := range types.RoleOrder {
		claimed := byRole[role]
		if !role.Exclusive() || len(claimed) < 2 {
			continue
		}
		if role != types.RoleCore && o.merge[role] == MergeConcatenate {
			continue
		}
		return nil, txErrors.New(txErrors.KindDuplicateRoleConflict, op,
			"role %q claimed by %d sources [%s]", role, len(claimed), sourceNames(claimed))
	}

	out := &types.AssembledInstructions{}
	seenTables := make(map[solana.PublicKey]struct{})
	for _, role := range types.RoleOrder {
		for _, set := range byRole[role] {
			for _, ix := range set.Instructions {
				out.Entries = append(out.Entries, types.AssembledInstruction{
					Role:        role,
					Source:      set.Source,
					Instruction: ix.Clone(),
				})
			}
			for _, table := range set.LookupTableAddresses {
				if _, ok := seenTables[table]; ok {
					continue
				}
				seenTables[table] = struct{}{}
				out.LookupTableAddresses = append(out.LookupTableAddresses, table)
			}
		}
	}

	return out, nil
}

func sourceNames(sets []types.InstructionSet) string {
	names := make([]string, 0, len(sets))
	for _, s := range sets {
		name := s.Source
		if name == "" {
			name = "<unnamed>"
		}
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}
