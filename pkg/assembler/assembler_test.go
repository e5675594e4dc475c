package assembler

import (
	"errors"
	"testing"

	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(b byte) solana.PublicKey {
	var pk solana.PublicKey
	pk[0] = b
	return pk
}

func set(role types.Role, source string, tag byte) types.InstructionSet {
	return types.InstructionSet{
		Role:   role,
		Source: source,
		Instructions: []types.Instruction{{
			ProgramID: key(tag),
			Data:      []byte{tag},
		}},
	}
}

func permutations(in []types.InstructionSet) [][]types.InstructionSet {
	if len(in) <= 1 {
		return [][]types.InstructionSet{append([]types.InstructionSet(nil), in...)}
	}
	var out [][]types.InstructionSet
	for i := range in {
		rest := make([]types.InstructionSet, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]types.InstructionSet{in[i]}, p...))
		}
	}
	return out
}

func TestAssembleOrdersRolesForEveryPermutation(t *testing.T) {
	all := []types.InstructionSet{
		set(types.RoleTip, "tip", 1),
		set(types.RoleComputeBudget, "fees", 2),
		set(types.RoleSetup, "ata", 3),
		set(types.RoleCore, "swap", 4),
		set(types.RoleCleanup, "unwrap", 5),
	}

	perms := permutations(all)
	require.Len(t, perms, 120)

	for _, p := range perms {
		out, err := Assemble(p)
		require.NoError(t, err)
		require.Len(t, out.Entries, 5)
		assert.Equal(t, types.RoleOrder, out.Roles())
		assert.Equal(t, types.RoleTip, out.Entries[0].Role)
		assert.Equal(t, types.RoleCleanup, out.Entries[len(out.Entries)-1].Role)
	}
}

func TestAssembleWithoutCoreFailsForEveryPermutation(t *testing.T) {
	noCore := []types.InstructionSet{
		set(types.RoleTip, "tip", 1),
		set(types.RoleComputeBudget, "fees", 2),
		set(types.RoleSetup, "ata", 3),
		set(types.RoleCleanup, "unwrap", 5),
	}
	for _, p := range permutations(noCore) {
		_, err := Assemble(p)
		require.Error(t, err)
		assert.True(t, errors.Is(err, txErrors.ErrMissingCoreInstruction))
	}

	emptyCore := append(noCore, types.InstructionSet{Role: types.RoleCore, Source: "swap"})
	_, err := Assemble(emptyCore)
	assert.True(t, errors.Is(err, txErrors.ErrMissingCoreInstruction))
}

func TestAssembleComputeBudgetTipCore(t *testing.T) {
	out, err := Assemble([]types.InstructionSet{
		set(types.RoleComputeBudget, "fees", 2),
		set(types.RoleTip, "tip", 1),
		set(types.RoleCore, "transfer", 4),
	})
	require.NoError(t, err)
	assert.Equal(t, []types.Role{types.RoleTip, types.RoleComputeBudget, types.RoleCore}, out.Roles())
	assert.Equal(t, []byte{1}, out.Instructions()[0].Data)
}

func TestAssembleDuplicateExclusiveRoles(t *testing.T) {
	tests := []struct {
		name string
		sets []types.InstructionSet
		opts []Option
		err  error
	}{
		{
			name: "two tips",
			sets: []types.InstructionSet{set(types.RoleTip, "relay-a", 1), set(types.RoleTip, "relay-b", 2), set(types.RoleCore, "swap", 3)},
			err:  txErrors.ErrDuplicateRoleConflict,
		},
		{
			name: "two compute budgets",
			sets: []types.InstructionSet{set(types.RoleComputeBudget, "jupiter", 1), set(types.RoleComputeBudget, "fees", 2), set(types.RoleCore, "swap", 3)},
			err:  txErrors.ErrDuplicateRoleConflict,
		},
		{
			name: "two compute budgets merged",
			sets: []types.InstructionSet{set(types.RoleComputeBudget, "jupiter", 1), set(types.RoleComputeBudget, "fees", 2), set(types.RoleCore, "swap", 3)},
			opts: []Option{WithMergePolicy(types.RoleComputeBudget, MergeConcatenate)},
		},
		{
			name: "two cores never merge",
			sets: []types.InstructionSet{set(types.RoleCore, "swap", 1), set(types.RoleCore, "transfer", 2)},
			opts: []Option{WithMergePolicy(types.RoleCore, MergeConcatenate)},
			err:  txErrors.ErrDuplicateRoleConflict,
		},
		{
			name: "setup sets concatenate",
			sets: []types.InstructionSet{set(types.RoleSetup, "a", 1), set(types.RoleSetup, "b", 2), set(types.RoleCore, "swap", 3)},
		},
		{
			name: "unknown role",
			sets: []types.InstructionSet{{Role: "memo", Source: "x"}, set(types.RoleCore, "swap", 3)},
			err:  txErrors.ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Assemble(tt.sets, tt.opts...)
			if tt.err != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, out.Entries, len(tt.sets))
		})
	}
}

func TestAssembleConflictNamesSources(t *testing.T) {
	_, err := Assemble([]types.InstructionSet{set(types.RoleTip, "relay-a", 1), set(types.RoleTip, "relay-b", 2), set(types.RoleCore, "swap", 3)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay-a")
	assert.Contains(t, err.Error(), "relay-b")
	assert.Contains(t, err.Error(), "tip")
}

func TestAssembleSetupOrderAndLookupTables(t *testing.T) {
	a := set(types.RoleSetup, "a", 1)
	b := set(types.RoleSetup, "b", 2)
	core := set(types.RoleCore, "swap", 3)
	core.LookupTableAddresses = []solana.PublicKey{key(100), key(101)}
	b.LookupTableAddresses = []solana.PublicKey{key(101)}

	out, err := Assemble([]types.InstructionSet{core, b, a})
	require.NoError(t, err)

	ixs := out.Instructions()
	assert.Equal(t, []byte{2}, ixs[0].Data)
	assert.Equal(t, []byte{1}, ixs[1].Data)
	assert.Equal(t, []byte{3}, ixs[2].Data)
	assert.Equal(t, []solana.PublicKey{key(101), key(100)}, out.LookupTableAddresses)
}

func TestAssembleDoesNotAliasInput(t *testing.T) {
	core := set(types.RoleCore, "swap", 3)
	out, err := Assemble([]types.InstructionSet{core})
	require.NoError(t, err)

	out.Entries[0].Instruction.Data[0] = 9
	assert.Equal(t, byte(3), core.Instructions[0].Data[0])
}
