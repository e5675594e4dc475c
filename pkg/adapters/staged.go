package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/gagliardetto/solana-go"

	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

// StagedInstructions is the file format written by venue tooling that
// prepares instructions out of process, e.g. a liquidity position SDK
type StagedInstructions struct {
	Source                      string                  `json:"source"`
	Instructions                []types.WireInstruction `json:"instructions"`
	AddressLookupTableAddresses []string                `json:"addressLookupTableAddresses,omitempty"`
}

// ReadStagedInstructions decodes a staged instruction document
func ReadStagedInstructions(r io.Reader) (*StagedInstructions, error) {
	var staged StagedInstructions
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&staged); err != nil {
		return nil, txErrors.Wrap(txErrors.KindInvalidInput, "adapters.staged", fmt.Errorf("failed to decode staged instructions: %w", err))
	}
	return &staged, nil
}

// WriteStagedInstructions encodes set as a staged instruction document
func WriteStagedInstructions(w io.Writer, set types.InstructionSet) error {
	staged := StagedInstructions{Source: set.Source}
	for _, ix := range set.Instructions {
		staged.Instructions = append(staged.Instructions, types.ToWireInstruction(ix))
	}
	for _, table := range set.LookupTableAddresses {
		staged.AddressLookupTableAddresses = append(staged.AddressLookupTableAddresses, table.String())
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(staged)
}

// StagedVenueSource reads a staged instruction file and treats its
// instructions as the core set. With SplitComputeBudget set, compute budget
// program instructions found in the file are moved to their own set.
type StagedVenueSource struct {
	Path               string
	SplitComputeBudget bool
}

func (s *StagedVenueSource) Name() string { return "staged:" + s.Path }

func (s *StagedVenueSource) Build(context.Context) ([]types.InstructionSet, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, txErrors.Wrap(txErrors.KindInvalidInput, "adapters.staged", err)
	}
	defer f.Close()

	staged, err := ReadStagedInstructions(f)
	if err != nil {
		return nil, err
	}
	return s.sets(staged)
}

func (s *StagedVenueSource) sets(staged *StagedInstructions) ([]types.InstructionSet, error) {
	name := staged.Source
	if name == "" {
		name = s.Name()
	}

	decoded, err := decodeWire(staged.Instructions)
	if err != nil {
		return nil, err
	}

	tables := make([]solana.PublicKey, 0, len(staged.AddressLookupTableAddresses))
	for _, addr := range staged.AddressLookupTableAddresses {
		key, err := solana.PublicKeyFromBase58(addr)
		if err != nil {
			return nil, txErrors.Wrap(txErrors.KindInvalidInput, "adapters.staged", fmt.Errorf("invalid lookup table %q: %w", addr, err))
		}
		tables = append(tables, key)
	}

	core := types.InstructionSet{Role: types.RoleCore, Source: name, LookupTableAddresses: tables}
	budget := types.InstructionSet{Role: types.RoleComputeBudget, Source: name}
	for _, ix := range decoded {
		if s.SplitComputeBudget && IsComputeBudget(ix) {
			budget.Instructions = append(budget.Instructions, ix)
			continue
		}
		core.Instructions = append(core.Instructions, ix)
	}

	out := []types.InstructionSet{core}
	if len(budget.Instructions) > 0 {
		out = append(out, budget)
	}
	return out, nil
}
