// Package adapters turns venue-specific instruction producers into role
// tagged instruction sets for the assembler.
package adapters

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

// ISource produces the instruction sets for one concern of a transaction
type ISource interface {
	// Name identifies the source in assembly errors
	Name() string
	Build(ctx context.Context) ([]types.InstructionSet, error)
}

// Collect builds every source concurrently and returns their sets in source
// order. The first failure cancels the rest.
func Collect(ctx context.Context, sources ...ISource) ([]types.InstructionSet, error) {
	for i, src := range sources {
		if src == nil {
			return nil, fmt.Errorf("source %d is nil", i)
		}
	}
	results := make([][]types.InstructionSet, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			sets, err := src.Build(gctx)
			if err != nil {
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			for j := range sets {
				if sets[j].Source == "" {
					sets[j].Source = src.Name()
				}
			}
			results[i] = sets
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []types.InstructionSet
	for _, sets := range results {
		out = append(out, sets...)
	}
	return out, nil
}

// StaticSource returns fixed instruction sets
type StaticSource struct {
	SourceName string
	Sets       []types.InstructionSet
}

func (s *StaticSource) Name() string { return s.SourceName }

func (s *StaticSource) Build(context.Context) ([]types.InstructionSet, error) {
	out := make([]types.InstructionSet, 0, len(s.Sets))
	for _, set := range s.Sets {
		cp := set
		cp.Instructions = make([]types.Instruction, 0, len(set.Instructions))
		for _, ix := range set.Instructions {
			cp.Instructions = append(cp.Instructions, ix.Clone())
		}
		out = append(out, cp)
	}
	return out, nil
}

func single(role types.Role, source string, ixs ...types.Instruction) []types.InstructionSet {
	return []types.InstructionSet{{Role: role, Source: source, Instructions: ixs}}
}
