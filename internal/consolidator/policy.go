package consolidator

import "github.com/i5heu/gridstore/pkg/types"

// Policy decides which fragments to merge in one consolidation step.
// It is pluggable so callers can swap in a different strategy without
// touching the Driver's locking and retirement logic.
type Policy interface {
	// Plan returns the fragments (oldest-first) to merge this step, or
	// nil if fragments does not currently warrant consolidation.
	Plan(fragments []types.FragmentMetadata) []types.FragmentMetadata
}

// SizeRatioPolicy merges a run of consecutive small fragments once at
// least minFragments have accumulated and their combined cell count is
// no more than sizeRatio times the next fragment's, capping any single
// step at maxFragments — the step-based shape described for the
// Consolidator Driver.
type SizeRatioPolicy struct {
	MinFragments int
	MaxFragments int
	SizeRatio    float64
}

func (p SizeRatioPolicy) Plan(fragments []types.FragmentMetadata) []types.FragmentMetadata {
	if len(fragments) < p.MinFragments {
		return nil
	}

	limit := p.MaxFragments
	if limit <= 0 || limit > len(fragments) {
		limit = len(fragments)
	}

	run := fragments[:1]
	var runCells uint64 = fragments[0].CellCount
	for i := 1; i < limit; i++ {
		next := fragments[i]
		if p.SizeRatio > 0 && float64(runCells) > p.SizeRatio*float64(next.CellCount) {
			break
		}
		run = fragments[:i+1]
		runCells += next.CellCount
	}

	if len(run) < p.MinFragments {
		return nil
	}
	return run
}
