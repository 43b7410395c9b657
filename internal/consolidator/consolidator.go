// Package consolidator implements the Consolidator Driver (section
// 4.G): it merges a run of small fragments into one larger fragment
// under the Exclusive-Lock Coordinator, atomically retiring the
// originals only after the merged fragment is fully finalized on disk.
package consolidator

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/i5heu/gridstore/internal/registry"
	"github.com/i5heu/gridstore/internal/tilecache"
	"github.com/i5heu/gridstore/internal/vfs"
	"github.com/i5heu/gridstore/internal/xlock"
	"github.com/i5heu/gridstore/pkg/types"
	"go.uber.org/zap"
)

// Driver runs consolidation steps against one array at a time. It
// never runs concurrently with a reader's open of the same URI thanks
// to the xlock.Coordinator (writers do not consult it), and never
// loses data because it
// only removes an original fragment after the merged replacement's
// finalization marker is durably written.
type Driver struct {
	v      *vfs.VFS
	xl     *xlock.Coordinator
	reg    *registry.Registry
	cache  *tilecache.Cache
	log    *zap.SugaredLogger
	policy Policy

	steps int
}

// Config controls how many consolidation steps Run performs and which
// Policy selects fragments within each step.
type Config struct {
	Steps  int
	Policy Policy
}

// New builds a Driver. cache may be nil if no tile cache invalidation
// is needed (e.g. a write-through configuration with caching disabled).
func New(v *vfs.VFS, xl *xlock.Coordinator, reg *registry.Registry, cache *tilecache.Cache, log *zap.SugaredLogger, cfg Config) *Driver {
	if log == nil {
		logger, _ := zap.NewProduction()
		log = logger.Sugar()
	}
	steps := cfg.Steps
	if steps <= 0 {
		steps = 1
	}
	return &Driver{v: v, xl: xl, reg: reg, cache: cache, log: log, policy: cfg.Policy, steps: steps}
}

// Run performs up to Config.Steps consolidation steps against uri,
// stopping early once the policy reports no further fragments are
// worth merging. It holds the exclusive lock for the URI's entire
// duration: XLock first waits until every reader already open on uri
// has closed, and readers that try to open during the run block until
// it returns. A FragmentInfo snapshot taken earlier is a copy, so Run
// never changes it (section 8 scenario 3: consolidation under an
// active reader).
func (d *Driver) Run(uri string, schema types.ArraySchema) error {
	if err := d.xl.XLock(uri); err != nil {
		return fmt.Errorf("consolidator: lock %s: %w", uri, err)
	}
	defer d.xl.XUnlock(uri)

	d.log.Infow("consolidation started", "uri", uri, "steps", d.steps)

	for step := 0; step < d.steps; step++ {
		merged, err := d.runOneStep(uri, schema)
		if err != nil {
			return fmt.Errorf("consolidator: step %d on %s: %w", step, uri, err)
		}
		if !merged {
			d.log.Infow("consolidation converged early", "uri", uri, "step", step)
			break
		}
	}

	d.log.Infow("consolidation finished", "uri", uri)
	return nil
}

// runOneStep executes a single merge pass and reports whether it
// merged anything.
func (d *Driver) runOneStep(uri string, schema types.ArraySchema) (bool, error) {
	oa := d.reg.OpenForWrites(uri, schema)
	if err := d.reg.Reopen(oa, 0); err != nil {
		return false, fmt.Errorf("reopen before plan: %w", err)
	}
	fragments := oa.FragmentInfo()

	plan := d.policy.Plan(fragments)
	if len(plan) < 2 {
		return false, nil
	}

	merged, err := d.mergeFragments(uri, schema, plan)
	if err != nil {
		return false, fmt.Errorf("merge: %w", err)
	}

	if err := d.retireFragments(plan, merged); err != nil {
		return false, fmt.Errorf("retire: %w", err)
	}

	d.log.Infow("merged fragments", "uri", uri, "count", len(plan), "into", merged.Name.String())
	return true, nil
}

func newFragmentUUID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate fragment uuid: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// mergeFragments concatenates each attribute's data across plan's
// fragments (oldest-first, matching cell order within a consolidated
// run) into one new fragment directory, then writes the finalization
// marker last so a reader can never observe a partially written merge.
func (d *Driver) mergeFragments(uri string, schema types.ArraySchema, plan []types.FragmentMetadata) (types.FragmentMetadata, error) {
	uuid, err := newFragmentUUID()
	if err != nil {
		return types.FragmentMetadata{}, err
	}
	name := types.FragmentName{UUID: uuid, TimestampMs: time.Now().UnixMilli(), Version: types.CurrentFormatVersion}
	fragDir := uri + "/__fragments/" + name.String()

	var totalCells uint64
	var domain []types.DimRange
	for _, attr := range schema.Attributes {
		var merged []byte
		for _, frag := range plan {
			data, err := d.v.Read(frag.URI+"/"+types.AttributeDataFileName(attr.Name), 0, 1<<40)
			if err != nil {
				return types.FragmentMetadata{}, fmt.Errorf("read attribute %q from %s: %w", attr.Name, frag.URI, err)
			}
			merged = append(merged, data...)
		}
		if err := d.v.Write(fragDir+"/"+types.AttributeDataFileName(attr.Name), merged); err != nil {
			return types.FragmentMetadata{}, fmt.Errorf("write merged attribute %q: %w", attr.Name, err)
		}
	}

	for _, frag := range plan {
		totalCells += frag.CellCount
		domain = mergeDomain(domain, frag.NonEmptyDomain)
	}

	if err := d.v.Write(fragDir+"/"+types.FinalizationMarkerName, []byte("ok")); err != nil {
		return types.FragmentMetadata{}, fmt.Errorf("finalize %s: %w", fragDir, err)
	}

	return types.FragmentMetadata{
		URI:            fragDir,
		Name:           name,
		CellCount:      totalCells,
		NonEmptyDomain: domain,
	}, nil
}

func mergeDomain(a, b []types.DimRange) []types.DimRange {
	if a == nil {
		return b
	}
	out := make([]types.DimRange, len(a))
	for i := range a {
		out[i] = a[i]
		if i < len(b) {
			if b[i].Min < out[i].Min {
				out[i].Min = b[i].Min
			}
			if b[i].Max > out[i].Max {
				out[i].Max = b[i].Max
			}
		}
	}
	return out
}

// retireFragments removes the original fragments from disk and the
// tile cache now that merged is durably finalized. It does not touch
// the registry: every later open discovers fragments afresh and so
// sees the new fragment list.
func (d *Driver) retireFragments(plan []types.FragmentMetadata, merged types.FragmentMetadata) error {
	for _, frag := range plan {
		if d.cache != nil {
			d.cache.InvalidatePrefix(frag.URI)
		}
		if err := d.v.Remove(frag.URI); err != nil {
			return fmt.Errorf("remove retired fragment %s: %w", frag.URI, err)
		}
	}
	return nil
}
