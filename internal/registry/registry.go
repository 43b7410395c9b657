// Package registry implements the Open Array Registry (section 4.D):
// a process-wide table of currently open arrays, ref-counted so the
// same array opened twice shares one in-memory handle. The
// double-checked-locking shape (fast RLock path, slow Lock path with a
// re-check before constructing) follows the ancestor's
// internal/carrier.connPool.getOrConnect.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/i5heu/gridstore/internal/vfs"
	"github.com/i5heu/gridstore/internal/xlock"
	"github.com/i5heu/gridstore/pkg/types"
)

// Mode is how an OpenArray was opened.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// OpenArray is the shared, ref-counted handle for one array URI. All
// readers that open the same URI through OpenForReads while it is open
// share the same *OpenArray; OpenForWrites and
// OpenForReadsWithFragments return a separate handle on every call.
type OpenArray struct {
	URI    string
	Schema types.ArraySchema
	Mode   Mode

	mu        sync.RWMutex
	refCount  int
	fragments []types.FragmentMetadata

	// timestamp pins the array to a read snapshot; zero means "latest".
	timestamp int64
	// explicitFragments, when non-nil, restricts the handle's view (at
	// open and on every Reopen) to the finalized fragments with these
	// names, per the
	// array_open_without_fragments / explicit-fragment-list open path.
	explicitFragments map[string]struct{}
}

// FragmentInfo returns a snapshot of the fragments this open handle
// currently sees, sorted oldest-first by timestamp, generalizing the
// ancestor's get_fragment_info overloads into a single method.
func (o *OpenArray) FragmentInfo() []types.FragmentMetadata {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]types.FragmentMetadata, len(o.fragments))
	copy(out, o.fragments)
	return out
}

func (o *OpenArray) refs() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.refCount
}

// Registry is the process-wide open-array table.
type Registry struct {
	vfs *vfs.VFS
	xl  *xlock.Coordinator
	log interface {
		Debugf(format string, args ...interface{})
	}

	mu    sync.RWMutex
	cond  *sync.Cond
	open  map[string]*OpenArray
	ready map[string]*sync.Once
}

type debugLogger interface {
	Debugf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}

// New builds a Registry backed by the given VFS for fragment discovery.
// xl may be nil for callers (such as tests) that never consolidate;
// when non-nil, OpenForReads routes its admission through
// xl.RunIfUnlocked so a consolidator holding the exclusive lock blocks
// new readers from opening (spec section 4.D step 1), and the registry
// in turn satisfies xlock.ReaderWaiter via WaitForNoReaders so the
// consolidator can wait for already-open readers to drain (section
// 4.E step 2) — wire it up with xl.SetReaderWaiter(reg) after both
// exist.
func New(v *vfs.VFS, xl *xlock.Coordinator, log debugLogger) *Registry {
	if log == nil {
		log = noopLogger{}
	}
	r := &Registry{
		vfs:  v,
		xl:   xl,
		log:  log,
		open: make(map[string]*OpenArray),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *Registry) registryKey(uri string, mode Mode) string {
	if mode == ModeWrite {
		return "w:" + uri
	}
	return "r:" + uri
}

// OpenForReads opens uri for reading at the given timestamp (0 meaning
// latest), incrementing the ref count if already open. It discovers
// fragments via the VFS, following the ancestor's fast-RLock /
// slow-Lock-with-recheck getOrConnect shape. If xl is set, the whole
// admission runs inside xl.RunIfUnlocked so a consolidator's XLock
// cannot start retiring fragments between this call's "unlocked" check
// and its own registration (spec section 4.D step 1).
func (r *Registry) OpenForReads(uri string, timestamp int64, schema types.ArraySchema) (*OpenArray, error) {
	var oa *OpenArray
	var admitErr error

	admit := func() { oa, admitErr = r.admitReader(uri, timestamp, schema) }
	if r.xl != nil {
		r.xl.RunIfUnlocked(uri, admit)
	} else {
		admit()
	}

	if admitErr != nil {
		return nil, admitErr
	}
	return oa, nil
}

func (r *Registry) admitReader(uri string, timestamp int64, schema types.ArraySchema) (*OpenArray, error) {
	key := r.registryKey(uri, ModeRead)

	r.mu.RLock()
	if oa, ok := r.open[key]; ok {
		r.mu.RUnlock()
		oa.mu.Lock()
		oa.refCount++
		oa.mu.Unlock()
		return oa, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	if oa, ok := r.open[key]; ok {
		r.mu.Unlock()
		oa.mu.Lock()
		oa.refCount++
		oa.mu.Unlock()
		return oa, nil
	}

	fragments, err := r.discoverFragments(uri)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: open %s for reads: %w", uri, err)
	}
	fragments = filterByTimestamp(fragments, timestamp)

	oa := &OpenArray{
		URI:       uri,
		Schema:    schema,
		Mode:      ModeRead,
		refCount:  1,
		fragments: fragments,
		timestamp: timestamp,
	}
	r.open[key] = oa
	r.mu.Unlock()

	r.log.Debugf("registry: opened %s for reads with %d fragments", uri, len(fragments))
	return oa, nil
}

// OpenForReadsWithFragments opens uri restricted to exactly the named
// fragments, the Go shape of array_open_without_fragments plus an
// explicit allow-list, used by tests that need a stable view
// independent of concurrent writers.
func (r *Registry) OpenForReadsWithFragments(uri string, fragmentNames []string, schema types.ArraySchema) (*OpenArray, error) {
	all, err := r.discoverFragments(uri)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s with explicit fragments: %w", uri, err)
	}

	allow := make(map[string]struct{}, len(fragmentNames))
	for _, n := range fragmentNames {
		allow[n] = struct{}{}
	}
	var filtered []types.FragmentMetadata
	for _, f := range all {
		if _, ok := allow[f.Name.String()]; ok {
			filtered = append(filtered, f)
		}
	}

	return &OpenArray{
		URI:               uri,
		Schema:            schema,
		Mode:              ModeRead,
		refCount:          1,
		fragments:         filtered,
		explicitFragments: allow,
	}, nil
}

// openWithoutFragments opens uri for reads with no fragments visible
// at all — the Go analogue of TileDB's array_open_without_fragments,
// used when a caller wants schema/metadata access without paying for
// fragment discovery.
func (r *Registry) openWithoutFragments(uri string, schema types.ArraySchema) *OpenArray {
	return &OpenArray{
		URI:               uri,
		Schema:            schema,
		Mode:              ModeRead,
		refCount:          1,
		explicitFragments: map[string]struct{}{},
	}
}

// Reopen refreshes an OpenArray's fragment list against newTimestamp (0
// meaning "latest"), letting a pinned reader advance its snapshot to a
// genuinely new point in time rather than only ever re-seeing the
// timestamp it was opened with (spec section 4.D's reopen(uri,
// new_timestamp, key)).
func (r *Registry) Reopen(oa *OpenArray, newTimestamp int64) error {
	fragments, err := r.discoverFragments(oa.URI)
	if err != nil {
		return fmt.Errorf("registry: reopen %s: %w", oa.URI, err)
	}
	fragments = filterByTimestamp(fragments, newTimestamp)
	if oa.explicitFragments != nil {
		var kept []types.FragmentMetadata
		for _, f := range fragments {
			if _, ok := oa.explicitFragments[f.Name.String()]; ok {
				kept = append(kept, f)
			}
		}
		fragments = kept
	}

	oa.mu.Lock()
	oa.fragments = fragments
	oa.timestamp = newTimestamp
	oa.mu.Unlock()
	return nil
}

// CloseForReads decrements the ref count and drops the registry entry
// once no reader holds it anymore, waking any XLock waiting on
// WaitForNoReaders for this URI.
func (r *Registry) CloseForReads(oa *OpenArray) {
	oa.mu.Lock()
	oa.refCount--
	drop := oa.refCount <= 0
	oa.mu.Unlock()

	if !drop {
		return
	}

	key := r.registryKey(oa.URI, ModeRead)
	r.mu.Lock()
	if existing, ok := r.open[key]; ok && existing == oa {
		delete(r.open, key)
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

// WaitForNoReaders blocks until uri has no open reader handle,
// satisfying xlock.ReaderWaiter so a consolidator's XLock can wait for
// existing readers to drain before retiring fragments (spec section
// 4.E step 2, invariant 3).
func (r *Registry) WaitForNoReaders(uri string) {
	key := r.registryKey(uri, ModeRead)
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if _, ok := r.open[key]; !ok {
			return
		}
		r.cond.Wait()
	}
}

// OpenForWrites registers uri as open for writing; unlike reads, each
// writer is independent and not ref-counted against other writers,
// mirroring the spec's "multiple concurrent writers to distinct
// fragments" allowance.
func (r *Registry) OpenForWrites(uri string, schema types.ArraySchema) *OpenArray {
	return &OpenArray{
		URI:      uri,
		Schema:   schema,
		Mode:     ModeWrite,
		refCount: 1,
	}
}

func filterByTimestamp(fragments []types.FragmentMetadata, timestamp int64) []types.FragmentMetadata {
	if timestamp <= 0 {
		return fragments
	}
	var out []types.FragmentMetadata
	for _, f := range fragments {
		if f.Name.TimestampMs <= timestamp {
			out = append(out, f)
		}
	}
	return out
}

// discoverFragments lists the array's fragment directory via the VFS
// and parses every finalized fragment, skipping any fragment directory
// that lacks the finalization marker (an ignored partial fragment,
// spec scenario 6).
func (r *Registry) discoverFragments(uri string) ([]types.FragmentMetadata, error) {
	fragDir := uri + "/__fragments"
	entries, err := r.vfs.List(fragDir)
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}

	var out []types.FragmentMetadata
	for _, entry := range entries {
		finalized, err := r.vfs.IsFile(entry + "/" + types.FinalizationMarkerName)
		if err != nil || !finalized {
			r.log.Debugf("registry: skipping unfinalized fragment dir %s", entry)
			continue
		}

		name, err := fragmentNameFromPath(entry)
		if err != nil {
			r.log.Debugf("registry: skipping unparseable fragment dir %s: %v", entry, err)
			continue
		}
		if _, ok := types.SupportedFormatVersions[name.Version]; !ok {
			r.log.Debugf("registry: skipping fragment dir %s with unsupported format version %d", entry, name.Version)
			continue
		}

		out = append(out, types.FragmentMetadata{
			URI:  entry,
			Name: name,
		})
	}

	sortFragmentsByTimestamp(out)
	return out, nil
}

func fragmentNameFromPath(path string) (types.FragmentName, error) {
	base := path
	if idx := lastSlash(path); idx >= 0 {
		base = path[idx+1:]
	}
	return types.ParseFragmentName(base)
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func sortFragmentsByTimestamp(fragments []types.FragmentMetadata) {
	for i := 1; i < len(fragments); i++ {
		for j := i; j > 0 && fragments[j].Name.TimestampMs < fragments[j-1].Name.TimestampMs; j-- {
			fragments[j], fragments[j-1] = fragments[j-1], fragments[j]
		}
	}
}

// nowMillis returns the current time in milliseconds. Nothing in this
// module calls it: internal/exec and internal/consolidator mint
// fragment timestamps from time.Now directly.
var nowMillis = func() int64 { return time.Now().UnixMilli() }
