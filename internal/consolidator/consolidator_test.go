package consolidator

import (
	"testing"
	"time"

	"github.com/i5heu/gridstore/internal/registry"
	"github.com/i5heu/gridstore/internal/tilecache"
	"github.com/i5heu/gridstore/internal/vfs"
	"github.com/i5heu/gridstore/internal/xlock"
	"github.com/i5heu/gridstore/pkg/types"
)

func testSchema() types.ArraySchema {
	return types.ArraySchema{
		Dimensions: []types.Dimension{{Name: "x", Type: types.DatatypeInt32, Min: 0, Max: 99, TileExtent: 10}},
		Attributes: []types.Attribute{{Name: "a", Type: types.DatatypeInt32, CellsPerValue: 1}},
	}
}

func newHarness(t *testing.T) (*vfs.VFS, *registry.Registry, *xlock.Coordinator) {
	t.Helper()
	mem, err := vfs.NewMemBackend()
	if err != nil {
		t.Fatalf("NewMemBackend: %v", err)
	}
	v := vfs.New()
	v.Register("mem", mem)
	xl := xlock.New(v)
	reg := registry.New(v, xl, nil)
	xl.SetReaderWaiter(reg)
	return v, reg, xl
}

func writeFragment(t *testing.T, v *vfs.VFS, uri, uuid string, ts int64, cells uint64, data []byte) {
	t.Helper()
	name := types.FragmentName{UUID: uuid, TimestampMs: ts, Version: types.CurrentFormatVersion}
	dir := uri + "/__fragments/" + name.String()
	if err := v.Write(dir+"/"+types.AttributeDataFileName("a"), data); err != nil {
		t.Fatalf("write attribute data: %v", err)
	}
	if err := v.Write(dir+"/"+types.FinalizationMarkerName, []byte("ok")); err != nil {
		t.Fatalf("write finalization marker: %v", err)
	}
}

func TestDriverMergesFragmentsAndRetiresOriginals(t *testing.T) {
	v, reg, xl := newHarness(t)
	uri := "mem://arr1"
	writeFragment(t, v, uri, "u1", 100, 4, []byte("aaaa"))
	writeFragment(t, v, uri, "u2", 200, 4, []byte("bbbb"))
	writeFragment(t, v, uri, "u3", 300, 4, []byte("cccc"))

	cache := tilecache.New(1024)
	d := New(v, xl, reg, cache, nil, Config{
		Steps:  1,
		Policy: SizeRatioPolicy{MinFragments: 2, MaxFragments: 3, SizeRatio: 100},
	})

	if err := d.Run(uri, testSchema()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	oa, err := reg.OpenForReads(uri, 0, testSchema())
	if err != nil {
		t.Fatalf("OpenForReads: %v", err)
	}
	frags := oa.FragmentInfo()
	if len(frags) != 1 {
		t.Fatalf("expected 1 merged fragment, got %d: %+v", len(frags), frags)
	}

	got, err := v.Read(frags[0].URI+"/"+types.AttributeDataFileName("a"), 0, 1<<20)
	if err != nil {
		t.Fatalf("read merged attribute: %v", err)
	}
	if string(got) != "aaaabbbbcccc" {
		t.Fatalf("merged attribute data: got %q", got)
	}
}

func TestDriverNoOpWhenPolicyDeclinesToMerge(t *testing.T) {
	v, reg, xl := newHarness(t)
	uri := "mem://arr2"
	writeFragment(t, v, uri, "u1", 100, 4, []byte("aaaa"))

	d := New(v, xl, reg, nil, nil, Config{
		Steps:  1,
		Policy: SizeRatioPolicy{MinFragments: 2, MaxFragments: 3, SizeRatio: 100},
	})

	if err := d.Run(uri, testSchema()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	oa, err := reg.OpenForReads(uri, 0, testSchema())
	if err != nil {
		t.Fatalf("OpenForReads: %v", err)
	}
	if got := len(oa.FragmentInfo()); got != 1 {
		t.Fatalf("expected fragment untouched (count 1), got %d", got)
	}
}

// TestDriverPreservesExistingReaderSnapshot verifies invariant 3: a
// reader opened before Run started keeps its own fragment snapshot,
// and Run itself must block (never proceeding to retire fragments)
// until that reader closes.
func TestDriverPreservesExistingReaderSnapshot(t *testing.T) {
	v, reg, xl := newHarness(t)
	uri := "mem://arr3"
	writeFragment(t, v, uri, "u1", 100, 4, []byte("aaaa"))
	writeFragment(t, v, uri, "u2", 200, 4, []byte("bbbb"))

	reader, err := reg.OpenForReads(uri, 0, testSchema())
	if err != nil {
		t.Fatalf("OpenForReads: %v", err)
	}
	beforeCount := len(reader.FragmentInfo())

	d := New(v, xl, reg, nil, nil, Config{
		Steps:  1,
		Policy: SizeRatioPolicy{MinFragments: 2, MaxFragments: 2, SizeRatio: 100},
	})

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(uri, testSchema()) }()

	select {
	case err := <-runDone:
		t.Fatalf("Run returned while reader was still open (err=%v); consolidation must wait for readers to drain", err)
	case <-time.After(50 * time.Millisecond):
	}

	if got := len(reader.FragmentInfo()); got != beforeCount {
		t.Fatalf("existing reader snapshot changed before Run even completed: before=%d after=%d", beforeCount, got)
	}

	reg.CloseForReads(reader)

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run never completed after reader closed")
	}

	if got := len(reader.FragmentInfo()); got != beforeCount {
		t.Fatalf("existing reader snapshot changed across consolidation: before=%d after=%d", beforeCount, got)
	}

	fresh, err := reg.OpenForReads(uri, 0, testSchema())
	if err != nil {
		t.Fatalf("OpenForReads after consolidate: %v", err)
	}
	defer reg.CloseForReads(fresh)
	if got := len(fresh.FragmentInfo()); got != 1 {
		t.Fatalf("expected 1 merged fragment after consolidation, got %d", got)
	}
}
