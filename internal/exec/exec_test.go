package exec

import (
	"context"
	"testing"
	"time"

	"github.com/i5heu/gridstore/internal/registry"
	"github.com/i5heu/gridstore/internal/tilecache"
	"github.com/i5heu/gridstore/internal/vfs"
	"github.com/i5heu/gridstore/pkg/query"
)

func newHarness(t *testing.T) (*vfs.VFS, *registry.Registry, *tilecache.Cache) {
	t.Helper()
	mem, err := vfs.NewMemBackend()
	if err != nil {
		t.Fatalf("NewMemBackend: %v", err)
	}
	v := vfs.New()
	v.Register("mem", mem)
	reg := registry.New(v, nil, nil)
	cache := tilecache.New(1 << 20)
	return v, reg, cache
}

func TestExecutorWriteThenReadRoundTrip(t *testing.T) {
	v, reg, cache := newHarness(t)
	e := New(v, reg, cache, nil)
	uri := "mem://arr1"

	writeQ := query.Query{
		ArrayURI:     uri,
		Mode:         query.ModeWrite,
		Attributes:   []string{"a"},
		WriteBuffers: map[string][]byte{"a": []byte("0123456789")},
	}
	if _, err := e.Run(context.Background(), writeQ); err != nil {
		t.Fatalf("Run write: %v", err)
	}

	readQ := query.Query{ArrayURI: uri, Mode: query.ModeRead, Attributes: []string{"a"}}
	res, err := e.Run(context.Background(), readQ)
	if err != nil {
		t.Fatalf("Run read: %v", err)
	}
	if string(res.Buffers["a"]) != "0123456789" {
		t.Fatalf("read back: got %q", res.Buffers["a"])
	}
}

func TestExecutorReadMergesMultipleFragmentsInOrder(t *testing.T) {
	v, reg, cache := newHarness(t)
	e := New(v, reg, cache, nil)
	uri := "mem://arr2"

	for _, buf := range []string{"aaaa", "bbbb"} {
		// Fragments order by millisecond timestamp, then by their random
		// uuid; distinct milliseconds make the read order the write order.
		time.Sleep(2 * time.Millisecond)
		writeQ := query.Query{
			ArrayURI:     uri,
			Mode:         query.ModeWrite,
			Attributes:   []string{"a"},
			WriteBuffers: map[string][]byte{"a": []byte(buf)},
		}
		if _, err := e.Run(context.Background(), writeQ); err != nil {
			t.Fatalf("Run write: %v", err)
		}
	}

	readQ := query.Query{ArrayURI: uri, Mode: query.ModeRead, Attributes: []string{"a"}}
	res, err := e.Run(context.Background(), readQ)
	if err != nil {
		t.Fatalf("Run read: %v", err)
	}
	if string(res.Buffers["a"]) != "aaaabbbb" {
		t.Fatalf("merged read: got %q", res.Buffers["a"])
	}
}
