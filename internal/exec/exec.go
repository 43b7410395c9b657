// Package exec provides the default query.Executor: a minimal,
// whole-attribute-buffer implementation that writes one fragment per
// write Query and concatenates every visible fragment's attribute data
// (oldest-first) for a read Query, running each attribute's filter
// pipeline and each attribute's tile I/O in parallel on the reader and
// writer pools (section 4.F: those pools exist for this — intra-query
// tile parallelism — never for scheduling whole queries). It exists so
// the Storage Manager has a working collaborator out of the box; a
// deployment with its own tile-level subarray math can supply a
// different query.Executor without touching the admission or registry
// packages.
package exec

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/i5heu/gridstore/internal/admission"
	"github.com/i5heu/gridstore/internal/registry"
	"github.com/i5heu/gridstore/internal/tilecache"
	"github.com/i5heu/gridstore/internal/vfs"
	"github.com/i5heu/gridstore/pkg/filter"
	"github.com/i5heu/gridstore/pkg/query"
	"github.com/i5heu/gridstore/pkg/types"
)

// Executor is the default query.Executor.
type Executor struct {
	v       *vfs.VFS
	reg     *registry.Registry
	cache   *tilecache.Cache
	ioPool  *admission.Pool
	filters *filter.Registry
}

// New builds an Executor. cache may be nil to disable tile caching.
// ioPool may be nil, in which case attribute I/O runs inline instead
// of fanning out to the reader/writer pool — tests and single-attribute
// callers don't need the pool's concurrency.
func New(v *vfs.VFS, reg *registry.Registry, cache *tilecache.Cache, ioPool *admission.Pool) *Executor {
	return &Executor{v: v, reg: reg, cache: cache, ioPool: ioPool, filters: filter.NewRegistry()}
}

var _ query.Executor = (*Executor)(nil)

// Run executes q, dispatching to the write or read path.
func (e *Executor) Run(ctx context.Context, q query.Query) (query.Result, error) {
	if q.Mode == query.ModeWrite {
		return e.runWrite(ctx, q)
	}
	return e.runRead(ctx, q)
}

func newFragmentUUID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("exec: generate fragment uuid: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// pipelineFor resolves attrName's declared filters from schema into a
// concrete filter.Pipeline. An attribute absent from schema (or with no
// filters declared) gets the identity pipeline.
func (e *Executor) pipelineFor(schema types.ArraySchema, attrName string) (filter.Pipeline, error) {
	for _, attr := range schema.Attributes {
		if attr.Name != attrName {
			continue
		}
		filters := make([]filter.Filter, 0, len(attr.Filters))
		for _, fc := range attr.Filters {
			f, err := e.filters.Build(fc.Name, fc.Level)
			if err != nil {
				return filter.Pipeline{}, fmt.Errorf("attribute %q: %w", attrName, err)
			}
			filters = append(filters, f)
		}
		return filter.NewPipeline(filters...), nil
	}
	return filter.NewPipeline(), nil
}

// submitIO runs fn on the reader/writer pool if one was supplied,
// otherwise inline — the single chokepoint every tile read/write in
// this executor funnels through, so wiring a pool in later is a
// one-line change at the call site rather than a rewrite.
func (e *Executor) submitIO(ctx context.Context, kind admission.Kind, fn func(ctx context.Context) error) error {
	if e.ioPool == nil {
		return fn(ctx)
	}
	_, err := e.ioPool.Submit(ctx, kind, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

func (e *Executor) runWrite(ctx context.Context, q query.Query) (query.Result, error) {
	uuid, err := newFragmentUUID()
	if err != nil {
		return query.Result{}, err
	}
	name := types.FragmentName{UUID: uuid, TimestampMs: time.Now().UnixMilli(), Version: types.CurrentFormatVersion}
	fragDir := q.ArrayURI + "/__fragments/" + name.String()

	type attrWrite struct {
		cells uint64
		err   error
	}
	results := make([]attrWrite, len(q.Attributes))

	var wg sync.WaitGroup
	for i, attr := range q.Attributes {
		i, attr := i, attr
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := q.WriteBuffers[attr]

			pipeline, err := e.pipelineFor(q.Schema, attr)
			if err != nil {
				results[i] = attrWrite{err: err}
				return
			}
			encoded, err := pipeline.Encode(buf)
			if err != nil {
				results[i] = attrWrite{err: fmt.Errorf("encode attribute %q: %w", attr, err)}
				return
			}

			err = e.submitIO(ctx, admission.KindWrite, func(ctx context.Context) error {
				return e.v.Write(fragDir+"/"+types.AttributeDataFileName(attr), encoded)
			})
			cells := uint64(len(buf))
			for _, a := range q.Schema.Attributes {
				if cellSize := a.Type.ByteSize() * a.CellsPerValue; a.Name == attr && cellSize > 0 {
					cells = uint64(len(buf) / cellSize)
				}
			}
			results[i] = attrWrite{cells: cells, err: err}
		}()
	}
	wg.Wait()

	var cellsWritten uint64
	for i, r := range results {
		if r.err != nil {
			return query.Result{}, fmt.Errorf("exec: write attribute %q: %w", q.Attributes[i], r.err)
		}
		if r.cells > cellsWritten {
			cellsWritten = r.cells
		}
	}

	if err := e.v.Write(fragDir+"/"+types.FinalizationMarkerName, []byte("ok")); err != nil {
		return query.Result{}, fmt.Errorf("exec: finalize %s: %w", fragDir, err)
	}

	return query.Result{CellsWritten: cellsWritten}, nil
}

func (e *Executor) runRead(ctx context.Context, q query.Query) (query.Result, error) {
	oa, err := e.reg.OpenForReads(q.ArrayURI, q.Timestamp, q.Schema)
	if err != nil {
		return query.Result{}, fmt.Errorf("exec: open %s for reads: %w", q.ArrayURI, err)
	}
	defer e.reg.CloseForReads(oa)

	fragments := oa.FragmentInfo()

	type attrRead struct {
		data []byte
		err  error
	}
	results := make([]attrRead, len(q.Attributes))

	var wg sync.WaitGroup
	for i, attr := range q.Attributes {
		i, attr := i, attr
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := e.readAttribute(ctx, attr, q.Schema, fragments)
			results[i] = attrRead{data: data, err: err}
		}()
	}
	wg.Wait()

	buffers := make(map[string][]byte, len(q.Attributes))
	for i, r := range results {
		if r.err != nil {
			return query.Result{}, fmt.Errorf("exec: read attribute %q: %w", q.Attributes[i], r.err)
		}
		buffers[q.Attributes[i]] = r.data
	}

	return query.Result{Buffers: buffers}, nil
}

// readAttribute reads and decodes one attribute's bytes across
// fragments, oldest-first, so filter decode and concatenation order
// match the write side's encode order exactly.
func (e *Executor) readAttribute(ctx context.Context, attr string, schema types.ArraySchema, fragments []types.FragmentMetadata) ([]byte, error) {
	pipeline, err := e.pipelineFor(schema, attr)
	if err != nil {
		return nil, err
	}

	var merged []byte
	for _, frag := range fragments {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		fileURI := frag.URI + "/" + types.AttributeDataFileName(attr)
		cacheKey := types.TileKey{URI: fileURI, Offset: 0}

		var data []byte
		if e.cache != nil {
			if cached, hit := e.cache.Read(cacheKey); hit {
				data = cached
			}
		}
		if data == nil {
			var buf []byte
			err := e.submitIO(ctx, admission.KindRead, func(ctx context.Context) error {
				b, err := e.v.Read(fileURI, 0, 1<<40)
				buf = b
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("read from %s: %w", frag.URI, err)
			}
			data = buf
			if e.cache != nil {
				e.cache.Insert(cacheKey, data)
			}
		}

		decoded, err := pipeline.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode from %s: %w", frag.URI, err)
		}
		merged = append(merged, decoded...)
	}
	return merged, nil
}
