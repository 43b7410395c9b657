// Package gridstore implements a concurrent Storage Manager for a
// multidimensional array storage engine: array lifecycle, fragment
// discovery, exclusive-lock-coordinated consolidation, a bounded tile
// cache, and a cooperatively-cancellable query admission pool.
package gridstore

import (
	"context"
	"fmt"

	"github.com/i5heu/gridstore/internal/admission"
	"github.com/i5heu/gridstore/internal/consolidator"
	"github.com/i5heu/gridstore/internal/exec"
	"github.com/i5heu/gridstore/internal/keyvalidate"
	"github.com/i5heu/gridstore/internal/registry"
	"github.com/i5heu/gridstore/internal/stats"
	"github.com/i5heu/gridstore/internal/tilecache"
	"github.com/i5heu/gridstore/internal/vfs"
	"github.com/i5heu/gridstore/internal/xlock"
	"github.com/i5heu/gridstore/pkg/object"
	"github.com/i5heu/gridstore/pkg/query"
	"github.com/i5heu/gridstore/pkg/rest"
	"github.com/i5heu/gridstore/pkg/types"
	"go.uber.org/zap"
)

// StorageManager is the facade every caller holds: one per process,
// wiring the VFS, tile cache, open-array registry, exclusive-lock
// coordinator, admission pools, and consolidator driver together the
// way NewOuroborosDB wired its KeyValStore and Storage into one
// top-level struct.
type StorageManager struct {
	config Config

	vfs   *vfs.VFS
	cache *tilecache.Cache
	reg   *registry.Registry
	xl    *xlock.Coordinator

	// tilePool is the reader/writer pool used inside a query for
	// parallel per-attribute tile I/O (section 4.F) — never a scheduler
	// for whole queries.
	tilePool *admission.Pool
	// asyncPool is the single async-query pool SubmitQueryAsync
	// schedules whole queries onto, sized by config.NumAsyncThreads.
	asyncPool *admission.AsyncPool
	executor  query.Executor

	rest rest.Client

	started bool
	closed  bool
}

// New builds a StorageManager from cfg. It starts the reader/writer
// tile pool but not the async-query pool; call Start before submitting
// any query.
func New(cfg Config) (*StorageManager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	v := vfs.New()
	v.Register("file", vfs.NewLocalBackend(cfg.MinFreeBytes, nil))
	mem, err := vfs.NewMemBackend()
	if err != nil {
		return nil, newErr("New", KindIOError, fmt.Errorf("init mem backend: %w", err))
	}
	v.Register("mem", mem)

	cache := tilecache.New(cfg.TileCacheSize)
	xl := xlock.New(v)
	reg := registry.New(v, xl, nil)
	xl.SetReaderWaiter(reg)

	sm := &StorageManager{
		config: cfg,
		vfs:    v,
		cache:  cache,
		reg:    reg,
		xl:     xl,
	}
	sm.tilePool = admission.New(cfg.NumReaderThreads, cfg.NumWriterThreads)
	sm.executor = exec.New(v, reg, cache, sm.tilePool)
	return sm, nil
}

// Start spins up the async-query pool. The reader/writer tile pool is
// already running (New builds it, since the executor closes over it
// directly). Operations submitted before Start return ErrNotStarted.
func (sm *StorageManager) Start() error {
	if sm.started {
		return nil
	}
	sm.asyncPool = admission.NewAsyncPool(sm.config.NumAsyncThreads)
	sm.started = true
	return nil
}

// Close stops the admission pools and releases VFS backends. Queries
// submitted after Close return ErrClosed.
func (sm *StorageManager) Close() error {
	if sm.closed {
		return nil
	}
	sm.closed = true
	if sm.asyncPool != nil {
		sm.asyncPool.Close()
	}
	if sm.tilePool != nil {
		sm.tilePool.Close()
	}
	return sm.vfs.Close()
}

func (sm *StorageManager) checkRunning() error {
	if !sm.started {
		return ErrNotStarted
	}
	if sm.closed {
		return ErrClosed
	}
	return nil
}

// CreateArray writes a new array's schema to uri. If key is non-empty
// the schema's EncryptionValidation record is populated so future
// opens must present the same key (section 4.D).
func (sm *StorageManager) CreateArray(uri string, schema types.ArraySchema, key []byte) error {
	if err := schema.Validate(); err != nil {
		return newErr("CreateArray", KindInvalidArgument, err)
	}
	if exists, _ := sm.vfs.IsFile(uri + "/" + types.SchemaFileName); exists {
		return newErr("CreateArray", KindAlreadyExists, fmt.Errorf("%s already has a schema", uri))
	}

	if len(key) > 0 {
		rec, err := keyvalidate.NewRecord(key)
		if err != nil {
			return newErr("CreateArray", KindInvalidArgument, err)
		}
		schema.EncryptionValidation = rec
	}

	encoded, err := encodeSchema(schema)
	if err != nil {
		return newErr("CreateArray", KindIOError, err)
	}
	if err := sm.vfs.Write(uri+"/"+types.SchemaFileName, encoded); err != nil {
		return newErr("CreateArray", KindIOError, err)
	}
	return nil
}

// loadSchema reads and validates the stored key for uri, returning the
// array's schema. It is the common precondition every open path
// shares.
func (sm *StorageManager) loadSchema(uri string, key []byte) (types.ArraySchema, error) {
	raw, err := sm.vfs.Read(uri+"/"+types.SchemaFileName, 0, 1<<30)
	if err != nil {
		return types.ArraySchema{}, newErr("loadSchema", KindNotFound, err)
	}
	schema, err := decodeSchema(raw)
	if err != nil {
		return types.ArraySchema{}, newErr("loadSchema", KindIOError, err)
	}

	ok, err := keyvalidate.Validate(schema.EncryptionValidation, key)
	if err != nil {
		return types.ArraySchema{}, newErr("loadSchema", KindIOError, err)
	}
	if !ok {
		return types.ArraySchema{}, newErr("loadSchema", KindUnauthorized, fmt.Errorf("encryption key mismatch for %s", uri))
	}
	return schema, nil
}

// OpenForReads opens uri for reads at timestamp (0 for latest),
// validating key against the array's EncryptionValidation record.
func (sm *StorageManager) OpenForReads(uri string, timestamp int64, key []byte) (*registry.OpenArray, error) {
	schema, err := sm.loadSchema(uri, key)
	if err != nil {
		return nil, err
	}
	oa, err := sm.reg.OpenForReads(uri, timestamp, schema)
	if err != nil {
		return nil, newErr("OpenForReads", KindIOError, err)
	}
	return oa, nil
}

// OpenForReadsWithFragments opens uri restricted to exactly the given
// fragment names, used by callers that need a stable, explicit view.
func (sm *StorageManager) OpenForReadsWithFragments(uri string, fragmentNames []string, key []byte) (*registry.OpenArray, error) {
	schema, err := sm.loadSchema(uri, key)
	if err != nil {
		return nil, err
	}
	oa, err := sm.reg.OpenForReadsWithFragments(uri, fragmentNames, schema)
	if err != nil {
		return nil, newErr("OpenForReadsWithFragments", KindIOError, err)
	}
	return oa, nil
}

// ReopenForReads refreshes oa's fragment list against newTimestamp (0
// meaning latest), letting a pinned reader advance its snapshot to a
// genuinely new point in time (spec section 4.D's reopen(uri,
// new_timestamp, key)).
func (sm *StorageManager) ReopenForReads(oa *registry.OpenArray, newTimestamp int64) error {
	if err := sm.reg.Reopen(oa, newTimestamp); err != nil {
		return newErr("ReopenForReads", KindIOError, err)
	}
	return nil
}

// CloseForReads releases a reader's reference to oa.
func (sm *StorageManager) CloseForReads(oa *registry.OpenArray) { sm.reg.CloseForReads(oa) }

// OpenForWrites opens uri for writing after validating key.
func (sm *StorageManager) OpenForWrites(uri string, key []byte) (*registry.OpenArray, error) {
	schema, err := sm.loadSchema(uri, key)
	if err != nil {
		return nil, err
	}
	return sm.reg.OpenForWrites(uri, schema), nil
}

// resolveQuerySchema loads and attaches q's array schema, validating
// key against the array's EncryptionValidation record, and checks ctx
// first so a caller submitting against an already-expired context sees
// a context error rather than a schema-load error.
func (sm *StorageManager) resolveQuerySchema(ctx context.Context, q query.Query) (query.Query, error) {
	select {
	case <-ctx.Done():
		return query.Query{}, ctx.Err()
	default:
	}

	schema, err := sm.loadSchema(q.ArrayURI, q.Key)
	if err != nil {
		return query.Query{}, err
	}
	q.Schema = schema
	return q, nil
}

// SubmitQuery runs q synchronously and inline, blocking until it
// completes or ctx is cancelled. Section 4.F describes this as the
// "execute inline" path: it is not scheduled onto any pool. An
// Executor may still fan its own attribute I/O out to the reader/writer
// tile pool internally.
func (sm *StorageManager) SubmitQuery(ctx context.Context, q query.Query) (query.Result, error) {
	if err := sm.checkRunning(); err != nil {
		return query.Result{}, err
	}
	q, err := sm.resolveQuerySchema(ctx, q)
	if err != nil {
		return query.Result{}, err
	}
	return sm.executor.Run(ctx, q)
}

// SubmitQueryAsync enqueues q on the single async-query pool
// (sm.num_async_threads) without blocking the caller, and returns a
// handle that can be waited on or cancelled.
func (sm *StorageManager) SubmitQueryAsync(ctx context.Context, q query.Query) (*admission.Handle, error) {
	if err := sm.checkRunning(); err != nil {
		return nil, err
	}
	q, err := sm.resolveQuerySchema(ctx, q)
	if err != nil {
		return nil, err
	}

	return sm.asyncPool.SubmitAsync(ctx, func(ctx context.Context) (interface{}, error) {
		return sm.executor.Run(ctx, q)
	})
}

// CancelAllTasks cancels every in-flight async query.
func (sm *StorageManager) CancelAllTasks() {
	if sm.asyncPool != nil {
		sm.asyncPool.CancelAllTasks()
	}
}

// Consolidate merges uri's fragments per the configured consolidation
// policy, blocking concurrent opens via the exclusive-lock coordinator
// for the duration of the run.
func (sm *StorageManager) Consolidate(uri string, key []byte) error {
	schema, err := sm.loadSchema(uri, key)
	if err != nil {
		return err
	}

	logger, _ := zap.NewProduction()
	driver := consolidator.New(sm.vfs, sm.xl, sm.reg, sm.cache, logger.Sugar(), consolidator.Config{
		Steps: sm.config.ConsolidationSteps,
		Policy: consolidator.SizeRatioPolicy{
			MinFragments: sm.config.ConsolidationStepMinFrags,
			MaxFragments: sm.config.ConsolidationStepMaxFrags,
			SizeRatio:    sm.config.ConsolidationStepSizeRatio,
		},
	})
	if err := driver.Run(uri, schema); err != nil {
		return newErr("Consolidate", KindIOError, err)
	}
	return nil
}

// ReadRaw reads length bytes at offset from uri, bypassing fragment
// and schema interpretation entirely — the raw VFS escape hatch.
func (sm *StorageManager) ReadRaw(uri string, offset, length uint64) ([]byte, error) {
	data, err := sm.vfs.Read(uri, offset, length)
	if err != nil {
		return nil, newErr("ReadRaw", KindIOError, err)
	}
	return data, nil
}

// WriteRaw writes data to uri, bypassing fragment and schema
// interpretation entirely.
func (sm *StorageManager) WriteRaw(uri string, data []byte) error {
	if err := sm.vfs.Write(uri, data); err != nil {
		return newErr("WriteRaw", KindIOError, err)
	}
	return nil
}

// TileCacheRead exposes the tile cache directly for tests and
// diagnostics.
func (sm *StorageManager) TileCacheRead(key types.TileKey) ([]byte, bool) { return sm.cache.Read(key) }

// TileCacheWrite exposes the tile cache directly for tests and
// diagnostics.
func (sm *StorageManager) TileCacheWrite(key types.TileKey, buf []byte) { sm.cache.Insert(key, buf) }

// CreateObject creates a directory object (array root or group) at uri.
func (sm *StorageManager) CreateObject(uri string) error {
	if err := sm.vfs.CreateDir(uri); err != nil {
		return newErr("CreateObject", KindIOError, err)
	}
	return nil
}

// RemoveObject recursively removes the object rooted at uri.
func (sm *StorageManager) RemoveObject(uri string) error {
	if err := sm.vfs.Remove(uri); err != nil {
		return newErr("RemoveObject", KindIOError, err)
	}
	return nil
}

// MoveObject moves the object at oldURI to newURI.
func (sm *StorageManager) MoveObject(oldURI, newURI string) error {
	if err := sm.vfs.Move(oldURI, newURI); err != nil {
		return newErr("MoveObject", KindIOError, err)
	}
	return nil
}

// vfsLister adapts StorageManager to object.Lister so IterateObjects
// can reuse it without pkg/object importing internal/vfs.
type vfsLister struct{ sm *StorageManager }

func (l vfsLister) List(uri string) ([]string, error) { return l.sm.vfs.List(uri) }

func (l vfsLister) Classify(uri string) (object.Kind, error) {
	if ok, err := l.sm.vfs.IsFile(uri + "/" + types.SchemaFileName); err == nil && ok {
		return object.KindArray, nil
	}
	if ok, err := l.sm.vfs.IsDir(uri); err == nil && ok {
		return object.KindGroup, nil
	}
	return object.KindInvalid, nil
}

// IterateObjects walks the object hierarchy rooted at uri.
func (sm *StorageManager) IterateObjects(uri string, order object.Order, recursive bool) (*object.Iterator, error) {
	it, err := object.NewIterator(vfsLister{sm: sm}, uri, order, recursive)
	if err != nil {
		return nil, newErr("IterateObjects", KindIOError, err)
	}
	return it, nil
}

// Stats reports a point-in-time snapshot of cache occupancy and pool
// load.
func (sm *StorageManager) Stats() stats.Snapshot {
	collector := stats.New(sm.cache, sm.tilePool, sm.asyncPool, nil)
	return collector.Collect()
}
