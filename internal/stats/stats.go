// Package stats aggregates a point-in-time snapshot of the Storage
// Manager's internals (open arrays, tile cache occupancy, query pool
// load) into one struct, the way the ancestor's internal/health
// package rolled per-node status into a single ClusterHealth snapshot
// on each call rather than maintaining one live aggregate struct.
package stats

import (
	"github.com/i5heu/gridstore/internal/admission"
	"github.com/i5heu/gridstore/internal/tilecache"
)

// Snapshot is the Storage Manager's health/load report at the moment
// Collect was called.
type Snapshot struct {
	OpenArrays     int
	TileCache      tilecache.Stats
	ReadsInFlight  int64
	WritesInFlight int64
	AsyncInFlight  int64
}

// Collector pulls a Snapshot together from the subsystems that track
// their own counters. tilePool is the intra-query reader/writer pool
// (section 4.F); asyncPool is the whole-query async scheduling pool.
type Collector struct {
	cache      *tilecache.Cache
	tilePool   *admission.Pool
	asyncPool  *admission.AsyncPool
	openArrays func() int
}

// New builds a Collector.
func New(cache *tilecache.Cache, tilePool *admission.Pool, asyncPool *admission.AsyncPool, openArrays func() int) *Collector {
	return &Collector{cache: cache, tilePool: tilePool, asyncPool: asyncPool, openArrays: openArrays}
}

// Collect gathers a fresh Snapshot. It never blocks on any subsystem's
// internal lock for longer than that subsystem's own stats call does.
func (c *Collector) Collect() Snapshot {
	snap := Snapshot{}
	if c.cache != nil {
		snap.TileCache = c.cache.Stats()
	}
	if c.tilePool != nil {
		snap.ReadsInFlight = c.tilePool.ReadInFlightCount()
		snap.WritesInFlight = c.tilePool.WriteInFlightCount()
	}
	if c.asyncPool != nil {
		snap.AsyncInFlight = c.asyncPool.InFlightCount()
	}
	if c.openArrays != nil {
		snap.OpenArrays = c.openArrays()
	}
	return snap
}
