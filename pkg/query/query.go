// Package query defines the Query abstraction the Storage Manager runs
// inline (SubmitQuery) or on its async-query pool (SubmitQueryAsync).
// The Storage Manager only needs
// to run a Query to completion and hand back its Result; how a Query
// actually walks tiles and applies the attribute filter pipeline is an
// external collaborator's concern, kept behind this boundary so the
// admission pool never has to know about cell layouts or subarrays.
package query

import (
	"context"

	"github.com/i5heu/gridstore/pkg/types"
)

// Layout selects the cell order results are returned in, independent
// of the array's own on-disk tile/cell order.
type Layout = types.Layout

// Subarray restricts a query to a hyperrectangle of the array's
// domain, one DimRange per dimension in schema order.
type Subarray []types.DimRange

// Result holds one query's output: one []byte buffer per requested
// attribute, already passed back through the attribute filter
// pipeline's Decode direction.
type Result struct {
	Buffers map[string][]byte
	// CellsWritten is populated for write queries (Non-goals in the
	// distilled spec keep this query layer minimal; the count still
	// matters for partial-buffer retry logic callers may implement).
	CellsWritten uint64
}

// Executor runs one Query to completion. The Storage Manager holds an
// Executor and calls Run on the caller's goroutine for SubmitQuery and
// on an async-pool worker for SubmitQueryAsync; Run must honor ctx
// cancellation so CancelAllTasks can
// stop it promptly.
type Executor interface {
	Run(ctx context.Context, q Query) (Result, error)
}

// Mode is whether a Query reads or writes.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// Query is the unit of work submitted to the Storage Manager: a
// subarray plus the attributes to fetch or the buffers to write.
type Query struct {
	ArrayURI   string
	Mode       Mode
	Subarray   Subarray
	Attributes []string
	Layout     Layout

	// Key validates against the array's EncryptionValidation record, the
	// same key OpenForReads/OpenForWrites take.
	Key []byte

	// Schema is populated by the Storage Manager from the array's stored
	// schema before Run is called; an Executor uses it to resolve each
	// attribute's filter pipeline. Callers submitting a Query never set
	// this themselves.
	Schema types.ArraySchema

	// Timestamp pins a read query to the snapshot visible at or before
	// this many milliseconds since the Unix epoch; zero means latest.
	Timestamp int64

	// WriteBuffers holds caller-supplied cell data for write queries,
	// one buffer per attribute in Attributes.
	WriteBuffers map[string][]byte
}
