// Package rest defines the boundary the Storage Manager uses to talk
// to a remote TileDB-Cloud-style REST server for arrays addressed by a
// "tiledb://" style URI. No transport is implemented here: Non-goals
// in the distilled spec exclude building the REST server itself, and
// the client side is an external collaborator's concern — this
// package only fixes the interface so a caller can inject a real
// implementation (e.g. over net/http) without the Storage Manager core
// importing net/http at all.
package rest

import (
	"context"

	"github.com/i5heu/gridstore/pkg/types"
)

// SerializationFormat selects how array schemas and fragment metadata
// are encoded over the wire.
type SerializationFormat string

const (
	SerializationCapnp SerializationFormat = "capnp"
	SerializationJSON  SerializationFormat = "json"
)

// Client is the surface a remote-array code path depends on. Config's
// RestServerAddress/RestSerializationFormat fields configure a
// concrete implementation of this interface; the Storage Manager never
// constructs one itself.
type Client interface {
	GetArraySchema(ctx context.Context, uri string) (types.ArraySchema, error)
	PostArraySchema(ctx context.Context, uri string, schema types.ArraySchema) error
	GetFragmentMetadata(ctx context.Context, uri string, timestamp int64) ([]types.FragmentMetadata, error)
}
