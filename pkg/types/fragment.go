package types

import (
	"fmt"
	"strconv"
	"strings"
)

// FinalizationMarkerName is the file whose presence inside a fragment
// directory proves the fragment's write is complete and visible
// (section 6's "A fragment is complete iff it contains a finalization
// marker file"). The ancestor project named its own per-unit markers
// with a leading double underscore (`__fragment_metadata.tdb`-style);
// this repo keeps that convention.
const FinalizationMarkerName = "__fragment_metadata.gs"

// SchemaFileName is the single schema file inside an array directory.
const SchemaFileName = "__array_schema.gs"

// CurrentFormatVersion is the format version this engine writes new
// fragments with. Reads accept any version in SupportedFormatVersions.
const CurrentFormatVersion = 1

// SupportedFormatVersions lists every fragment format version this
// engine understands. A fragment whose version falls outside this set
// is skipped by the Fragment Index (invariant 4); the skip is silent
// and no KindUnsupportedVersion error is returned.
var SupportedFormatVersions = map[int]struct{}{1: {}}

// FragmentName identifies a fragment directory's three encoded parts:
// a unique id, a creation timestamp in milliseconds since the Unix
// epoch, and a format version (section 3).
type FragmentName struct {
	UUID      string
	TimestampMs int64
	Version   int
}

// String formats the fragment directory name as
// `__<uuid>_<timestamp_ms>_<version>`, the on-disk format spelled out
// in section 6. This is a delimited string, not a packed binary
// encoding — the same choice the ancestor project's WAL made for its
// own index keys (wal:chunk:<hash>, wal:vertex:<hash>) rather than
// packing fields into fixed-width binary.
func (f FragmentName) String() string {
	return fmt.Sprintf("__%s_%d_%d", f.UUID, f.TimestampMs, f.Version)
}

// ParseFragmentName parses a fragment directory's base name back into
// its three parts. It returns an error for any name that does not
// match the `__<uuid>_<timestamp_ms>_<version>` shape; callers treat a
// parse failure as "not a fragment directory", not a hard error.
func ParseFragmentName(name string) (FragmentName, error) {
	if !strings.HasPrefix(name, "__") {
		return FragmentName{}, fmt.Errorf("fragment name %q: missing __ prefix", name)
	}
	parts := strings.Split(name[2:], "_")
	if len(parts) != 3 {
		return FragmentName{}, fmt.Errorf("fragment name %q: expected 3 underscore-delimited parts, got %d", name, len(parts))
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return FragmentName{}, fmt.Errorf("fragment name %q: bad timestamp: %w", name, err)
	}
	version, err := strconv.Atoi(parts[2])
	if err != nil {
		return FragmentName{}, fmt.Errorf("fragment name %q: bad version: %w", name, err)
	}
	return FragmentName{UUID: parts[0], TimestampMs: ts, Version: version}, nil
}

// TileRegion is one attribute's tile: its byte offset and length
// within that attribute's data file, plus how many cells it holds.
type TileRegion struct {
	Offset    uint64
	Size      uint64
	CellCount uint64
}

// DimRange is one dimension's non-empty domain within a fragment:
// the inclusive [Min,Max] range of coordinate values the fragment
// actually wrote, which may be narrower than the array schema's
// declared domain.
type DimRange struct {
	Min int64
	Max int64
}

// FragmentMetadata is the cached, in-memory index of one fragment:
// its non-empty domain, per-tile offsets/sizes for every attribute,
// total cell count, and a back-pointer to its URI (section 3).
// It is handled by value: each OpenArray holds its own slice of
// FragmentMetadata and FragmentInfo returns a copy of it.
type FragmentMetadata struct {
	URI        string
	Name       FragmentName
	NonEmptyDomain []DimRange
	Tiles      map[string][]TileRegion // attribute name -> ordered tiles
	CellCount  uint64
}

// AttributeDataFileName returns the on-disk file name holding the
// tile bytes for the named attribute within a fragment directory.
func AttributeDataFileName(attribute string) string {
	return fmt.Sprintf("%s.data", attribute)
}
