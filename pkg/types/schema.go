// Package types holds the plain data structures shared across the
// storage manager: array schemas, dimensions, attributes, and the
// filter-pipeline configuration attached to each attribute. None of
// these types carry behavior beyond validation — the tile codec and
// the query executor's per-tile math are external collaborators that
// consume these structures.
package types

import "fmt"

// Datatype enumerates the cell datatypes a Dimension or Attribute may
// declare. The list covers the fixed-width numeric types a dense or
// sparse array commonly needs; richer variable-length types are left
// to the schema-parsing collaborator.
type Datatype int

const (
	DatatypeInt32 Datatype = iota
	DatatypeInt64
	DatatypeUint32
	DatatypeUint64
	DatatypeFloat32
	DatatypeFloat64
)

// ByteSize returns the fixed width in bytes of one cell of d.
func (d Datatype) ByteSize() int {
	switch d {
	case DatatypeInt32, DatatypeUint32, DatatypeFloat32:
		return 4
	case DatatypeInt64, DatatypeUint64, DatatypeFloat64:
		return 8
	default:
		return 0
	}
}

func (d Datatype) String() string {
	switch d {
	case DatatypeInt32:
		return "int32"
	case DatatypeInt64:
		return "int64"
	case DatatypeUint32:
		return "uint32"
	case DatatypeUint64:
		return "uint64"
	case DatatypeFloat32:
		return "float32"
	case DatatypeFloat64:
		return "float64"
	default:
		return "unknown"
	}
}

// Layout enumerates the tile/cell ordering an array schema declares.
type Layout int

const (
	LayoutRowMajor Layout = iota
	LayoutColMajor
)

// Dimension describes one axis of an array's domain: its name, scalar
// type, inclusive [Min,Max] range, and the tile extent that partitions
// that range into tiles.
type Dimension struct {
	Name       string
	Type       Datatype
	Min        int64
	Max        int64
	TileExtent int64
}

func (d Dimension) validate() error {
	if d.Name == "" {
		return fmt.Errorf("dimension: name is required")
	}
	if d.Max < d.Min {
		return fmt.Errorf("dimension %q: max %d < min %d", d.Name, d.Max, d.Min)
	}
	if d.TileExtent <= 0 {
		return fmt.Errorf("dimension %q: tile extent must be positive", d.Name)
	}
	return nil
}

// Domain returns the number of distinct coordinate values along this
// dimension.
func (d Dimension) Domain() int64 { return d.Max - d.Min + 1 }

// Attribute describes one stored value per cell: its name, scalar
// type, how many values of that type make up one cell, and the
// filter pipeline applied to its tiles before they hit the VFS.
type Attribute struct {
	Name          string
	Type          Datatype
	CellsPerValue int
	Filters       []FilterConfig
}

func (a Attribute) validate() error {
	if a.Name == "" {
		return fmt.Errorf("attribute: name is required")
	}
	if a.CellsPerValue <= 0 {
		return fmt.Errorf("attribute %q: cells-per-value must be positive", a.Name)
	}
	return nil
}

// FilterConfig names a filter in an attribute's pipeline plus its
// level/parameter, kept generic so pkg/filter can resolve it without
// pkg/types importing pkg/filter back.
type FilterConfig struct {
	Name  string
	Level int
}

// ArraySchema is immutable once created: dimensions, attributes, tile
// and cell order, write capacity, and the encryption validation
// parameters (section 3/4.D). Callers never mutate a loaded schema in
// place — a new ArraySchema is the unit of schema versioning.
type ArraySchema struct {
	Dimensions []Dimension
	Attributes []Attribute
	TileOrder  Layout
	CellOrder  Layout
	Capacity   uint64
	Sparse     bool

	// EncryptionValidation is the record written at array-create time
	// that every subsequent open's key is checked against (section 4.D).
	// Nil means the array was created unencrypted.
	EncryptionValidation *EncryptionRecord
}

// Validate checks the internal consistency of the schema: at least one
// dimension and attribute, well-formed ranges, and non-zero capacity
// for sparse arrays (dense arrays derive capacity from tile extents).
func (s ArraySchema) Validate() error {
	if len(s.Dimensions) == 0 {
		return fmt.Errorf("array schema: at least one dimension is required")
	}
	if len(s.Attributes) == 0 {
		return fmt.Errorf("array schema: at least one attribute is required")
	}
	seen := make(map[string]struct{}, len(s.Dimensions))
	for _, d := range s.Dimensions {
		if err := d.validate(); err != nil {
			return err
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("array schema: duplicate dimension name %q", d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	attrSeen := make(map[string]struct{}, len(s.Attributes))
	for _, a := range s.Attributes {
		if err := a.validate(); err != nil {
			return err
		}
		if _, dup := attrSeen[a.Name]; dup {
			return fmt.Errorf("array schema: duplicate attribute name %q", a.Name)
		}
		attrSeen[a.Name] = struct{}{}
	}
	if s.Sparse && s.Capacity == 0 {
		return fmt.Errorf("array schema: sparse arrays require a non-zero capacity")
	}
	return nil
}

// TileCount returns the number of tiles a dense array schema
// partitions its domain into. It panics if called on a sparse schema
// since sparse arrays have no fixed tile grid — callers must check
// Sparse first.
func (s ArraySchema) TileCount() int64 {
	if s.Sparse {
		panic("types: TileCount is undefined for a sparse array schema")
	}
	total := int64(1)
	for _, d := range s.Dimensions {
		tiles := (d.Domain() + d.TileExtent - 1) / d.TileExtent
		total *= tiles
	}
	return total
}

// EncryptionRecord is the stored validation token checked on every
// open (section 4.D's "key validation policy"). It never stores the
// key itself, only a value derivable from it so a mismatch can be
// detected without keeping the plaintext key resident.
type EncryptionRecord struct {
	Salt   []byte
	Digest []byte
}
