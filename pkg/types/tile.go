package types

// TileKey identifies a cached tile: a contiguous byte run at a known
// offset in an attribute file (section 3's "Tile"). It is a value
// type so it can be used directly as a map key by the tile cache.
type TileKey struct {
	URI    string
	Offset uint64
}
