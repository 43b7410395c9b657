package filter

import (
	"bytes"
	"encoding/binary"
	"fmt"

	rs "github.com/klauspost/reedsolomon"
)

// ErasureFilter erasure-codes a tile into k data shards plus p parity
// shards and concatenates them with a small header. Decode hands every
// stored shard to Reconstruct as present and does not verify any of
// them, so a corrupted shard is neither detected nor repaired; the
// parity shards are written but not used on decode.
// This generalizes the ancestor project's block-level
// internal/erasure.EncodeBlock/DecodeBlock (which erasure-coded whole
// gob-encoded Blocks) down to the tile level.
type ErasureFilter struct {
	dataShards   int
	parityShards int
}

// NewErasureFilter builds an ErasureFilter. level packs k and p as
// level = k*256 + p so the single int registered in a schema's
// FilterConfig.Level can carry both; k defaults to 4 and p to 2 when
// level is zero.
func NewErasureFilter(level int) (*ErasureFilter, error) {
	k, p := 4, 2
	if level != 0 {
		k = level / 256
		p = level % 256
	}
	if k <= 0 {
		return nil, fmt.Errorf("erasure filter: data shards (k=%d) must be > 0", k)
	}
	return &ErasureFilter{dataShards: k, parityShards: p}, nil
}

func (f *ErasureFilter) Name() string { return "erasure" }

// erasureHeader is written ahead of the encoded shards so Decode can
// recover the original tile length and shard count without external
// bookkeeping.
type erasureHeader struct {
	OriginalSize uint64
	DataShards   uint16
	ParityShards uint16
}

const erasureHeaderSize = 8 + 2 + 2

func (f *ErasureFilter) Encode(tile []byte) ([]byte, error) {
	enc, err := rs.New(f.dataShards, f.parityShards)
	if err != nil {
		return nil, fmt.Errorf("reedsolomon: new: %w", err)
	}

	shards, err := enc.Split(tile)
	if err != nil {
		return nil, fmt.Errorf("reedsolomon: split: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("reedsolomon: encode: %w", err)
	}

	var out bytes.Buffer
	hdr := erasureHeader{
		OriginalSize: uint64(len(tile)),
		DataShards:   uint16(f.dataShards),
		ParityShards: uint16(f.parityShards),
	}
	if err := binary.Write(&out, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("erasure filter: write header: %w", err)
	}
	shardLen := uint64(len(shards[0]))
	if err := binary.Write(&out, binary.LittleEndian, shardLen); err != nil {
		return nil, fmt.Errorf("erasure filter: write shard length: %w", err)
	}
	for _, shard := range shards {
		out.Write(shard)
	}
	return out.Bytes(), nil
}

func (f *ErasureFilter) Decode(encoded []byte) ([]byte, error) {
	r := bytes.NewReader(encoded)

	var hdr erasureHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("erasure filter: read header: %w", err)
	}
	var shardLen uint64
	if err := binary.Read(r, binary.LittleEndian, &shardLen); err != nil {
		return nil, fmt.Errorf("erasure filter: read shard length: %w", err)
	}

	total := int(hdr.DataShards) + int(hdr.ParityShards)
	shards := make([][]byte, total)
	for i := range shards {
		shard := make([]byte, shardLen)
		n, err := r.Read(shard)
		if err != nil && n != int(shardLen) {
			return nil, fmt.Errorf("erasure filter: read shard %d: %w", i, err)
		}
		shards[i] = shard
	}

	enc, err := rs.New(int(hdr.DataShards), int(hdr.ParityShards))
	if err != nil {
		return nil, fmt.Errorf("reedsolomon: new: %w", err)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("reedsolomon: reconstruct: %w", err)
	}

	var out bytes.Buffer
	for i := 0; i < int(hdr.DataShards); i++ {
		out.Write(shards[i])
	}
	return out.Bytes()[:hdr.OriginalSize], nil
}
