package filter

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// FastCompressFilter compresses tile bytes with zstd, the
// ancestor project's own compression dependency (klauspost/compress,
// promoted here from an indirect badger dependency to a direct,
// directly-exercised one).
type FastCompressFilter struct {
	level zstd.EncoderLevel
}

// NewFastCompressFilter builds a FastCompressFilter. level follows
// zstd's EncoderLevel numbering (1 = fastest, 4 = best); values
// outside that range clamp to the nearest bound.
func NewFastCompressFilter(level int) *FastCompressFilter {
	l := zstd.EncoderLevel(level)
	if l < zstd.SpeedFastest {
		l = zstd.SpeedFastest
	}
	if l > zstd.SpeedBestCompression {
		l = zstd.SpeedBestCompression
	}
	return &FastCompressFilter{level: l}
}

func (f *FastCompressFilter) Name() string { return "compress-fast" }

func (f *FastCompressFilter) Encode(tile []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(f.level))
	if err != nil {
		return nil, fmt.Errorf("zstd: new encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(tile, nil), nil
}

func (f *FastCompressFilter) Decode(encoded []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: new decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(encoded, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: decode: %w", err)
	}
	return out, nil
}

// drainReader reads r fully, used by filters built on io.Reader-based
// codecs (xz) rather than the all-at-once zstd API.
func drainReader(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
