package filter

import (
	"bytes"
	"fmt"

	"github.com/ulikunitz/xz"
)

// XZFilter compresses tile bytes with xz, trading encode speed for a
// smaller footprint — the attribute pipeline's "strong compression"
// option alongside FastCompressFilter's zstd.
type XZFilter struct {
	// preset is retained for parity with the schema's FilterConfig.Level
	// even though the xz package exposes no preset knob beyond its
	// default writer; kept so a future xz version upgrade has somewhere
	// to plug a preset without changing the Filter interface.
	preset int
}

// NewXZFilter builds an XZFilter. level is stored but unused by the
// current xz encoder, which only exposes its default compression
// profile.
func NewXZFilter(level int) *XZFilter { return &XZFilter{preset: level} }

func (f *XZFilter) Name() string { return "compress-xz" }

func (f *XZFilter) Encode(tile []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("xz: new writer: %w", err)
	}
	if _, err := w.Write(tile); err != nil {
		w.Close()
		return nil, fmt.Errorf("xz: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("xz: close: %w", err)
	}
	return buf.Bytes(), nil
}

func (f *XZFilter) Decode(encoded []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("xz: new reader: %w", err)
	}
	return drainReader(r)
}
