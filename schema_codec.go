package gridstore

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/i5heu/gridstore/pkg/types"
)

// encodeSchema/decodeSchema persist an ArraySchema with encoding/gob,
// the same serialization the ancestor project used for its WAL
// entries and block messages (internal/wal, internal/carrier).
func encodeSchema(schema types.ArraySchema) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(schema); err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSchema(raw []byte) (types.ArraySchema, error) {
	var schema types.ArraySchema
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&schema); err != nil {
		return types.ArraySchema{}, fmt.Errorf("decode schema: %w", err)
	}
	return schema, nil
}
