package catalog

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// encodeVector encodes a float32 slice as a binary blob for sqlite-vec.
// Uses little-endian encoding as expected by sqlite-vec.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		// Should never happen with bytes.Buffer
		return nil
	}
	return buf.Bytes()
}

// decodeVector decodes a little-endian float32 blob back into a slice.
// A nil or empty blob decodes to nil (no cached vector).
func decodeVector(blob []byte) ([]float32, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, vec); err != nil {
		return nil, fmt.Errorf("failed to decode vector blob: %w", err)
	}
	return vec, nil
}
