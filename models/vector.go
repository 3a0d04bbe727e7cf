package models

import (
	"encoding/binary"
	"math"
)

// EncodeVector packs a float32 vector into a little-endian BLOB, 4 bytes per component.
func EncodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector. Trailing bytes that do not form
// a whole component are ignored.
func DecodeVector(data []byte) []float32 {
	if len(data) < 4 {
		return nil
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}
