// Package pcm converts captured float samples into the 16-bit wire format
// the analysis backend decodes.
package pcm

import (
	"encoding/binary"
	"math"
)

// BlockSize is the number of samples captured and sent per message
const BlockSize = 4096

// Encode converts samples in [-1, 1] into signed 16-bit little-endian PCM.
// Negative samples scale by 32768 and non-negative ones by 32767; the backend
// decoder depends on that asymmetry.
func Encode(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(EncodeSample(s)))
	}
	return out
}

// EncodeSample converts a single sample
func EncodeSample(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}
