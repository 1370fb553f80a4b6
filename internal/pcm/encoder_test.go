package pcm

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestEncodeSample(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"full positive", 1, 32767},
		{"full negative", -1, -32768},
		{"clamp above", 1.5, 32767},
		{"clamp below", -3, -32768},
		{"half positive", 0.5, 16384},
		{"half negative", -0.5, -16384},
		{"small positive", 0.25, 8192},
		{"small negative", -0.25, -8192},
		{"nan", float32(math.NaN()), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EncodeSample(tt.in); got != tt.want {
				t.Errorf("EncodeSample(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestEncode_MatchesFormula(t *testing.T) {
	samples := make([]float32, BlockSize)
	for i := range samples {
		// sweep past both clamp limits
		samples[i] = float32(-1.2 + 2.4*float64(i)/float64(BlockSize-1))
	}

	out := Encode(samples)
	if len(out) != 2*len(samples) {
		t.Fatalf("Expected %d bytes, got %d", 2*len(samples), len(out))
	}

	for i, s := range samples {
		c := math.Max(-1, math.Min(1, float64(s)))
		var want int16
		if s < 0 {
			want = int16(math.Round(c * 32768))
		} else {
			want = int16(math.Round(c * 32767))
		}
		got := int16(binary.LittleEndian.Uint16(out[2*i:]))
		if got != want {
			t.Fatalf("sample %d (%v): got %d, want %d", i, s, got, want)
		}
	}
}

func TestEncode_LittleEndian(t *testing.T) {
	out := Encode([]float32{1, -1})
	want := []byte{0xff, 0x7f, 0x00, 0x80}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("byte %d: got %#x, want %#x", i, out[i], want[i])
		}
	}
}

func TestEncode_Empty(t *testing.T) {
	if out := Encode(nil); len(out) != 0 {
		t.Errorf("Expected empty output, got %d bytes", len(out))
	}
}
