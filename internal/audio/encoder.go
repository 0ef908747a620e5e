package audio

import (
	"encoding/binary"
	"math"
)

// EncodeFrame converts one capture block of float samples in [-1,1] into
// little-endian signed 16-bit PCM via round(clamp(s)*32767). The clamp is
// symmetric; negative full scale maps to -32767, not -32768.
func EncodeFrame(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(math.Round(float64(s) * 32767))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}
