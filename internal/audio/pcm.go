package audio

import (
	"errors"
	"time"
)

// Capture runs at 16 kHz mono; the live service answers at 24 kHz mono.
const (
	CaptureRate  = 16000
	PlaybackRate = 24000
)

var ErrOddPCMLength = errors.New("pcm16 payload has odd length")

// FloatToPCM16LE converts normalized float samples to 16-bit little-endian
// PCM. Samples are clamped to [-1, 1] before scaling so hot capture input
// saturates instead of wrapping.
func FloatToPCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

// PCM16LEToFloat converts 16-bit little-endian PCM into normalized float
// samples (divide by 32768).
func PCM16LEToFloat(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddPCMLength
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		out[i] = float32(v) / 32768
	}
	return out, nil
}

// Duration returns the playback time of sampleCount mono samples at rate.
func Duration(sampleCount, rate int) time.Duration {
	if rate <= 0 || sampleCount <= 0 {
		return 0
	}
	return time.Duration(sampleCount) * time.Second / time.Duration(rate)
}
