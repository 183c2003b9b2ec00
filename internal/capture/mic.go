package capture

import (
	"fmt"
	"sync"

	"github.com/lucafier/wrenchmate/internal/audio"
	"github.com/lucafier/wrenchmate/internal/protocol"
)

// AudioBufferSamples is the fixed emission size: one outbound chunk per
// 2048 captured samples (128ms at 16kHz).
const AudioBufferSamples = 2048

// AudioMIMEType describes the encoded mic chunks.
const AudioMIMEType = "audio/pcm;rate=16000"

// SourceOptions are requested from the capture device best-effort; not all
// hardware honors them.
type SourceOptions struct {
	SampleRate       int
	EchoCancellation bool
	NoiseSuppression bool
}

// MicSource delivers mono float samples from a microphone. Acquisition and
// permission flow live behind this interface; deliver is invoked serially
// from the device's capture callback.
type MicSource interface {
	Start(opts SourceOptions, deliver func(samples []float32)) error
	Stop() error
}

// MicPipeline buffers mic samples into fixed-size frames, converts them to
// PCM16 and pushes each full frame to emit synchronously. There is no queue
// beyond the one buffer being filled.
type MicPipeline struct {
	source MicSource
	token  *Token
	emit   func(protocol.MediaChunk)

	mu  sync.Mutex
	buf []float32
}

func NewMicPipeline(source MicSource, token *Token, emit func(protocol.MediaChunk)) *MicPipeline {
	return &MicPipeline{
		source: source,
		token:  token,
		emit:   emit,
		buf:    make([]float32, 0, AudioBufferSamples),
	}
}

// Start acquires the microphone. A failure here is fatal for the session.
func (p *MicPipeline) Start() error {
	opts := SourceOptions{
		SampleRate:       audio.CaptureRate,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
	if err := p.source.Start(opts, p.onSamples); err != nil {
		return fmt.Errorf("acquire microphone: %w", err)
	}
	return nil
}

// Stop releases the microphone. Callbacks still in flight are discarded by
// the token check in onSamples.
func (p *MicPipeline) Stop() {
	_ = p.source.Stop()
}

func (p *MicPipeline) onSamples(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(samples) > 0 {
		n := AudioBufferSamples - len(p.buf)
		if n > len(samples) {
			n = len(samples)
		}
		p.buf = append(p.buf, samples[:n]...)
		samples = samples[n:]

		if len(p.buf) < AudioBufferSamples {
			return
		}
		frame := p.buf
		p.buf = make([]float32, 0, AudioBufferSamples)

		// Emission guard: hardware callbacks can outlive a stop request.
		if !p.token.Active() {
			continue
		}
		p.emit(protocol.MediaChunk{MIMEType: AudioMIMEType, Data: audio.FloatToPCM16LE(frame)})
	}
}
