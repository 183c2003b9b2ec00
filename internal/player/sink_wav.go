package player

import (
	"os"
	"sync"

	"github.com/lucafier/wrenchmate/internal/audio"
)

// WAVSink accumulates rendered samples and writes them out as a single WAV
// file on Close. Useful headless: the assistant's spoken answer can be
// replayed after the session.
type WAVSink struct {
	path       string
	sampleRate int

	mu  sync.Mutex
	pcm []byte
}

func NewWAVSink(path string, sampleRate int) *WAVSink {
	if sampleRate <= 0 {
		sampleRate = audio.PlaybackRate
	}
	return &WAVSink{path: path, sampleRate: sampleRate}
}

func (s *WAVSink) Start() error { return nil }

func (s *WAVSink) WriteSamples(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pcm = append(s.pcm, audio.FloatToPCM16LE(samples)...)
	return nil
}

func (s *WAVSink) Close() error {
	s.mu.Lock()
	pcm := s.pcm
	s.pcm = nil
	s.mu.Unlock()

	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	return audio.WriteWAVPCM16LETo(f, pcm, s.sampleRate)
}
