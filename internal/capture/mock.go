package capture

import (
	"image"
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/lucafier/wrenchmate/internal/audio"
)

// Mock sources let the daemon run end to end on machines with no camera or
// microphone wired up (CAPTURE_SOURCE=mock).

// SineMicSource delivers a steady tone at the capture rate, paced roughly in
// real time.
type SineMicSource struct {
	Freq float64
	Amp  float64

	mu     sync.Mutex
	stopCh chan struct{}
}

func NewSineMicSource() *SineMicSource {
	return &SineMicSource{Freq: 440, Amp: 0.2}
}

func (s *SineMicSource) Start(opts SourceOptions, deliver func(samples []float32)) error {
	rate := opts.SampleRate
	if rate <= 0 {
		rate = audio.CaptureRate
	}

	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	const blockSamples = 512
	interval := audio.Duration(blockSamples, rate)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var phase float64
		step := 2 * math.Pi * s.Freq / float64(rate)
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				block := make([]float32, blockSamples)
				for i := range block {
					block[i] = float32(s.Amp * math.Sin(phase))
					phase += step
				}
				deliver(block)
			}
		}
	}()
	return nil
}

func (s *SineMicSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	return nil
}

// TestPatternFrameSource yields a fixed-size gradient image, standing in for
// a camera preview.
type TestPatternFrameSource struct {
	Width  int
	Height int
}

func NewTestPatternFrameSource() *TestPatternFrameSource {
	return &TestPatternFrameSource{Width: 1280, Height: 720}
}

func (s *TestPatternFrameSource) Frame() (image.Image, bool) {
	if s.Width <= 0 || s.Height <= 0 {
		return nil, false
	}
	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / s.Width),
				G: uint8(y * 255 / s.Height),
				B: 0x40,
				A: 0xff,
			})
		}
	}
	return img, true
}
