package capture

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/lucafier/wrenchmate/internal/protocol"
)

func TestEncodeFrameDownscalesToWidthCap(t *testing.T) {
	src := &TestPatternFrameSource{Width: 1280, Height: 720}
	data, err := EncodeFrame(src)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("emitted frame is not a JPEG: %v", err)
	}
	if cfg.Width != FrameMaxWidth {
		t.Fatalf("width = %d, want %d", cfg.Width, FrameMaxWidth)
	}
	if cfg.Height != 360 {
		t.Fatalf("height = %d, want 360 (aspect preserved)", cfg.Height)
	}
}

func TestEncodeFrameKeepsSmallFrames(t *testing.T) {
	src := &TestPatternFrameSource{Width: 320, Height: 240}
	data, err := EncodeFrame(src)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.Width != 320 || cfg.Height != 240 {
		t.Fatalf("dims = %dx%d, want 320x240 untouched", cfg.Width, cfg.Height)
	}
}

func TestEncodeFrameSkipsNotReadySource(t *testing.T) {
	src := &TestPatternFrameSource{Width: 0, Height: 0}
	_, err := EncodeFrame(src)
	if !errors.Is(err, ErrFrameNotReady) {
		t.Fatalf("error = %v, want ErrFrameNotReady", err)
	}
}

type countingFrameSource struct {
	mu    sync.Mutex
	calls int
}

func (s *countingFrameSource) Frame() (image.Image, bool) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return image.NewRGBA(image.Rect(0, 0, 32, 32)), true
}

func TestFrameLoopEmitsOnEachTick(t *testing.T) {
	src := &countingFrameSource{}
	token := NewToken()
	chunks, emit, mu := collectChunks()

	l := NewFrameLoop(src, token, emit)
	l.interval = 20 * time.Millisecond
	l.StartLoop()
	time.Sleep(110 * time.Millisecond)
	l.StopLoop()
	<-l.doneCh

	mu.Lock()
	n := len(*chunks)
	first := protocol.MediaChunk{}
	if n > 0 {
		first = (*chunks)[0]
	}
	mu.Unlock()

	if n < 3 || n > 7 {
		t.Fatalf("chunks = %d over ~5 intervals, want steady cadence", n)
	}
	if first.MIMEType != VideoMIMEType {
		t.Fatalf("mime = %q, want %q", first.MIMEType, VideoMIMEType)
	}
}

func TestFrameLoopTickHonorsCancelledToken(t *testing.T) {
	src := &countingFrameSource{}
	token := NewToken()
	chunks, emit, mu := collectChunks()

	l := NewFrameLoop(src, token, emit)
	token.Cancel()
	// Simulate the race: a tick already dispatched when stop was requested.
	l.tick()

	mu.Lock()
	defer mu.Unlock()
	if len(*chunks) != 0 {
		t.Fatalf("chunks = %d after cancel, want 0", len(*chunks))
	}
}

func TestFrameLoopStopIsIdempotent(t *testing.T) {
	l := NewFrameLoop(&countingFrameSource{}, NewToken(), func(protocol.MediaChunk) {})
	l.StartLoop()
	l.StopLoop()
	l.StopLoop()
	<-l.doneCh
}
