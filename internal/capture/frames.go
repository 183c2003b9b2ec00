package capture

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"log"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/lucafier/wrenchmate/internal/protocol"
)

const (
	// FrameInterval is how often a snapshot is taken in stream mode.
	FrameInterval = time.Second
	// FrameMaxWidth caps snapshot width; height scales to preserve aspect.
	FrameMaxWidth = 640
	// FrameJPEGQuality on jpeg's 1-100 scale (0.8 in normalized terms).
	FrameJPEGQuality = 80

	VideoMIMEType = "image/jpeg"
)

var ErrFrameNotReady = errors.New("video source has no frame yet")

// FrameSource exposes the live video feed. Frame returns ok=false while the
// source has zero dimensions (camera warming up); that tick is skipped.
type FrameSource interface {
	Frame() (img image.Image, ok bool)
}

// EncodeFrame downsamples one frame to at most FrameMaxWidth wide and
// encodes it as JPEG.
func EncodeFrame(src FrameSource) ([]byte, error) {
	img, ok := src.Frame()
	if !ok || img == nil {
		return nil, ErrFrameNotReady
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, ErrFrameNotReady
	}

	if w > FrameMaxWidth {
		scaled := image.NewRGBA(image.Rect(0, 0, FrameMaxWidth, h*FrameMaxWidth/w))
		xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, b, xdraw.Over, nil)
		img = scaled
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: FrameJPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FrameLoop samples the video source on a fixed period and emits each
// snapshot as a video chunk. Only the session controller starts it, and only
// once the remote side has acknowledged setup.
type FrameLoop struct {
	source   FrameSource
	token    *Token
	emit     func(protocol.MediaChunk)
	interval time.Duration

	stopCh   chan struct{}
	doneCh   chan struct{}
	once     sync.Once
	stopOnce sync.Once
}

func NewFrameLoop(source FrameSource, token *Token, emit func(protocol.MediaChunk)) *FrameLoop {
	return &FrameLoop{
		source:   source,
		token:    token,
		emit:     emit,
		interval: FrameInterval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (l *FrameLoop) StartLoop() {
	l.once.Do(func() {
		go l.run()
	})
}

func (l *FrameLoop) StopLoop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *FrameLoop) run() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

// tick grabs, scales and emits one frame. The token is checked inside the
// callback so a final frame cannot slip out between a stop request and the
// ticker being cancelled.
func (l *FrameLoop) tick() {
	if !l.token.Active() {
		return
	}
	data, err := EncodeFrame(l.source)
	if err != nil {
		if !errors.Is(err, ErrFrameNotReady) {
			log.Printf("capture: frame encode failed: %v", err)
		}
		return
	}
	if !l.token.Active() {
		return
	}
	l.emit(protocol.MediaChunk{MIMEType: VideoMIMEType, Data: data})
}
