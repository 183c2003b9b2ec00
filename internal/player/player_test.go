package player

import (
	"sync"
	"testing"
	"time"

	"github.com/lucafier/wrenchmate/internal/audio"
)

type fakeSink struct {
	mu      sync.Mutex
	started bool
	closed  bool
	writes  [][]float32
	wrote   chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{wrote: make(chan struct{}, 64)}
}

func (s *fakeSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *fakeSink) WriteSamples(samples []float32) error {
	s.mu.Lock()
	s.writes = append(s.writes, samples)
	s.mu.Unlock()
	s.wrote <- struct{}{}
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func TestScheduleNeverOverlaps(t *testing.T) {
	p := New(newFakeSink(), audio.PlaybackRate)
	var clock time.Duration
	p.now = func() time.Duration { return clock }

	durations := []time.Duration{
		40 * time.Millisecond,
		10 * time.Millisecond,
		500 * time.Millisecond,
		5 * time.Millisecond,
	}
	arrivals := []time.Duration{0, 5 * time.Millisecond, 20 * time.Millisecond, 900 * time.Millisecond}

	var prevEnd time.Duration
	for i, d := range durations {
		clock = arrivals[i]
		start := p.schedule(d)
		if start < prevEnd {
			t.Fatalf("chunk %d starts at %v before previous end %v", i, start, prevEnd)
		}
		prevEnd = start + d
	}
}

func TestScheduleFasterThanRealTimeIsContiguous(t *testing.T) {
	p := New(newFakeSink(), audio.PlaybackRate)
	var clock time.Duration
	p.now = func() time.Duration { return clock }

	// All chunks arrive before the first one finishes playing.
	durations := []time.Duration{
		100 * time.Millisecond,
		70 * time.Millisecond,
		130 * time.Millisecond,
	}
	var total time.Duration
	var prevStart, prevDur time.Duration
	for i, d := range durations {
		start := p.schedule(d)
		if i > 0 && start != prevStart+prevDur {
			t.Fatalf("chunk %d start = %v, want contiguous %v", i, start, prevStart+prevDur)
		}
		prevStart, prevDur = start, d
		total += d
	}
	if p.next != total {
		t.Fatalf("cumulative scheduled duration = %v, want %v", p.next, total)
	}
}

func TestScheduleToleratesLateArrival(t *testing.T) {
	p := New(newFakeSink(), audio.PlaybackRate)
	var clock time.Duration
	p.now = func() time.Duration { return clock }

	first := p.schedule(20 * time.Millisecond)
	if first != 0 {
		t.Fatalf("first start = %v, want 0", first)
	}

	// Consumer fell behind: next chunk arrives well after playback drained.
	clock = 500 * time.Millisecond
	start := p.schedule(20 * time.Millisecond)
	if start != clock {
		t.Fatalf("late chunk start = %v, want reset to now %v", start, clock)
	}
}

func TestEnqueueRendersThroughSink(t *testing.T) {
	sink := newFakeSink()
	p := New(sink, audio.PlaybackRate)
	if err := p.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer p.Stop()

	if !p.Active() {
		t.Fatalf("player not active after Init")
	}

	p.Enqueue(audio.FloatToPCM16LE(make([]float32, 48))) // 2ms at 24kHz

	select {
	case <-sink.wrote:
	case <-time.After(time.Second):
		t.Fatalf("sink never received samples")
	}
}

func TestEnqueueDropsMalformedPayload(t *testing.T) {
	sink := newFakeSink()
	p := New(sink, audio.PlaybackRate)
	if err := p.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer p.Stop()

	p.Enqueue([]byte{1, 2, 3}) // odd length
	p.Enqueue(nil)

	select {
	case <-sink.wrote:
		t.Fatalf("malformed payload reached the sink")
	case <-time.After(50 * time.Millisecond):
	}
	if sink.writeCount() != 0 {
		t.Fatalf("writes = %d, want 0", sink.writeCount())
	}
}

// gatedSink blocks every write until the gate is opened, simulating an
// output process that stopped draining.
type gatedSink struct {
	fakeSink
	gate chan struct{}
}

func (s *gatedSink) WriteSamples(samples []float32) error {
	<-s.gate
	return s.fakeSink.WriteSamples(samples)
}

func TestEnqueueNeverBlocksWhenSinkStalls(t *testing.T) {
	sink := &gatedSink{fakeSink: fakeSink{wrote: make(chan struct{}, 1024)}, gate: make(chan struct{})}
	p := New(sink, audio.PlaybackRate)
	if err := p.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	chunk := audio.FloatToPCM16LE(make([]float32, 48))
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Render loop is stuck on the first chunk; overfill the queue.
		for i := 0; i < cap(p.queue)+10; i++ {
			p.Enqueue(chunk)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Enqueue blocked on a stalled sink")
	}

	close(sink.gate)
	p.Stop()
}

func TestStopReleasesSinkAndResetsCursor(t *testing.T) {
	sink := newFakeSink()
	p := New(sink, audio.PlaybackRate)
	if err := p.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	p.Enqueue(audio.FloatToPCM16LE(make([]float32, 48)))
	p.Stop()

	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	if !closed {
		t.Fatalf("sink not closed on Stop")
	}
	if p.Active() {
		t.Fatalf("player still active after Stop")
	}
	p.mu.Lock()
	next := p.next
	p.mu.Unlock()
	if next != 0 {
		t.Fatalf("cursor = %v after Stop, want 0", next)
	}

	// Enqueue after Stop is a no-op, and Stop stays idempotent.
	p.Enqueue(audio.FloatToPCM16LE(make([]float32, 48)))
	p.Stop()
}

func TestStopBeforeInitIsSafe(t *testing.T) {
	sink := newFakeSink()
	p := New(sink, audio.PlaybackRate)
	p.Stop()

	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	if closed {
		t.Fatalf("sink closed without ever being started")
	}
	if err := p.Init(); err == nil {
		t.Fatalf("Init() after Stop should fail")
	}
}
