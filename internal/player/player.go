package player

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lucafier/wrenchmate/internal/audio"
)

// Sink renders normalized mono samples at the player's sample rate. Exactly
// one sink is owned per player and it is released on Stop.
type Sink interface {
	Start() error
	WriteSamples(samples []float32) error
	Close() error
}

// Resumer is implemented by sinks whose output device can be suspended by
// the platform and needs an explicit kick.
type Resumer interface {
	Resume() error
}

var ErrStopped = errors.New("player already stopped")

type scheduledBuffer struct {
	start   time.Duration
	samples []float32
}

// Player schedules decoded PCM chunks back to back on its own output clock
// so streamed audio plays without gaps or overlaps. A player is single-use:
// after Stop a new instance must be constructed.
type Player struct {
	sink Sink
	rate int

	mu     sync.Mutex
	now    func() time.Duration
	next   time.Duration
	active bool

	queue  chan scheduledBuffer
	stopCh chan struct{}
	doneCh chan struct{}

	stopOnce sync.Once
}

func New(sink Sink, sampleRate int) *Player {
	if sampleRate <= 0 {
		sampleRate = audio.PlaybackRate
	}
	return &Player{
		sink:   sink,
		rate:   sampleRate,
		queue:  make(chan scheduledBuffer, 256),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Init opens the output device and starts the render loop. Call once,
// before the first Enqueue.
func (p *Player) Init() error {
	select {
	case <-p.stopCh:
		return ErrStopped
	default:
	}
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return nil
	}
	if err := p.sink.Start(); err != nil {
		p.mu.Unlock()
		return err
	}
	epoch := time.Now()
	if p.now == nil {
		p.now = func() time.Duration { return time.Since(epoch) }
	}
	p.active = true
	p.mu.Unlock()

	go p.run()
	return nil
}

// Enqueue decodes one PCM16LE chunk and schedules it for gapless playback.
// Malformed payloads are dropped with a warning; Enqueue never panics and
// never blocks message dispatch on playback.
func (p *Player) Enqueue(payload []byte) {
	samples, err := audio.PCM16LEToFloat(payload)
	if err != nil {
		log.Printf("player: dropping malformed audio chunk (%d bytes): %v", len(payload), err)
		return
	}
	if len(samples) == 0 {
		return
	}

	d := audio.Duration(len(samples), p.rate)
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	start := p.schedule(d)
	p.mu.Unlock()

	select {
	case p.queue <- scheduledBuffer{start: start, samples: samples}:
	case <-p.stopCh:
	default:
		// A stalled sink has filled the queue. Drop the chunk and give the
		// reserved slot back to the cursor so playback resumes contiguously
		// once the sink recovers.
		p.mu.Lock()
		if p.next == start+d {
			p.next = start
		}
		p.mu.Unlock()
		log.Printf("player: playback queue full, dropping %v of audio", d)
	}
}

// schedule advances the playback cursor and returns the start time for a
// buffer of the given duration. Caller holds p.mu.
//
// start = max(now, next) guarantees no overlap with the previous buffer;
// next = start + d keeps successive fast-arriving chunks contiguous. A
// consumer that fell behind gets its cursor reset to now instead of the
// player trying to catch up.
func (p *Player) schedule(d time.Duration) time.Duration {
	now := p.now()
	start := p.next
	if now > start {
		start = now
	}
	p.next = start + d
	return start
}

func (p *Player) run() {
	defer close(p.doneCh)
	for {
		select {
		case <-p.stopCh:
			return
		case buf := <-p.queue:
			p.mu.Lock()
			wait := buf.start - p.now()
			p.mu.Unlock()
			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-p.stopCh:
					return
				}
			}
			if err := p.sink.WriteSamples(buf.samples); err != nil {
				log.Printf("player: sink write failed: %v", err)
			}
		}
	}
}

// Resume kicks a suspended output device. No-op for sinks that never
// suspend.
func (p *Player) Resume() {
	if r, ok := p.sink.(Resumer); ok {
		if err := r.Resume(); err != nil {
			log.Printf("player: resume failed: %v", err)
		}
	}
}

// Stop releases the output device synchronously and resets the cursor. The
// player is not reusable afterwards.
func (p *Player) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		wasActive := p.active
		p.active = false
		p.next = 0
		p.mu.Unlock()
		close(p.stopCh)
		if !wasActive {
			// Init never ran; there is no render loop or open device.
			return
		}
		<-p.doneCh
		if err := p.sink.Close(); err != nil {
			log.Printf("player: sink close failed: %v", err)
		}
	})
}

// Active reports whether the player has been initialized and not stopped.
func (p *Player) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
