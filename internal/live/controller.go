package live

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lucafier/wrenchmate/internal/capture"
	"github.com/lucafier/wrenchmate/internal/observability"
	"github.com/lucafier/wrenchmate/internal/protocol"
)

// State of the live session machine.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateListening  State = "listening"
	StateError      State = "error"
)

// Mode selects how video reaches the model: a 1Hz snapshot loop, or explicit
// single frames pushed by the caller.
type Mode string

const (
	ModeStream Mode = "stream"
	ModeStatic Mode = "static"
)

var (
	ErrNoCredential   = errors.New("live service api key is not configured")
	ErrAlreadyStarted = errors.New("live session already started")
	ErrConnection     = errors.New("live service connection failed")
	ErrStopped        = errors.New("live session stopped")
)

// Renderer is the playback side owned by the controller for the session's
// lifetime. Satisfied by player.Player.
type Renderer interface {
	Init() error
	Enqueue(payload []byte)
	Stop()
	Active() bool
}

// DialFunc opens the websocket. Swappable in tests to count or redirect
// connection attempts.
type DialFunc func(urlStr string) (*websocket.Conn, error)

func defaultDial(urlStr string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(urlStr, nil)
	return conn, err
}

// Config wires a controller. Mic, Frames and Renderer are exclusively owned
// by the controller once Start succeeds and are released on every exit path.
type Config struct {
	Endpoint          string
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string

	Mic      capture.MicSource
	Frames   capture.FrameSource
	Renderer Renderer
	OnText   func(text string)

	Metrics *observability.Metrics
	Dial    DialFunc
}

// Status is the caller-visible snapshot of a session.
type Status struct {
	SessionID string `json:"session_id"`
	State     State  `json:"state"`
	Mode      Mode   `json:"mode,omitempty"`
	Error     string `json:"error,omitempty"`
	Connected bool   `json:"connected"`
}

// Controller owns the duplex socket and coordinates capture and playback.
// A controller is single-use: after Stop or an error transition, recovery
// means constructing a new one.
type Controller struct {
	cfg   Config
	id    string
	token *capture.Token

	mu     sync.Mutex
	state  State
	mode   Mode
	errMsg string
	torn   bool
	conn   *websocket.Conn

	writeMu sync.Mutex

	mic    *capture.MicPipeline
	frames *capture.FrameLoop

	startedAt  time.Time
	firstAudio sync.Once

	readDone chan struct{}
}

func NewController(cfg Config) *Controller {
	if cfg.Dial == nil {
		cfg.Dial = defaultDial
	}
	if cfg.OnText == nil {
		cfg.OnText = func(string) {}
	}
	return &Controller{
		cfg:      cfg,
		id:       uuid.NewString(),
		token:    capture.NewToken(),
		state:    StateIdle,
		readDone: make(chan struct{}),
	}
}

// Start drives idle -> connecting -> connected. The listening transition
// happens only when the remote side acknowledges setup.
func (c *Controller) Start(mode Mode) error {
	if mode != ModeStream && mode != ModeStatic {
		return fmt.Errorf("invalid session mode %q", mode)
	}

	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.mode = mode

	// Configuration gate: without a credential no connection is attempted.
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		c.state = StateError
		c.errMsg = ErrNoCredential.Error()
		c.torn = true
		c.mu.Unlock()
		c.cfg.Metrics.IncSessionEvent("config_error")
		return ErrNoCredential
	}

	c.setStateLocked(StateConnecting)
	c.startedAt = time.Now()
	c.mu.Unlock()

	if err := c.cfg.Renderer.Init(); err != nil {
		c.teardown(StateError, fmt.Sprintf("audio output unavailable: %v", err))
		return fmt.Errorf("init renderer: %w", err)
	}

	conn, err := c.cfg.Dial(c.dialURL())
	if err != nil {
		c.teardown(StateError, fmt.Sprintf("connect: %v", err))
		c.cfg.Metrics.IncSessionEvent("connect_failed")
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	// Stop can race the dial. If teardown already ran, the fresh socket is
	// ours to release; installing it would leak it forever.
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrStopped
	}
	c.conn = conn
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	setup, err := protocol.EncodeSetup(protocol.SetupParams{
		Model:             c.cfg.Model,
		VoiceName:         c.cfg.Voice,
		SystemInstruction: c.cfg.SystemInstruction,
	})
	if err != nil {
		c.teardown(StateError, fmt.Sprintf("encode setup: %v", err))
		return err
	}
	if err := c.writeFrame(setup); err != nil {
		c.teardown(StateError, fmt.Sprintf("send setup: %v", err))
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	mic := capture.NewMicPipeline(c.cfg.Mic, c.token, c.sendChunk)
	if err := mic.Start(); err != nil {
		c.teardown(StateError, fmt.Sprintf("microphone: %v", err))
		c.cfg.Metrics.IncSessionEvent("capture_failed")
		return err
	}
	// Same race on the device handle: a Stop that landed between the dial
	// and the acquisition never saw this pipeline, so release it here.
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		mic.Stop()
		_ = conn.Close()
		return ErrStopped
	}
	c.mic = mic
	if c.cfg.Frames != nil {
		c.frames = capture.NewFrameLoop(c.cfg.Frames, c.token, c.sendChunk)
	}
	c.mu.Unlock()

	c.cfg.Metrics.IncSessionEvent("started")
	go c.readLoop(conn)
	return nil
}

// Stop is valid from any state and idempotent. It cancels the frame loop,
// releases the microphone and output device, closes the socket and resets
// the machine to idle.
func (c *Controller) Stop() {
	c.teardown(StateIdle, "")
}

// SendStaticImage submits one encoded frame. Valid only in static mode
// while connected or listening; otherwise a warning no-op.
func (c *Controller) SendStaticImage(payload []byte) {
	c.mu.Lock()
	mode, state := c.mode, c.state
	c.mu.Unlock()

	if mode != ModeStatic {
		log.Printf("live: ignoring static image in %q mode", mode)
		return
	}
	if state != StateConnected && state != StateListening {
		log.Printf("live: ignoring static image in state %q", state)
		return
	}
	if len(payload) == 0 {
		log.Printf("live: ignoring empty static image")
		return
	}
	c.sendChunk(protocol.MediaChunk{MIMEType: capture.VideoMIMEType, Data: payload})
}

// SnapStaticImage captures a frame from the configured video source and
// submits it via SendStaticImage.
func (c *Controller) SnapStaticImage() error {
	if c.cfg.Frames == nil {
		return errors.New("no video source configured")
	}
	data, err := capture.EncodeFrame(c.cfg.Frames)
	if err != nil {
		return err
	}
	c.SendStaticImage(data)
	return nil
}

// Snapshot returns the observable session state.
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		SessionID: c.id,
		State:     c.state,
		Mode:      c.mode,
		Error:     c.errMsg,
		Connected: c.state == StateConnected || c.state == StateListening,
	}
}

func (c *Controller) dialURL() string {
	endpoint := strings.TrimSpace(c.cfg.Endpoint)
	if strings.Contains(endpoint, "?") {
		return endpoint + "&key=" + url.QueryEscape(c.cfg.APIKey)
	}
	return endpoint + "?key=" + url.QueryEscape(c.cfg.APIKey)
}

// sendChunk is the single outbound media path. Capture callbacks call it
// synchronously, so chunks of one media type keep capture order; writeMu
// serializes interleaving between the two producers.
func (c *Controller) sendChunk(chunk protocol.MediaChunk) {
	c.mu.Lock()
	ok := c.state == StateConnected || c.state == StateListening
	c.mu.Unlock()
	if !ok {
		return
	}

	data, err := protocol.EncodeMediaChunks(chunk)
	if err != nil {
		log.Printf("live: encode %s chunk failed: %v", chunk.MIMEType, err)
		return
	}
	if err := c.writeFrame(data); err != nil {
		log.Printf("live: send %s chunk failed: %v", chunk.MIMEType, err)
		return
	}
	c.cfg.Metrics.IncOutboundChunk(chunk.MIMEType)
}

func (c *Controller) writeFrame(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("socket not open")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Controller) readLoop(conn *websocket.Conn) {
	defer close(c.readDone)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			torn := c.torn
			c.mu.Unlock()
			if torn {
				// Stop or an earlier failure already decided the final state.
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.teardown(StateIdle, "")
				c.cfg.Metrics.IncSessionEvent("closed_by_peer")
			} else {
				c.teardown(StateError, fmt.Sprintf("socket error: %v", err))
				c.cfg.Metrics.IncSessionEvent("socket_error")
			}
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one inbound frame. Parse failures skip the frame and keep
// the session alive.
func (c *Controller) dispatch(raw []byte) {
	events, err := protocol.ParseServerMessage(raw)
	if err != nil {
		log.Printf("live: skipping inbound frame: %v", err)
		c.cfg.Metrics.IncInboundEvent("skipped")
		return
	}
	for _, ev := range events {
		switch ev := ev.(type) {
		case protocol.SetupComplete:
			c.onSetupComplete()
		case protocol.ModelAudio:
			c.firstAudio.Do(func() {
				c.cfg.Metrics.ObserveFirstAudioLatency(time.Since(c.startedAt))
			})
			c.cfg.Metrics.IncInboundEvent("model_audio")
			c.cfg.Renderer.Enqueue(ev.Data)
		case protocol.ModelText:
			c.cfg.Metrics.IncInboundEvent("model_text")
			c.cfg.OnText(ev.Text)
		case protocol.TurnComplete:
			c.cfg.Metrics.IncInboundEvent("turn_complete")
		}
	}
}

func (c *Controller) onSetupComplete() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateListening)
	mode := c.mode
	frames := c.frames
	c.mu.Unlock()

	c.cfg.Metrics.IncInboundEvent("setup_complete")
	// Frames must never be sent before the remote side confirms setup.
	if mode == ModeStream && frames != nil {
		frames.StartLoop()
	}
}

// teardown releases every owned resource exactly once and parks the machine
// in the target state. Stop after an error transition still resets to idle.
func (c *Controller) teardown(target State, msg string) {
	c.mu.Lock()
	if c.torn {
		if target == StateIdle && c.state != StateIdle {
			c.setStateLocked(StateIdle)
			c.errMsg = ""
		}
		c.mu.Unlock()
		return
	}
	c.torn = true
	c.setStateLocked(target)
	c.errMsg = msg
	conn := c.conn
	c.conn = nil
	mic := c.mic
	frames := c.frames
	c.mu.Unlock()

	if msg != "" {
		log.Printf("live: session %s failed: %s", c.id, msg)
	}

	c.token.Cancel()
	if frames != nil {
		frames.StopLoop()
	}
	if mic != nil {
		mic.Stop()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if c.cfg.Renderer != nil {
		c.cfg.Renderer.Stop()
	}
	c.cfg.Metrics.IncSessionEvent("stopped")
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.cfg.Metrics.IncStateTransition(string(s))
}
