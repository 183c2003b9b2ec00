package live

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lucafier/wrenchmate/internal/audio"
	"github.com/lucafier/wrenchmate/internal/capture"
)

type fakeRenderer struct {
	mu       sync.Mutex
	inited   bool
	stopped  bool
	payloads [][]byte
	initErr  error
}

func (r *fakeRenderer) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initErr != nil {
		return r.initErr
	}
	r.inited = true
	return nil
}

func (r *fakeRenderer) Enqueue(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
}

func (r *fakeRenderer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

func (r *fakeRenderer) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inited && !r.stopped
}

func (r *fakeRenderer) enqueued() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.payloads...)
}

type pokeMic struct {
	mu      sync.Mutex
	deliver func([]float32)
	stopped bool
	err     error
}

func (m *pokeMic) Start(_ capture.SourceOptions, deliver func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.deliver = deliver
	return nil
}

func (m *pokeMic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

// poke delivers one full capture buffer of a constant sample value.
func (m *pokeMic) poke(value float32) {
	m.mu.Lock()
	deliver := m.deliver
	m.mu.Unlock()
	if deliver == nil {
		return
	}
	block := make([]float32, capture.AudioBufferSamples)
	for i := range block {
		block[i] = value
	}
	deliver(block)
}

type stillFrameSource struct{}

func (stillFrameSource) Frame() (image.Image, bool) {
	return image.NewRGBA(image.Rect(0, 0, 64, 48)), true
}

type receivedChunk struct {
	MIME string
	Data []byte
}

// fakeService is an in-process stand-in for the remote live endpoint.
type fakeService struct {
	ts       *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	key    string
	setups []json.RawMessage
	chunks []receivedChunk

	connCh  chan *websocket.Conn
	setupCh chan struct{}
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	svc := &fakeService{
		connCh:  make(chan *websocket.Conn, 4),
		setupCh: make(chan struct{}, 4),
	}
	svc.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		svc.mu.Lock()
		svc.key = r.URL.Query().Get("key")
		svc.mu.Unlock()

		conn, err := svc.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		svc.connCh <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			svc.record(data)
		}
	}))
	return svc
}

func (svc *fakeService) record(data []byte) {
	var frame struct {
		Setup         json.RawMessage `json:"setup"`
		RealtimeInput *struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if frame.Setup != nil {
		svc.setups = append(svc.setups, frame.Setup)
		select {
		case svc.setupCh <- struct{}{}:
		default:
		}
	}
	if frame.RealtimeInput != nil {
		for _, c := range frame.RealtimeInput.MediaChunks {
			raw, err := base64.StdEncoding.DecodeString(c.Data)
			if err != nil {
				continue
			}
			svc.chunks = append(svc.chunks, receivedChunk{MIME: c.MIMEType, Data: raw})
		}
	}
}

func (svc *fakeService) wsURL() string {
	return "ws" + strings.TrimPrefix(svc.ts.URL, "http")
}

func (svc *fakeService) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-svc.connCh:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("service never saw a connection")
		return nil
	}
}

func (svc *fakeService) waitSetup(t *testing.T) {
	t.Helper()
	select {
	case <-svc.setupCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("service never received a setup envelope")
	}
}

func (svc *fakeService) chunksByMIME(prefix string) []receivedChunk {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	var out []receivedChunk
	for _, c := range svc.chunks {
		if strings.HasPrefix(c.MIME, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (svc *fakeService) Close() { svc.ts.Close() }

func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`)); err != nil {
		t.Fatalf("send setupComplete: %v", err)
	}
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never met: %s", msg)
}

func baseConfig(svc *fakeService, mic capture.MicSource, renderer Renderer) Config {
	return Config{
		Endpoint:          svc.wsURL(),
		APIKey:            "test-key",
		Model:             "models/live-guide",
		Voice:             "Puck",
		SystemInstruction: "You are a hands-on repair guide.",
		Mic:               mic,
		Renderer:          renderer,
	}
}

func TestStartWithoutCredentialNeverDials(t *testing.T) {
	var dials int
	cfg := Config{
		Endpoint: "ws://example.invalid/live",
		Mic:      &pokeMic{},
		Renderer: &fakeRenderer{},
		Dial: func(string) (*websocket.Conn, error) {
			dials++
			return nil, errors.New("should not be called")
		},
	}
	c := NewController(cfg)

	err := c.Start(ModeStream)
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Start() error = %v, want ErrNoCredential", err)
	}
	if dials != 0 {
		t.Fatalf("dial attempts = %d, want 0", dials)
	}
	st := c.Snapshot()
	if st.State != StateError {
		t.Fatalf("state = %q, want %q", st.State, StateError)
	}
	if st.Error == "" {
		t.Fatalf("missing error message in status")
	}
}

func TestStartRejectsInvalidMode(t *testing.T) {
	c := NewController(Config{Renderer: &fakeRenderer{}, Mic: &pokeMic{}})
	if err := c.Start(Mode("turbo")); err == nil {
		t.Fatalf("expected error for invalid mode")
	}
}

func TestSetupSentOnConnectAndListeningAfterAck(t *testing.T) {
	svc := newFakeService(t)
	defer svc.Close()

	renderer := &fakeRenderer{}
	c := NewController(baseConfig(svc, &pokeMic{}, renderer))
	defer c.Stop()

	if err := c.Start(ModeStream); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn := svc.waitConn(t)
	svc.waitSetup(t)

	svc.mu.Lock()
	key := svc.key
	var setup map[string]any
	_ = json.Unmarshal(svc.setups[0], &setup)
	svc.mu.Unlock()

	if key != "test-key" {
		t.Fatalf("credential on url = %q, want test-key", key)
	}
	if setup["model"] != "models/live-guide" {
		t.Fatalf("setup model = %v", setup["model"])
	}

	if st := c.Snapshot(); st.State != StateConnected {
		t.Fatalf("state before ack = %q, want %q", st.State, StateConnected)
	}

	sendSetupComplete(t, conn)
	eventually(t, 2*time.Second, func() bool {
		return c.Snapshot().State == StateListening
	}, "controller never reached listening")
}

func TestNoFramesBeforeSetupAck(t *testing.T) {
	svc := newFakeService(t)
	defer svc.Close()

	c := NewController(Config{
		Endpoint: svc.wsURL(),
		APIKey:   "test-key",
		Model:    "models/live-guide",
		Mic:      &pokeMic{},
		Frames:   stillFrameSource{},
		Renderer: &fakeRenderer{},
	})
	defer c.Stop()

	if err := c.Start(ModeStream); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	conn := svc.waitConn(t)
	svc.waitSetup(t)

	// Ack withheld: the frame timer must not be running yet.
	time.Sleep(1200 * time.Millisecond)
	if got := len(svc.chunksByMIME("image/")); got != 0 {
		t.Fatalf("video chunks before ack = %d, want 0", got)
	}

	sendSetupComplete(t, conn)
	eventually(t, 2500*time.Millisecond, func() bool {
		return len(svc.chunksByMIME("image/")) >= 1
	}, "no video chunk after ack")
}

func TestStreamSessionEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("3s realtime scenario")
	}
	svc := newFakeService(t)
	defer svc.Close()

	renderer := &fakeRenderer{}
	mic := &pokeMic{}
	var textMu sync.Mutex
	var texts []string

	cfg := baseConfig(svc, mic, renderer)
	cfg.Frames = stillFrameSource{}
	cfg.OnText = func(s string) {
		textMu.Lock()
		texts = append(texts, s)
		textMu.Unlock()
	}
	c := NewController(cfg)
	defer c.Stop()

	if err := c.Start(ModeStream); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	conn := svc.waitConn(t)
	svc.waitSetup(t)
	sendSetupComplete(t, conn)
	eventually(t, 2*time.Second, func() bool {
		return c.Snapshot().State == StateListening
	}, "controller never reached listening")

	// Drive the mic for ~3s while the frame timer runs at 1Hz.
	for i := 0; i < 12; i++ {
		mic.poke(float32(i+1) / 50)
		time.Sleep(250 * time.Millisecond)
	}

	audioChunks := svc.chunksByMIME("audio/")
	videoChunks := svc.chunksByMIME("image/")
	if len(audioChunks) < 3 {
		t.Fatalf("audio chunks = %d, want >= 3", len(audioChunks))
	}
	if len(videoChunks) < 2 || len(videoChunks) > 4 {
		t.Fatalf("video chunks = %d over ~3s, want about 3", len(videoChunks))
	}

	// Within the audio stream, capture order must be preserved.
	var prev int16 = -32768
	for i, c := range audioChunks {
		v := int16(binary.LittleEndian.Uint16(c.Data[:2]))
		if v < prev {
			t.Fatalf("audio chunk %d out of order: %d after %d", i, v, prev)
		}
		prev = v
	}

	// Model answers with interleaved audio and text, then ends the turn.
	speech := audio.FloatToPCM16LE(make([]float32, 480))
	turn := map[string]any{
		"serverContent": map[string]any{
			"modelTurn": map[string]any{
				"parts": []any{
					map[string]any{"inlineData": map[string]any{
						"mimeType": "audio/pcm;rate=24000",
						"data":     base64.StdEncoding.EncodeToString(speech),
					}},
					map[string]any{"text": "Drain plug is at the rear of the pan."},
				},
			},
			"turnComplete": true,
		},
	}
	if err := conn.WriteJSON(turn); err != nil {
		t.Fatalf("send model turn: %v", err)
	}

	eventually(t, 2*time.Second, func() bool {
		return len(renderer.enqueued()) == 1
	}, "renderer never received model audio")
	textMu.Lock()
	gotText := len(texts) == 1 && texts[0] == "Drain plug is at the rear of the pan."
	textMu.Unlock()
	if !gotText {
		t.Fatalf("model text not forwarded to sink")
	}

	c.Stop()
	if st := c.Snapshot(); st.State != StateIdle {
		t.Fatalf("state after Stop = %q, want %q", st.State, StateIdle)
	}

	// Capture callbacks that fire after stop are discarded.
	before := len(svc.chunksByMIME("audio/"))
	mic.poke(0.5)
	time.Sleep(100 * time.Millisecond)
	if after := len(svc.chunksByMIME("audio/")); after != before {
		t.Fatalf("audio chunks after stop: %d -> %d", before, after)
	}
	mic.mu.Lock()
	stopped := mic.stopped
	mic.mu.Unlock()
	if !stopped {
		t.Fatalf("microphone not released on Stop")
	}
	renderer.mu.Lock()
	rStopped := renderer.stopped
	renderer.mu.Unlock()
	if !rStopped {
		t.Fatalf("renderer not released on Stop")
	}
}

func TestStaticModeSendsOnlyExplicitFrames(t *testing.T) {
	svc := newFakeService(t)
	defer svc.Close()

	cfg := baseConfig(svc, &pokeMic{}, &fakeRenderer{})
	cfg.Frames = stillFrameSource{}
	c := NewController(cfg)
	defer c.Stop()

	if err := c.Start(ModeStatic); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	conn := svc.waitConn(t)
	svc.waitSetup(t)
	sendSetupComplete(t, conn)
	eventually(t, 2*time.Second, func() bool {
		return c.Snapshot().State == StateListening
	}, "controller never reached listening")

	// No timer in static mode.
	time.Sleep(1200 * time.Millisecond)
	if got := len(svc.chunksByMIME("image/")); got != 0 {
		t.Fatalf("video chunks without explicit submit = %d, want 0", got)
	}

	c.SendStaticImage([]byte{0xff, 0xd8, 0xee})
	eventually(t, 2*time.Second, func() bool {
		return len(svc.chunksByMIME("image/")) == 1
	}, "explicit frame never arrived")

	if err := c.SnapStaticImage(); err != nil {
		t.Fatalf("SnapStaticImage() error = %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		return len(svc.chunksByMIME("image/")) == 2
	}, "snapped frame never arrived")
}

func TestSendStaticImageIgnoredInStreamMode(t *testing.T) {
	svc := newFakeService(t)
	defer svc.Close()

	c := NewController(baseConfig(svc, &pokeMic{}, &fakeRenderer{}))
	defer c.Stop()

	if err := c.Start(ModeStream); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	svc.waitConn(t)
	svc.waitSetup(t)

	c.SendStaticImage([]byte{1, 2, 3})
	time.Sleep(100 * time.Millisecond)
	if got := len(svc.chunksByMIME("image/")); got != 0 {
		t.Fatalf("static image sent in stream mode: %d chunks", got)
	}
}

func TestPeerCloseReturnsToIdle(t *testing.T) {
	svc := newFakeService(t)
	defer svc.Close()

	mic := &pokeMic{}
	c := NewController(baseConfig(svc, mic, &fakeRenderer{}))
	if err := c.Start(ModeStream); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	conn := svc.waitConn(t)
	svc.waitSetup(t)
	sendSetupComplete(t, conn)
	eventually(t, 2*time.Second, func() bool {
		return c.Snapshot().State == StateListening
	}, "controller never reached listening")

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), time.Now().Add(time.Second))

	eventually(t, 2*time.Second, func() bool {
		return c.Snapshot().State == StateIdle
	}, "controller never returned to idle after peer close")
	mic.mu.Lock()
	stopped := mic.stopped
	mic.mu.Unlock()
	if !stopped {
		t.Fatalf("microphone not released after peer close")
	}
}

func TestAbruptDisconnectTransitionsToError(t *testing.T) {
	svc := newFakeService(t)
	defer svc.Close()

	c := NewController(baseConfig(svc, &pokeMic{}, &fakeRenderer{}))
	defer c.Stop()

	if err := c.Start(ModeStream); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	conn := svc.waitConn(t)
	svc.waitSetup(t)

	// Kill the TCP stream without a close handshake.
	_ = conn.UnderlyingConn().Close()

	eventually(t, 2*time.Second, func() bool {
		st := c.Snapshot()
		return st.State == StateError && st.Error != ""
	}, "controller never reached error state")

	// Stop after an error still resets to idle.
	c.Stop()
	if st := c.Snapshot(); st.State != StateIdle {
		t.Fatalf("state after Stop = %q, want %q", st.State, StateIdle)
	}
}

func TestStopDuringDialReleasesSocket(t *testing.T) {
	svc := newFakeService(t)
	defer svc.Close()

	mic := &pokeMic{}
	cfg := baseConfig(svc, mic, &fakeRenderer{})
	var c *Controller
	cfg.Dial = func(urlStr string) (*websocket.Conn, error) {
		// Stop lands while the dial is in flight.
		c.Stop()
		return defaultDial(urlStr)
	}
	c = NewController(cfg)

	if err := c.Start(ModeStream); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start() error = %v, want ErrStopped", err)
	}
	st := c.Snapshot()
	if st.State != StateIdle || st.Connected {
		t.Fatalf("status after stop-during-start = %+v", st)
	}

	// The freshly dialed socket must not survive the stop.
	conn := svc.waitConn(t)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("socket left open after stop")
	}

	mic.mu.Lock()
	acquired := mic.deliver != nil
	mic.mu.Unlock()
	if acquired {
		t.Fatalf("microphone acquired after stop")
	}
}

// stopOnAcquireMic fires a stop right after the device is acquired,
// before the controller has installed the pipeline.
type stopOnAcquireMic struct {
	pokeMic
	stop func()
}

func (m *stopOnAcquireMic) Start(opts capture.SourceOptions, deliver func([]float32)) error {
	err := m.pokeMic.Start(opts, deliver)
	m.stop()
	return err
}

func TestStopDuringMicAcquisitionReleasesDevice(t *testing.T) {
	svc := newFakeService(t)
	defer svc.Close()

	mic := &stopOnAcquireMic{}
	var c *Controller
	mic.stop = func() { c.Stop() }
	c = NewController(baseConfig(svc, mic, &fakeRenderer{}))

	if err := c.Start(ModeStream); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start() error = %v, want ErrStopped", err)
	}
	if st := c.Snapshot(); st.State != StateIdle {
		t.Fatalf("state = %q, want %q", st.State, StateIdle)
	}
	mic.mu.Lock()
	stopped := mic.stopped
	mic.mu.Unlock()
	if !stopped {
		t.Fatalf("microphone not released after stop raced acquisition")
	}
}

func TestStartAfterStopReturnsErrStopped(t *testing.T) {
	var dials int
	c := NewController(Config{
		Endpoint: "ws://example.invalid/live",
		APIKey:   "test-key",
		Mic:      &pokeMic{},
		Renderer: &fakeRenderer{},
		Dial: func(string) (*websocket.Conn, error) {
			dials++
			return nil, errors.New("should not be called")
		},
	})
	c.Stop()
	if err := c.Start(ModeStream); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start() error = %v, want ErrStopped", err)
	}
	if dials != 0 {
		t.Fatalf("dial attempts = %d, want 0 on a stopped controller", dials)
	}
}

func TestDialFailureIsConnectionError(t *testing.T) {
	c := NewController(Config{
		Endpoint: "ws://example.invalid/live",
		APIKey:   "test-key",
		Mic:      &pokeMic{},
		Renderer: &fakeRenderer{},
		Dial: func(string) (*websocket.Conn, error) {
			return nil, errors.New("refused")
		},
	})
	err := c.Start(ModeStream)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("Start() error = %v, want ErrConnection", err)
	}
	if st := c.Snapshot(); st.State != StateError {
		t.Fatalf("state = %q, want %q", st.State, StateError)
	}
}

func TestMicAcquisitionFailureTearsDown(t *testing.T) {
	svc := newFakeService(t)
	defer svc.Close()

	renderer := &fakeRenderer{}
	mic := &pokeMic{err: errors.New("device busy")}
	c := NewController(baseConfig(svc, mic, renderer))

	if err := c.Start(ModeStream); err == nil {
		t.Fatalf("expected microphone acquisition error")
	}
	if st := c.Snapshot(); st.State != StateError {
		t.Fatalf("state = %q, want %q", st.State, StateError)
	}
	renderer.mu.Lock()
	stopped := renderer.stopped
	renderer.mu.Unlock()
	if !stopped {
		t.Fatalf("renderer leaked after capture failure")
	}
}

func TestRendererInitFailureAborts(t *testing.T) {
	svc := newFakeService(t)
	defer svc.Close()

	renderer := &fakeRenderer{initErr: errors.New("no output device")}
	c := NewController(baseConfig(svc, &pokeMic{}, renderer))

	if err := c.Start(ModeStream); err == nil {
		t.Fatalf("expected renderer init error")
	}
	st := c.Snapshot()
	if st.State != StateError {
		t.Fatalf("state = %q, want %q", st.State, StateError)
	}
	if !strings.Contains(st.Error, "audio output") {
		t.Fatalf("status error = %q, want audio output failure", st.Error)
	}
}

func TestMalformedInboundFrameIsSkipped(t *testing.T) {
	svc := newFakeService(t)
	defer svc.Close()

	renderer := &fakeRenderer{}
	c := NewController(baseConfig(svc, &pokeMic{}, renderer))
	defer c.Stop()

	if err := c.Start(ModeStream); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	conn := svc.waitConn(t)
	svc.waitSetup(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{garbage`)); err != nil {
		t.Fatalf("send garbage: %v", err)
	}
	sendSetupComplete(t, conn)

	// The bad frame must not kill the session: the ack after it still lands.
	eventually(t, 2*time.Second, func() bool {
		return c.Snapshot().State == StateListening
	}, "session died on malformed frame")
}

func TestStopIsIdempotentFromAnyState(t *testing.T) {
	c := NewController(Config{Renderer: &fakeRenderer{}, Mic: &pokeMic{}})
	c.Stop()
	c.Stop()
	if st := c.Snapshot(); st.State != StateIdle {
		t.Fatalf("state = %q, want %q", st.State, StateIdle)
	}
}
