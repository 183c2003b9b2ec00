package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lucafier/wrenchmate/internal/config"
	"github.com/lucafier/wrenchmate/internal/garage"
	"github.com/lucafier/wrenchmate/internal/geo"
	"github.com/lucafier/wrenchmate/internal/live"
	"github.com/lucafier/wrenchmate/internal/observability"
)

// Session is the live-session surface the API drives. Satisfied by
// live.Controller; swappable in tests.
type Session interface {
	Start(mode live.Mode) error
	Stop()
	Snapshot() live.Status
	SendStaticImage(payload []byte)
	SnapStaticImage() error
}

// SessionFactory builds a fresh session. Controllers are single-use, so the
// server constructs one per start and hands it the transcript sink.
type SessionFactory func(onText func(string)) Session

type Server struct {
	cfg     config.Config
	store   garage.Store
	shops   geo.Resolver
	metrics *observability.Metrics
	factory SessionFactory

	mu         sync.Mutex
	current    Session
	transcript *transcript
}

func New(cfg config.Config, store garage.Store, shops geo.Resolver, metrics *observability.Metrics, factory SessionFactory) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		shops:      shops,
		metrics:    metrics,
		factory:    factory,
		transcript: newTranscript(cfg.TranscriptLimit),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.countRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/assist/session", s.handleStartSession)
	r.Post("/v1/assist/session/stop", s.handleStopSession)
	r.Get("/v1/assist/session", s.handleSessionStatus)
	r.Post("/v1/assist/session/frame", s.handleSubmitFrame)
	r.Get("/v1/assist/transcript", s.handleTranscript)

	r.Get("/v1/vin/{vin}", s.handleDecodeVIN)
	r.Get("/v1/maintenance", s.handleMaintenance)
	r.Post("/v1/servicelog", s.handleAddServiceRecord)
	r.Get("/v1/servicelog", s.handleListServiceRecords)
	r.Get("/v1/shops/nearby", s.handleNearbyShops)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"live_configured": strings.TrimSpace(s.cfg.LiveAPIKey) != "",
	})
}

// countRequests records one counter increment per request by route pattern
// and status class.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.IncHTTPRequest(route, statusClass(rec.status))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// transcript keeps the most recent model text lines in arrival order.
type transcript struct {
	mu    sync.Mutex
	limit int
	lines []TranscriptLine
}

type TranscriptLine struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

func newTranscript(limit int) *transcript {
	if limit <= 0 {
		limit = 200
	}
	return &transcript{limit: limit}
}

func (t *transcript) append(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, TranscriptLine{Text: text, At: time.Now().UTC()})
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

func (t *transcript) recent() []TranscriptLine {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TranscriptLine(nil), t.lines...)
}
