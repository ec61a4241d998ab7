package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cjeanneret/camctl/internal/debug"
	"github.com/cjeanneret/camctl/internal/hw/camera"
	"github.com/cjeanneret/camctl/internal/hw/surfaces"
	"github.com/cjeanneret/camctl/internal/logic/capture"
	"github.com/cjeanneret/camctl/internal/logic/convergence"
	"github.com/cjeanneret/camctl/internal/logic/request"
	"github.com/cjeanneret/camctl/internal/logic/session"
	"github.com/cjeanneret/camctl/internal/logic/surface"
)

const (
	maxBodyBytes   = 1 << 20
	maxSeriesCount = 100
)

// Overrides holds open parameters that can override config defaults.
// Zero values mean "use the configured value".
type Overrides struct {
	Lens  string  `json:"lens,omitempty"`
	Zoom  float64 `json:"zoom,omitempty"`
	Flash string  `json:"flash,omitempty"`
}

// ValidateOverrides checks that the non-zero fields of o are usable.
func ValidateOverrides(o Overrides) error {
	if o.Lens != "" {
		if _, err := camera.ParseLens(o.Lens); err != nil {
			return err
		}
	}
	if o.Zoom != 0 {
		if math.IsNaN(o.Zoom) || math.IsInf(o.Zoom, 0) || o.Zoom < 1 {
			return fmt.Errorf("zoom must be a finite factor >= 1, got %g", o.Zoom)
		}
	}
	if o.Flash != "" {
		if _, err := request.ParseFlash(o.Flash); err != nil {
			return err
		}
	}
	return nil
}

// Status is the JSON body of GET /state.
type Status struct {
	Session session.Snapshot `json:"session"`
	Flash   string           `json:"flash"`
	Zoom    float64          `json:"zoom"`
	Sinks   []surfaces.Info  `json:"sinks"`
}

// Camera is the camera rig driven by the HTTP API.
type Camera interface {
	Open(ctx context.Context, o Overrides) error
	StartSession(ctx context.Context) error
	StopSession(ctx context.Context) error
	StartPreview(ctx context.Context) error
	StopPreview(ctx context.Context) error
	StartRecord(ctx context.Context) error
	StopRecord(ctx context.Context) error
	Trigger3A(ctx context.Context) (convergence.State, error)
	Lock3A(ctx context.Context) error
	Unlock3A(ctx context.Context) error
	Capture(ctx context.Context) error
	Shoot(ctx context.Context, count int) ([]capture.Outcome, error)
	SetFlash(f request.FlashSetting)
	Close(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Camera      Camera

	// ctx bounds background shoots; cancelled when the server stops.
	ctx       context.Context
	runningMu sync.Mutex
	running   bool
}

// NewHandlers creates handlers with the given dependencies.
// If cam is nil, every camera route returns 503 Service Unavailable.
func NewHandlers(ctx context.Context, broadcaster *StatusBroadcaster, cam Camera) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Camera:      cam,
		ctx:         ctx,
	}
}

// StatusCode maps a controller error to an HTTP status.
func StatusCode(err error) int {
	var fault *camera.Fault
	switch {
	case errors.Is(err, camera.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrPrecondition):
		return http.StatusConflict
	case errors.As(err, &fault), errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, surface.ErrNegotiationTimeout),
		errors.Is(err, capture.ErrNotConverged),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) fail(w http.ResponseWriter, op string, err error) {
	code := StatusCode(err)
	debug.Warn("web: "+op+" failed", "status", code, "error", err)
	h.Broadcaster.Broadcast("error", op+": "+err.Error())
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// begin claims the single mutating slot. It reports false, after
// answering the request, when another operation is still running.
func (h *Handlers) begin(w http.ResponseWriter) bool {
	if h.Camera == nil {
		http.Error(w, "camera not configured", http.StatusServiceUnavailable)
		return false
	}
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	if h.running {
		http.Error(w, "camera operation already in progress", http.StatusConflict)
		return false
	}
	h.running = true
	return true
}

func (h *Handlers) end() {
	h.runningMu.Lock()
	h.running = false
	h.runningMu.Unlock()
}

// respond writes the current status after a successful operation and
// publishes it to SSE clients.
func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, op string) {
	st, err := h.Camera.Status(r.Context())
	if err != nil {
		h.fail(w, op, err)
		return
	}
	h.Broadcaster.Publish("state", op, st)
	writeJSON(w, http.StatusOK, st)
}

// Op returns a handler running fn as one mutating camera operation.
func (h *Handlers) Op(name string, fn func(Camera, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.begin(w) {
			return
		}
		defer h.end()
		if err := fn(h.Camera, r.Context()); err != nil {
			h.fail(w, name, err)
			return
		}
		h.respond(w, r, name)
	}
}

// HandleOpen handles POST /open. The body is optional.
func (h *Handlers) HandleOpen(w http.ResponseWriter, r *http.Request) {
	var o Overrides
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateOverrides(o); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.Op("open", func(c Camera, ctx context.Context) error {
		return c.Open(ctx, o)
	})(w, r)
}

// HandleTrigger handles POST /3a/trigger. The request context bounds
// the convergence loop; ?timeout_ms=N narrows it.
func (h *Handlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	timeout, err := queryInt(r, "timeout_ms", 0, 0, 60000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.begin(w) {
		return
	}
	defer h.end()
	ctx := r.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
		defer cancel()
	}
	st, err := h.Camera.Trigger3A(ctx)
	if err != nil {
		h.fail(w, "3a trigger", err)
		return
	}
	h.Broadcaster.Publish("state", "3a converged", st)
	writeJSON(w, http.StatusOK, st)
}

// HandleFlash handles POST /flash?mode=off|on|torch|auto. The new
// setting applies to the next submitted request.
func (h *Handlers) HandleFlash(w http.ResponseWriter, r *http.Request) {
	f, err := request.ParseFlash(r.URL.Query().Get("mode"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.Camera == nil {
		http.Error(w, "camera not configured", http.StatusServiceUnavailable)
		return
	}
	h.Camera.SetFlash(f)
	h.respond(w, r, "flash "+f.String())
}

// HandleShoot handles POST /shoot?count=N. The shot sequence runs in the
// background; progress and outcomes are streamed to SSE clients.
func (h *Handlers) HandleShoot(w http.ResponseWriter, r *http.Request) {
	count, err := queryInt(r, "count", 1, 1, maxSeriesCount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.begin(w) {
		return
	}

	go func() {
		defer h.end()
		outcomes, err := h.Camera.Shoot(h.ctx, count)
		if err != nil {
			h.Broadcaster.Broadcast("error", "Shoot failed: "+err.Error())
			return
		}
		h.Broadcaster.Publish("shoot", fmt.Sprintf("Shoot complete: %d shot(s)", len(outcomes)), outcomes)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "count": count})
}

// HandleState handles GET /state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	if h.Camera == nil {
		http.Error(w, "camera not configured", http.StatusServiceUnavailable)
		return
	}
	st, err := h.Camera.Status(r.Context())
	if err != nil {
		h.fail(w, "state", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleStatusStream handles GET /status/stream for Server-Sent Events.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func queryInt(r *http.Request, key string, def, lo, hi int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", key, lo, hi)
	}
	return v, nil
}
