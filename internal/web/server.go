package web

import (
	"context"
	"net/http"
	"time"

	"github.com/cjeanneret/camctl/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server for addr driving cam. Background shoots
// are bound to ctx.
func NewServer(ctx context.Context, addr string, broadcaster *StatusBroadcaster, cam Camera) *Server {
	return &Server{
		addr:     addr,
		handlers: NewHandlers(ctx, broadcaster, cam),
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	h := s.handlers
	mux := http.NewServeMux()

	mux.HandleFunc("POST /open", h.HandleOpen)
	mux.HandleFunc("POST /session/start", h.Op("session start", Camera.StartSession))
	mux.HandleFunc("POST /session/stop", h.Op("session stop", Camera.StopSession))
	mux.HandleFunc("POST /preview/start", h.Op("preview start", Camera.StartPreview))
	mux.HandleFunc("POST /preview/stop", h.Op("preview stop", Camera.StopPreview))
	mux.HandleFunc("POST /record/start", h.Op("record start", Camera.StartRecord))
	mux.HandleFunc("POST /record/stop", h.Op("record stop", Camera.StopRecord))
	mux.HandleFunc("POST /3a/trigger", h.HandleTrigger)
	mux.HandleFunc("POST /3a/lock", h.Op("3a lock", Camera.Lock3A))
	mux.HandleFunc("POST /3a/unlock", h.Op("3a unlock", Camera.Unlock3A))
	mux.HandleFunc("POST /capture", h.Op("capture", Camera.Capture))
	mux.HandleFunc("POST /shoot", h.HandleShoot)
	mux.HandleFunc("POST /flash", h.HandleFlash)
	mux.HandleFunc("POST /close", h.Op("close", Camera.Close))
	mux.HandleFunc("GET /state", h.HandleState)
	mux.HandleFunc("GET /status/stream", h.HandleStatusStream)

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
