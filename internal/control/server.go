// Package control serves pause, resume, cancel and status over HTTP.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go-kemono-download/internal/models"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// Controller is the run being steered.
type Controller interface {
	Pause()
	Resume()
	Cancel()
	Status() models.RunStatus
}

type Server struct {
	Router chi.Router
	ctrl   Controller
	srv    *http.Server
}

// NewServer builds the router. metrics may be nil.
func NewServer(ctrl Controller, metrics http.Handler) *Server {
	s := &Server{ctrl: ctrl}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Post("/pause", s.handleAction(ctrl.Pause))
	r.Post("/resume", s.handleAction(ctrl.Resume))
	r.Post("/cancel", s.handleAction(ctrl.Cancel))
	r.Get("/status", s.handleStatus)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	s.Router = r
	return s
}

func (s *Server) handleAction(action func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action()
		writeJSON(w, http.StatusAccepted, s.ctrl.Status())
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("control: failed to encode response")
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  ww.Status(),
			"elapsed": time.Since(start).String(),
		}).Debug("control request")
	})
}

// Start listens on addr and serves in the background until Shutdown.
// It returns the bound address, which differs from addr when the port is 0.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.srv = &http.Server{
		Handler:      s.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	log.Infof("Control server listening on %s", ln.Addr())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("control server stopped")
		}
	}()
	return ln.Addr().String(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
