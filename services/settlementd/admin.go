package settlementd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentescrow/scheduler"
)

// Controller is the scheduler surface the admin API drives.
type Controller interface {
	Status() []scheduler.Status
	Pause(name string) error
	Resume(name string) error
	Trigger(name string) error
}

var _ Controller = (*scheduler.Scheduler)(nil)

// AdminServer exposes run status, pause/resume/trigger and metrics. It
// never touches requests directly.
type AdminServer struct {
	ctrl   Controller
	token  string
	logger *slog.Logger
	router http.Handler
}

// NewAdminServer builds the router. An empty token leaves the operator
// endpoints unauthenticated; /metrics is always open.
func NewAdminServer(ctrl Controller, token string, logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AdminServer{ctrl: ctrl, token: strings.TrimSpace(token), logger: logger}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

func (s *AdminServer) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Group(func(ops chi.Router) {
		ops.Use(s.authenticate)
		ops.Get("/status", s.status)
		ops.Post("/handlers/{name}/pause", s.control(s.ctrl.Pause))
		ops.Post("/handlers/{name}/resume", s.control(s.ctrl.Resume))
		ops.Post("/handlers/{name}/trigger", s.control(s.ctrl.Trigger))
	})
	return r
}

func (s *AdminServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" || parseBearerToken(r.Header.Get("Authorization")) == s.token {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "authentication required", http.StatusUnauthorized)
	})
}

func parseBearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func (s *AdminServer) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"handlers": s.ctrl.Status()})
}

func (s *AdminServer) control(fn func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		err := fn(name)
		switch {
		case err == nil:
			s.logger.Info("admin handler control",
				slog.String("handler", name),
				slog.String("path", r.URL.Path))
			writeJSON(w, http.StatusOK, map[string]string{"handler": name, "status": "ok"})
		case errors.Is(err, scheduler.ErrUnknownHandler):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, scheduler.ErrPaused):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
