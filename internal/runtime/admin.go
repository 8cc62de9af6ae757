package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-tts-gateway/internal/config"
	"github.com/loqalabs/loqa-tts-gateway/internal/gateway"
	"github.com/loqalabs/loqa-tts-gateway/internal/netinfo"
	"github.com/loqalabs/loqa-tts-gateway/internal/protocol"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 1000
)

type listenerControl interface {
	Restart(port int) error
	Port() int
	State() gateway.State
}

type jobStore interface {
	SetPort(ctx context.Context, port int) error
	ListJobs(ctx context.Context, limit int) ([]protocol.JobEvent, error)
}

type listenerStatus struct {
	State string `json:"state"`
	Port  int    `json:"port"`
	URL   string `json:"url,omitempty"`
}

type portRequest struct {
	Port *int `json:"port"`
}

// admin serves health, metrics and listener control for operators.
type admin struct {
	listener listenerControl
	store    jobStore
	ready    func() bool
	metrics  http.Handler
	logger   *slog.Logger
}

func (a *admin) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/readyz", a.handleReady)
	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics)
	}
	mux.HandleFunc("GET /v1/listener", a.handleListener)
	mux.HandleFunc("PUT /v1/listener", a.handleSetPort)
	mux.HandleFunc("GET /v1/jobs", a.handleJobs)
	return mux
}

func (a *admin) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *admin) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *admin) handleListener(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.status(r.Context()))
}

// handleSetPort moves the public listener and persists the port only once the
// new socket is bound.
func (a *admin) handleSetPort(w http.ResponseWriter, r *http.Request) {
	var req portRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil || req.Port == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"port\": <number>}")
		return
	}
	port := *req.Port
	if !config.ValidListenPort(port) {
		writeError(w, http.StatusBadRequest, "port must be between 1025 and 65534")
		return
	}

	log := a.logger.With(slog.Int("port", port))
	if err := a.listener.Restart(port); err != nil {
		if errors.Is(err, gateway.ErrShutdown) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		log.Warn("listener restart failed", slog.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := a.store.SetPort(r.Context(), port); err != nil {
		log.Error("failed to persist listener port", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "listener moved but port was not saved: "+err.Error())
		return
	}
	status := a.status(r.Context())
	log.Info("listener port changed", slog.String("url", status.URL))
	writeJSON(w, http.StatusOK, status)
}

func (a *admin) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxJobLimit)
	}
	jobs, err := a.store.ListJobs(r.Context(), limit)
	if err != nil {
		a.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []protocol.JobEvent{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *admin) status(ctx context.Context) listenerStatus {
	st := listenerStatus{State: a.listener.State().String(), Port: a.listener.Port()}
	if st.Port > 0 {
		host, ok, err := netinfo.LocalIPv4(ctx)
		if err != nil || !ok {
			host = ""
		}
		st.URL = netinfo.DisplayURL(host, st.Port)
	}
	return st
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
