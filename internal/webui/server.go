package webui

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/L1nMay/scanconsole/internal/controller"
	"github.com/L1nMay/scanconsole/internal/envdetect"
	"github.com/L1nMay/scanconsole/internal/logger"
	"github.com/L1nMay/scanconsole/internal/model"
	"github.com/L1nMay/scanconsole/internal/scan"
	"github.com/L1nMay/scanconsole/internal/storage"
)

// Controller is the session surface the API exposes; *controller.Controller
// satisfies it.
type Controller interface {
	Start(ctx context.Context, target string, scanType model.ScanType) (model.ScanSession, error)
	Validate(target string) scan.Validation
	Mount() (model.ScanSession, error)
	Discard() model.ScanSession
	Session() model.ScanSession
	Notice() (controller.Notice, bool)
	Subscribe() chan model.ScanSession
	Unsubscribe(ch chan model.ScanSession)
}

type HistoryReader interface {
	ListScanRuns(limit int) ([]model.ScanRun, error)
	GetStats() (storage.Stats, error)
}

type Server struct {
	ctrl     Controller
	history  HistoryReader
	gatherer prometheus.Gatherer
	networks func() ([]envdetect.Network, error)
}

type ScanRequest struct {
	Target   string `json:"target"`
	ScanType string `json:"scan_type"`
}

type ValidateRequest struct {
	Target string `json:"target"`
}

type SessionResponse struct {
	Session model.ScanSession  `json:"session"`
	Notice  *controller.Notice `json:"notice,omitempty"`
}

type ScanTypeInfo struct {
	Name             model.ScanType `json:"name"`
	PortsPerHost     int            `json:"ports_per_host"`
	EstimatedSeconds int            `json:"estimated_seconds"`
}

func NewServer(ctrl Controller, history HistoryReader, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		ctrl:     ctrl,
		history:  history,
		gatherer: gatherer,
		networks: envdetect.DetectLocalNetworks,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok": true,
			"ts": time.Now().UTC(),
		})
	})

	mux.HandleFunc("/api/scan-types", func(w http.ResponseWriter, r *http.Request) {
		out := make([]ScanTypeInfo, 0, len(model.ScanTypes))
		for _, t := range model.ScanTypes {
			out = append(out, ScanTypeInfo{
				Name:             t,
				PortsPerHost:     t.PortCeiling(),
				EstimatedSeconds: int(scan.DurationFor(t).Seconds()),
			})
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("/api/networks", func(w http.ResponseWriter, r *http.Request) {
		nets, err := s.networks()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, nets)
	})

	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.sessionResponse(s.ctrl.Session()))
	})

	mux.HandleFunc("/api/validate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req ValidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, s.ctrl.Validate(req.Target))
	})

	mux.HandleFunc("/api/scan", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req ScanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ScanType == "" {
			req.ScanType = string(model.ScanLight)
		}

		snap, err := s.ctrl.Start(r.Context(), req.Target, model.ScanType(req.ScanType))
		if err != nil {
			writeJSON(w, statusFor(err), map[string]any{
				"error":   err.Error(),
				"session": snap,
			})
			return
		}
		writeJSON(w, http.StatusAccepted, s.sessionResponse(snap))
	})

	mux.HandleFunc("/api/scan/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, s.sessionResponse(s.ctrl.Discard()))
	})

	// ---------- Session stream (SSE) ----------
	mux.HandleFunc("/api/scan/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch := s.ctrl.Subscribe()
		defer s.ctrl.Unsubscribe(ch)

		// attaching a view resumes observation of a persisted session
		snap, err := s.ctrl.Mount()
		if err != nil {
			logger.Warnf("mount on stream attach: %v", err)
		}
		writeEvent(w, snap)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case snap, ok := <-ch:
				if !ok {
					return
				}
				writeEvent(w, snap)
				flusher.Flush()
			}
		}
	})

	// ---------- History ----------
	mux.HandleFunc("/api/scans", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		runs, err := s.history.ListScanRuns(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		st, err := s.history.GetStats()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	return withCORS(withLogging(mux))
}

func (s *Server) sessionResponse(snap model.ScanSession) SessionResponse {
	resp := SessionResponse{Session: snap}
	if n, ok := s.ctrl.Notice(); ok {
		resp.Notice = &n
	}
	return resp
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrInvalidTarget), errors.Is(err, controller.ErrInvalidScanType):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrScanInProgress):
		return http.StatusConflict
	case errors.Is(err, controller.ErrTargetUnreachable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, controller.ErrStartRejected):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeEvent(w http.ResponseWriter, snap model.ScanSession) {
	b, err := json.Marshal(snap)
	if err != nil {
		logger.Errorf("encode session event: %v", err)
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n\n"))
}

// ---------- Middleware ----------
func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debugf("webui %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
