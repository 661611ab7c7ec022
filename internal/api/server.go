// Package api exposes the operator surface over HTTP: health and status
// reads, the command endpoint, Prometheus scrapes, and a websocket
// stream of health snapshots.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"tradewarden/internal/config"
	"tradewarden/internal/domain"
	"tradewarden/internal/metrics"
	"tradewarden/internal/net/ratelimit"
	"tradewarden/internal/status"
)

const commandTimeout = 10 * time.Second

// CommandSink accepts operator commands; implemented by the orchestrator.
type CommandSink interface {
	Submit(ctx context.Context, kind domain.CommandKind, strategyID string) domain.CommandResult
}

// Server is the operator HTTP server.
type Server struct {
	cfg      config.APIConfig
	store    *status.Store
	sink     CommandSink
	registry *metrics.Registry
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader

	httpSrv *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg config.APIConfig, store *status.Store, sink CommandSink, reg *metrics.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		sink:     sink,
		registry: reg,
		limiter:  ratelimit.NewLimiter(cfg.ClientRPS, cfg.ClientBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.Use(s.rateLimitMiddleware)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/command", s.handleCommand).Methods(http.MethodPost)
	r.Handle("/metrics", reg.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// ListenAndServe blocks until the server exits.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.cfg.Addr).Msg("API server listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.Allow(host) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Current()
	body := map[string]interface{}{
		"status":      "ok",
		"timestamp":   time.Now().UTC(),
		"rate_limits": s.limiter.Stats(),
	}
	if snap != nil {
		body["overall_score"] = snap.OverallScore
		body["state"] = snap.State
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	res := s.sink.Submit(ctx, domain.CmdGetStatus, "")
	if !res.Accepted {
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	writeJSON(w, http.StatusOK, res.Snapshot)
}

// commandRequest is the POST /command body.
type commandRequest struct {
	Action     string `json:"action"`
	StrategyID string `json:"strategy_id,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	kind := domain.CommandKind(req.Action)
	switch kind {
	case domain.CmdGetStatus, domain.CmdForceRetrain, domain.CmdPause, domain.CmdResume:
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	res := s.sink.Submit(ctx, kind, req.StrategyID)
	code := http.StatusOK
	if !res.Accepted {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

// handleWS streams every new health snapshot to the client until it
// disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, cancel := s.store.Subscribe()
	defer cancel()

	// Send the current snapshot immediately so clients never start blind.
	if snap := s.store.Current(); snap != nil {
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}

	// Reads are discarded, but the read pump detects client close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for snap := range updates {
		if err := conn.WriteJSON(snap); err != nil {
			log.Debug().Err(err).Msg("Websocket client dropped")
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}
