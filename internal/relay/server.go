package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehrlich-b/relaywire/internal/config"
	"github.com/ehrlich-b/relaywire/internal/logger"
)

const serviceVersion = "1.0.0"

// Server wires every relay component together and exposes the HTTP/WS
// surface described in the spec's external-interfaces section.
type Server struct {
	Config     config.Config
	Registry   *Registry
	Auth       *Auth
	Sessions   *SessionManager
	Transfers  *TransferEngine
	RateLimit  *RateLimiter
	Metrics    *Metrics

	transports *transportSet
	mux        *http.ServeMux
	startedAt  time.Time
}

// NewServer builds a Server from cfg, registering its own Prometheus
// collectors against reg.
func NewServer(cfg config.Config, reg prometheus.Registerer) *Server {
	signer := NewTokenSigner([]byte(cfg.JWTSecret))

	s := &Server{
		Config:     cfg,
		Registry:   NewRegistry(),
		Auth:       NewAuth(cfg.MaxFailedAttempts, cfg.LockoutDuration, cfg.TrustedDeviceExpiry, cfg.SecurityLogLimit),
		Sessions:   NewSessionManager(signer, cfg.MaxSessionsPerUser, cfg.SessionTimeout),
		Transfers:  NewTransferEngine(cfg.MaxFileSize, cfg.TransferGraceWindow, cfg.RecentFilesLimit),
		RateLimit:  NewRateLimiter(5, 10),
		Metrics:    NewMetrics(reg),
		transports: newTransportSet(),
		startedAt:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.withCORS(s.handleIndex))
	mux.HandleFunc("/status", s.withCORS(s.handleStatus))
	mux.HandleFunc("/wol", s.withCORS(s.handleWOL))
	mux.HandleFunc("/health", s.withCORS(s.handleHealth))
	mux.HandleFunc("/ws", s.withCORS(s.handleWSRateLimited))
	mux.Handle("/metrics", promhttp.Handler())
	s.mux = mux

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// withCORS allows cross-origin access from any browser-based controller, and
// answers preflight requests directly, matching the spec's open CORS policy.
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "relaywire",
		"version": serviceVersion,
		"features": []string{
			"remote-control", "file-transfer", "wake-on-lan", "trusted-devices",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "uptimeSeconds": int(time.Since(s.startedAt).Seconds())})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	computers := s.Registry.hostCountSnapshot()
	clients := s.Registry.controllerCountSnapshot()
	total, active, expired, uniqueUsers := s.Sessions.Stats()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "online",
		"version":   serviceVersion,
		"computers": computers,
		"clients":   clients,
		"sessions": map[string]any{
			"total":       total,
			"active":      active,
			"expired":     expired,
			"uniqueUsers": uniqueUsers,
		},
	})
}

func (s *Server) handleWOL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.RateLimit.Allow(clientIP(r)) {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	var req struct {
		MAC         string `json:"mac"`
		BroadcastIP string `json:"broadcastIp"`
		Port        int    `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body", "details": err.Error()})
		return
	}
	target, err := SendWakeOnLAN(req.MAC, req.BroadcastIP, req.Port)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "wake-on-lan failed", "details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "mac": req.MAC, "target": target})
}

func (s *Server) handleWSRateLimited(w http.ResponseWriter, r *http.Request) {
	if !s.RateLimit.Allow(clientIP(r)) {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	s.handleWS(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("write json response failed", "err", err)
	}
}

// Run starts the background sweeps (idle-session cleanup, heartbeat) and
// blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	go s.runHeartbeat(ctx, s.Config.HeartbeatInterval)
	go s.runSessionSweep(ctx, s.Config.CleanupInterval)
	<-ctx.Done()
}

// runSessionSweep periodically evicts idle-expired sessions, notifying and
// closing each one's transport outside the session table's lock.
func (s *Server) runSessionSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range s.Sessions.Sweep() {
				s.Registry.RemoveControllerByTransport(sess.Password, sess.Transport)
				s.expireAndClose(ctx, sess)
				s.broadcastPresence(ctx, sess.Password)
			}
		}
	}
}
