package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"scriptpool/pool"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// executeRequest is the POST /execute body.
type executeRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Command   string         `json:"command"`
	Args      map[string]any `json:"args,omitempty"`
	TimeoutMs int            `json:"timeout_ms,omitempty"`
	Priority  string         `json:"priority,omitempty"`
}

type executeResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *pool.PoolError `json:"error,omitempty"`
}

// executor is the slice of the pool client the handlers need; narrowed
// so handler tests can stub it.
type executor interface {
	Execute(ctx context.Context, sessionID, command string, args map[string]any, opts *pool.ExecOptions) (json.RawMessage, error)
}

// backend is the observability slice of the pool.
type backend interface {
	Stats() pool.Stats
	Sessions() map[string]pool.SessionRecord
	Health() pool.HealthSummary
	Recycle()
	Events() *pool.EventHub
}

type server struct {
	exec      executor
	pool      backend
	logger    *zap.Logger
	jwtSecret []byte
	upgrader  websocket.Upgrader
}

// claims carries the subject of an admin/events bearer token.
type claims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

// authenticate validates Authorization: Bearer <jwt> signed with an
// HMAC method (HS256, HS384 or HS512) and the configured secret. With no secret configured the endpoint is
// open, which is only sane on a private interface.
func (s *server) authenticate(r *http.Request) error {
	if len(s.jwtSecret) == 0 {
		return nil
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return errors.New("missing bearer token")
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

	c := &claims{}
	token, err := jwt.ParseWithClaims(tokenStr, c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err *pool.PoolError) int {
	switch err.Category {
	case pool.CategoryTimeout:
		return http.StatusGatewayTimeout
	case pool.CategoryResource:
		return http.StatusServiceUnavailable
	case pool.CategoryCommunication:
		return http.StatusBadGateway
	case pool.CategoryProtocol:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func parsePriority(s string) pool.Priority {
	if strings.EqualFold(s, "high") {
		return pool.PriorityHigh
	}
	return pool.PriorityNormal
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	reqID := r.Header.Get("X-Request-Id")
	if reqID == "" {
		reqID = uuid.New().String()
	}

	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	opts := &pool.ExecOptions{Priority: parsePriority(body.Priority)}
	if body.TimeoutMs > 0 {
		opts.RequestTimeout = time.Duration(body.TimeoutMs) * time.Millisecond
	}

	start := time.Now()
	result, err := s.exec.Execute(r.Context(), body.SessionID, body.Command, body.Args, opts)
	elapsed := time.Since(start)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", reqID)

	if err != nil {
		pe := pool.AsPoolError(err)
		s.logger.Warn("execute failed",
			zap.String("request_id", reqID),
			zap.String("command", body.Command),
			zap.String("session_id", body.SessionID),
			zap.String("error_type", pe.Type),
			zap.Duration("elapsed", elapsed))
		w.WriteHeader(statusFor(pe))
		_ = json.NewEncoder(w).Encode(executeResponse{OK: false, Error: pe})
		return
	}

	s.logger.Info("execute ok",
		zap.String("request_id", reqID),
		zap.String("command", body.Command),
		zap.String("session_id", body.SessionID),
		zap.Duration("elapsed", elapsed))
	_ = json.NewEncoder(w).Encode(executeResponse{OK: true, Result: result})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.pool.Stats()); err != nil {
		http.Error(w, "failed to encode stats", http.StatusInternalServerError)
	}
}

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.pool.Sessions()); err != nil {
		http.Error(w, "failed to encode sessions", http.StatusInternalServerError)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.pool.Health()); err != nil {
		http.Error(w, "failed to encode health", http.StatusInternalServerError)
	}
}

func (s *server) handleRecycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.authenticate(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.pool.Recycle()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"note":   "all workers draining; replacements will spawn",
	})
}

// handleEvents streams pool lifecycle events over a websocket. The
// topic defaults to "all".
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.authenticate(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = pool.TopicAll
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("events upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	hub := s.pool.Events()
	client := hub.Subscribe(topic)
	defer hub.Unsubscribe(topic, client)

	done := make(chan struct{})

	// writer goroutine: hub events out to the socket
	go func() {
		defer close(done)
		for ev := range client.Send {
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Warn("events write error", zap.Error(err))
				return
			}
		}
	}()

	// reader loop: nothing inbound is meaningful, but reading detects
	// the close handshake
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure,
			) {
				return
			}
			return
		}
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/pool/stats", s.handleStats)
	mux.HandleFunc("/pool/sessions", s.handleSessions)
	mux.HandleFunc("/pool/health", s.handleHealth)
	mux.HandleFunc("/pool/recycle", s.handleRecycle)
	mux.HandleFunc("/pool/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := pool.LoadConfig(os.Getenv("POOL_CONFIG"), logger)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	p, err := pool.New(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("pool construction failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		cfg.InitTimeout+5*time.Second)
	if err := p.Start(ctx); err != nil {
		cancel()
		logger.Fatal("pool startup failed", zap.Error(err))
	}
	cancel()

	srv := &server{
		exec:      p.Client(),
		pool:      p,
		logger:    logger,
		jwtSecret: []byte(os.Getenv("POOL_JWT_SECRET")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// events endpoint is operator-facing; origin checks
				// are handled by the deployment, not here
				return true
			},
		},
	}

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.routes(),
	}

	// Graceful shutdown on SIGINT/SIGTERM
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-shutdownCh
		logger.Info("signal received, draining pool and stopping HTTP server")

		ctx, cancel := context.WithTimeout(context.Background(),
			cfg.DrainTimeout+5*time.Second)
		defer cancel()

		if err := p.Shutdown(cfg.DrainTimeout); err != nil {
			logger.Warn("pool shutdown finished with forced terminations", zap.Error(err))
		}
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Warn("http server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("=============================================")
	logger.Info("scriptpool server listening", zap.String("addr", cfg.ListenAddr))
	logger.Info("=============================================")
	logger.Info("pool configuration",
		zap.String("pool", cfg.PoolName),
		zap.Int("workers", cfg.PoolSize),
		zap.String("exec_path", cfg.Worker.ExecPath),
		zap.Duration("checkout_timeout", cfg.CheckoutTimeout),
		zap.Duration("request_timeout", cfg.RequestTimeout),
		zap.Int("max_queue_depth", cfg.MaxQueueDepth),
		zap.Bool("hot_reload", cfg.HotReload))

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("listen error", zap.Error(err))
	}
}
