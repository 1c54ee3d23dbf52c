package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"cashpoint/internal/config"
	"cashpoint/internal/coordinator"
	"cashpoint/internal/hmacauth"
	"cashpoint/internal/metrics"
	"cashpoint/internal/paynet"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Deps are the collaborators the HTTP layer needs. Store, Network and Cache
// are only used for health probes and may be nil.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Logger      *zap.Logger
	Metrics     *metrics.Registry
	Store       interface{}
	Network     paynet.Network
	Cache       interface{}
}

type Server struct {
	cfg           *config.AppConfig
	coord         *coordinator.Coordinator
	logger        *zap.Logger
	metrics       *metrics.Registry
	kioskHMAC     *hmacauth.Verifier
	paymentHMAC   *hmacauth.Verifier
	operatorHMAC  *hmacauth.Verifier
	router        chi.Router
	httpServer    *http.Server
	dlq           *deadLetters
	dbHealthFn    func(context.Context) error
	rpcHealthFn   func(context.Context) error
	cacheHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:     cfg,
		coord:   deps.Coordinator,
		logger:  logger.Named("http"),
		metrics: deps.Metrics,
		kioskHMAC: &hmacauth.Verifier{
			Secret:  cfg.Secrets.KioskHMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		paymentHMAC: &hmacauth.Verifier{
			Secret:          cfg.Secrets.PaymentWebhookSecret,
			MaxSkew:         cfg.Service.HMACClockSkew,
			SignatureHeader: "X-Payment-Signature",
			TimestampHeader: "X-Payment-Timestamp",
		},
		operatorHMAC: &hmacauth.Verifier{
			Secret:          cfg.Secrets.OperatorHMACSecret,
			MaxSkew:         cfg.Service.HMACClockSkew,
			SignatureHeader: "X-Operator-Signature",
			TimestampHeader: "X-Operator-Timestamp",
		},
		dlq: newDeadLetters(cfg.Service.DLQPath, deps.Metrics, logger),
	}

	if checker, ok := deps.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := deps.Network.(paynet.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}
	if checker, ok := deps.Cache.(interface{ Ping(context.Context) error }); ok {
		s.cacheHealthFn = checker.Ping
	}

	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Handle("/metrics", s.metrics.Handler())

		r.Post("/accounts", s.handleOpenAccount)
		r.Get("/accounts/{accountID}", s.handleGetAccount)

		r.Post("/withdrawals", s.handleCreateWithdrawal)
		r.Get("/withdrawals", s.handleFindWithdrawal)
		r.Get("/withdrawals/{withdrawalID}", s.handleGetWithdrawal)

		r.With(s.paymentHMAC.Middleware).Post("/callbacks/payment", s.handlePaymentCallback)

		r.Route("/kiosk", func(r chi.Router) {
			r.Use(s.kioskHMAC.Middleware)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Post("/withdrawals/{withdrawalID}/ack", s.handleAck)
			r.Post("/withdrawals/{withdrawalID}/report", s.handleReport)
			r.Post("/withdrawals/{withdrawalID}/redeem", s.handleRedeem)
		})

		if s.operatorHMAC.Secret == "" {
			s.logger.Warn("OPERATOR_HMAC_SECRET not set, operator routes disabled")
			return
		}
		r.Route("/operator", func(r chi.Router) {
			r.Use(s.operatorHMAC.Middleware)
			r.Post("/accounts/{accountID}/grants", s.handleGrant)
			r.Get("/withdrawals", s.handleListWithdrawals)
			r.Post("/withdrawals/{withdrawalID}/cancel", s.handleCancel)
			r.Get("/kiosks", s.handleListKiosks)
		})
	})
	return r
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type probe struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func runProbe(ctx context.Context, fn func(context.Context) error) probe {
	if fn == nil {
		return probe{Connected: true}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := fn(ctx); err != nil {
		return probe{Error: err.Error()}
	}
	return probe{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rpc := runProbe(ctx, s.rpcHealthFn)
	db := runProbe(ctx, s.dbHealthFn)
	cache := runProbe(ctx, s.cacheHealthFn)

	healthy := rpc.Connected && db.Connected && cache.Connected
	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	resp := struct {
		Status     string `json:"status"`
		RPC        probe  `json:"rpc"`
		Database   probe  `json:"database"`
		Cache      probe  `json:"cache"`
		QueueDepth int    `json:"queue_depth"`
	}{
		Status:     status,
		RPC:        rpc,
		Database:   db,
		Cache:      cache,
		QueueDepth: s.dlq.depth(),
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", r.Header.Get("X-Request-Id")),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
