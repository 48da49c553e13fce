// Package server exposes the negotiation and escrow layer as a local JSON API
// with a websocket stream of lifecycle and projection updates.
package server

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"krine/internal/config"
	"krine/internal/escrow"
	"krine/internal/hmacauth"
	"krine/internal/idempotency"
	"krine/internal/negotiation"
	"krine/internal/projection"
	"krine/internal/rpcguard"
	"krine/internal/session"
	"krine/internal/txlife"
)

// BalanceReader reads account balances from the chain.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Deps are the collaborators of a Server. Projection, Balances, Ping, Guard,
// Metrics and Logger are optional.
type Deps struct {
	Config       *config.AppConfig
	Session      *session.Session
	Negotiations negotiation.Client
	Escrows      escrow.Client
	Tracker      *txlife.Tracker
	Store        idempotency.Store
	Projection   *projection.Projection
	Guard        *rpcguard.Guard
	Balances     BalanceReader
	Metrics      *Metrics
	Logger       *zap.Logger
	Ping         func(context.Context) error
}

type Server struct {
	cfg          *config.AppConfig
	session      *session.Session
	negotiations negotiation.Client
	negReader    negotiation.Reader
	escrows      escrow.Client
	escReader    escrow.Reader
	tracker      *txlife.Tracker
	store        idempotency.Store
	projection   *projection.Projection
	guard        *rpcguard.Guard
	balances     BalanceReader
	metrics      *Metrics
	logger       *zap.Logger
	hub          *hub
	hmac         *hmacauth.Verifier
	httpServer   *http.Server
	dbHealthFn   func(context.Context) error
	rpcHealthFn  func(context.Context) error
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	guard := d.Guard
	if guard == nil {
		guard = rpcguard.New("reads", rpcguard.WithLogger(logger), rpcguard.WithFailureHook(metrics.ReadFailure))
	}

	s := &Server{
		cfg:          d.Config,
		session:      d.Session,
		negotiations: d.Negotiations,
		negReader:    rpcguard.NewNegotiationReader(guard, d.Negotiations),
		escrows:      d.Escrows,
		escReader:    rpcguard.NewEscrowReader(guard, d.Escrows),
		tracker:      d.Tracker,
		store:        d.Store,
		projection:   d.Projection,
		guard:        guard,
		balances:     d.Balances,
		metrics:      metrics,
		logger:       logger,
		hub:          newHub(logger),
		hmac: &hmacauth.Verifier{
			Secret:  d.Config.Service.HMACSecret,
			MaxSkew: d.Config.Service.HMACClockSkew,
			Logger:  logger,
		},
		rpcHealthFn: d.Ping,
	}
	if checker, ok := d.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	s.tracker.Observe(func(op txlife.Op) {
		s.metrics.ObserveOp(op)
		view := s.viewOp(op)
		s.hub.publish(Event{Type: EventOp, Op: &view})
	})
	if s.projection != nil {
		s.projection.OnChange(func(id uint64) {
			s.hub.publish(Event{Type: EventNegotiation, NegotiationID: &id})
		})
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(d.Config.Service.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler returns the routed API with request ids and access logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/session", s.handleSession)
	mux.HandleFunc("GET /api/v1/inbox", s.handleInbox)
	mux.HandleFunc("GET /api/v1/negotiations/{id}", s.handleGetNegotiation)
	mux.HandleFunc("GET /api/v1/escrows/{id}", s.handleGetEscrow)
	mux.HandleFunc("GET /api/v1/ops/{id}", s.handleGetOp)
	mux.HandleFunc("GET /api/v1/stream", s.hub.serve)

	writes := map[string]writeBuilder{
		"POST /api/v1/negotiations":               s.planStart,
		"POST /api/v1/negotiations/{id}/messages": s.planMessage,
		"POST /api/v1/negotiations/{id}/accept":   s.planAccept,
		"POST /api/v1/negotiations/{id}/close":    s.planClose,
		"POST /api/v1/escrows":                    s.planDeposit,
		"POST /api/v1/escrows/{id}/release":       s.planRelease,
		"POST /api/v1/escrows/{id}/refund":        s.planRefund,
	}
	for pattern, build := range writes {
		mux.Handle(pattern, s.hmac.Middleware(s.write(pattern, build)))
	}

	return requestIDMiddleware(s.accessLog(mux))
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, disconnects stream clients and waits
// for background confirmations.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	err := s.httpServer.Shutdown(ctx)
	s.tracker.Close()
	return err
}

type dependencyHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type projectionHealth struct {
	Enabled bool   `json:"enabled"`
	Synced  bool   `json:"synced"`
	Head    uint64 `json:"head"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := dependencyHealth{Connected: true}
	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo = dependencyHealth{Error: err.Error()}
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := dependencyHealth{Connected: true}
	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo = dependencyHealth{Error: err.Error()}
			overallHealthy = false
		}
	}

	proj := projectionHealth{}
	if s.projection != nil {
		proj = projectionHealth{Enabled: true, Synced: s.projection.Synced(), Head: s.projection.Head()}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status        string           `json:"status"`
		RPC           dependencyHealth `json:"rpc"`
		Database      dependencyHealth `json:"database"`
		ReadBreaker   string           `json:"read_breaker"`
		Projection    projectionHealth `json:"projection"`
		StreamClients int              `json:"stream_clients"`
	}{
		Status:        status,
		RPC:           rpcInfo,
		Database:      dbInfo,
		ReadBreaker:   s.guard.State().String(),
		Projection:    proj,
		StreamClients: s.hub.count(),
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
