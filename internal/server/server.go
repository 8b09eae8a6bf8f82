// ============================================================================
// AlertQueue Status Server - 唯讀狀態服務
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 將排程迴圈的狀態以 HTTP 與 gRPC health 暴露出去
//
// HTTP 路由 (chi):
//   GET /healthz  -> "ok"，迴圈執行中回 200，否則 503
//   GET /status   -> controller.Status 的 JSON
//   GET /metrics  -> Prometheus 指標
//
// gRPC:
//   grpc.health.v1.Health，服務名為 controller.HealthService
//
// 兩者都只讀取已發布的狀態，不會碰到隊列本身。
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/alertqueue/internal/controller"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// StatusSource 提供最近一次發布的狀態
type StatusSource interface {
	Status() controller.Status
}

// Options configures a status server. Empty addresses disable that listener.
type Options struct {
	HTTPAddr string
	GRPCAddr string
	Source   StatusSource
	Metrics  http.Handler
	Health   *health.Server
	Log      zerolog.Logger
}

// Server 持有 HTTP 與 gRPC 兩個 listener
type Server struct {
	opts   Options
	log    zerolog.Logger
	router *chi.Mux

	mu       sync.Mutex
	httpSrv  *http.Server
	grpcSrv  *grpc.Server
	httpAddr net.Addr
	grpcAddr net.Addr
}

// New builds the router. Nothing listens until Start.
func New(opts Options) *Server {
	if opts.Health == nil {
		opts.Health = health.NewServer()
	}
	s := &Server{
		opts: opts,
		log:  opts.Log.With().Str("component", "server").Logger(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Health returns the gRPC health server the scheduler reports to.
func (s *Server) Health() *health.Server {
	return s.opts.Health
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/status", s.status)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	return r
}

// requestLogger 以 zerolog 記錄每個請求
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Source != nil && !s.opts.Source.Status().Running {
		http.Error(w, "not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if s.opts.Source == nil {
		http.Error(w, "no status source", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Source.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================================
// 生命週期
// ============================================================================

// Start opens the configured listeners and serves them in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.HTTPAddr != "" {
		lis, err := net.Listen("tcp", s.opts.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.opts.HTTPAddr, err)
		}
		s.httpAddr = lis.Addr()
		s.httpSrv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
		go func(srv *http.Server) {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error().Err(err).Msg("http server failed")
			}
		}(s.httpSrv)
		s.log.Info().Str("addr", s.httpAddr.String()).Msg("http status server listening")
	}

	if s.opts.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			s.shutdownHTTP(context.Background())
			return fmt.Errorf("failed to listen on %s: %w", s.opts.GRPCAddr, err)
		}
		s.grpcAddr = lis.Addr()
		s.grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcSrv, s.opts.Health)
		go func(gs *grpc.Server) {
			if err := gs.Serve(lis); err != nil {
				s.log.Error().Err(err).Msg("grpc server failed")
			}
		}(s.grpcSrv)
		s.log.Info().Str("addr", s.grpcAddr.String()).Msg("grpc health server listening")
	}
	return nil
}

// HTTPAddr returns the bound HTTP address, nil before Start.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// GRPCAddr returns the bound gRPC address, nil before Start.
func (s *Server) GRPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grpcAddr
}

// Shutdown stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grpcSrv != nil {
		s.opts.Health.Shutdown()
		s.grpcSrv.GracefulStop()
		s.grpcSrv = nil
	}
	return s.shutdownHTTP(ctx)
}

func (s *Server) shutdownHTTP(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	err := s.httpSrv.Shutdown(ctx)
	s.httpSrv = nil
	return err
}
