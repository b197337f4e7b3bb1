// Package api provides the HTTP and gRPC servers exposing persisted
// evaluation runs and combination reports.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"comboval/internal/config"
	"comboval/internal/store"
)

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	httpAddr string
	grpcAddr string
	log      *slog.Logger

	httpServer *http.Server
	grpcServer *grpc.Server
}

// NewServer creates a Server for reader. metrics, when non-nil, is mounted
// at /metrics on the HTTP listener. A zero port disables that listener.
func NewServer(cfg config.Server, reader store.ReportReader, metrics http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "api")

	mux := http.NewServeMux()
	NewReportHandler(reader, log).RegisterRoutes(mux)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	gs := grpc.NewServer()
	NewReportService(reader, log).RegisterGRPC(gs)

	s := &Server{
		log:        log,
		httpServer: &http.Server{Handler: corsMiddleware(mux), ReadHeaderTimeout: 10 * time.Second},
		grpcServer: gs,
	}
	if cfg.Port > 0 {
		s.httpAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	if cfg.GRPCPort > 0 {
		s.grpcAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.GRPCPort))
	}
	return s
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a fatal error occurs. On cancellation the servers
// are shut down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var httpLn, grpcLn net.Listener
	var err error
	if s.httpAddr != "" {
		if httpLn, err = net.Listen("tcp", s.httpAddr); err != nil {
			return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
		}
	}
	if s.grpcAddr != "" {
		if grpcLn, err = net.Listen("tcp", s.grpcAddr); err != nil {
			if httpLn != nil {
				httpLn.Close()
			}
			return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
		}
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve serves on already-open listeners; either may be nil.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	if httpLn == nil && grpcLn == nil {
		return errors.New("api: no listener configured")
	}
	g, gctx := errgroup.WithContext(ctx)
	if httpLn != nil {
		g.Go(func() error {
			s.log.Info("HTTP server listening", "addr", httpLn.Addr().String())
			if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
	}
	if grpcLn != nil {
		g.Go(func() error {
			s.log.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down API servers")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	err := s.httpServer.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	return err
}
