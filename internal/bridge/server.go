package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlbridge/sqlbridge/internal/observability"
	"github.com/sqlbridge/sqlbridge/internal/query"
)

// Limits bounds what a single tool call may ask for. Overrides in the call
// arguments are clamped to the Max values, never trusted as-is.
type Limits struct {
	DefaultStatementTimeout time.Duration
	MaxStatementTimeout     time.Duration
	DefaultRowLimit         int
	MaxRowLimit             int
	MaxResultBytes          int64
}

type Config struct {
	ServiceName string
	Version     string

	Address           string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	Limits Limits

	// Redact scrubs credentials from error text before it leaves the
	// process. Optional.
	Redact func(string) string

	// AuthMiddleware wraps the tool endpoint when set. Health and metrics
	// endpoints stay open.
	AuthMiddleware func(http.Handler) http.Handler
}

// Server exposes the query tool over MCP, on either a streamable HTTP
// endpoint or stdio.
type Server struct {
	cfg   Config
	log   *slog.Logger
	coord *Coordinator
	exec  query.Executor
	mcp   *mcp.Server
	http  *http.Server
}

func New(cfg Config, coord *Coordinator, exec query.Executor, log *slog.Logger) (*Server, error) {
	if coord == nil {
		return nil, errors.New("coordinator is required")
	}
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sqlbridge-mcp"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{cfg: cfg, log: log, coord: coord, exec: exec}

	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    cfg.ServiceName,
		Version: cfg.Version,
	}, nil)
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	s.http = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.routes(),
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	var tool http.Handler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, &mcp.StreamableHTTPOptions{Stateless: true})
	if s.cfg.AuthMiddleware != nil {
		tool = s.cfg.AuthMiddleware(tool)
	}
	mux.Handle("/", tool)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := s.coord.Ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, `{"status":"unavailable","error":%q}`, err.Error())
			return
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler := observability.MetricsMiddleware(mux)
	handler = observability.LoggingMiddleware(s.log)(handler)
	handler = observability.TraceMiddleware(handler)
	return handler
}

// Run serves the HTTP transport until ctx is cancelled, then drains within
// the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("mcp http transport listening", slog.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}

// RunStdio serves the stdio transport until the peer disconnects or ctx is
// cancelled. Logs must go to stderr in this mode; stdout carries protocol
// frames.
func (s *Server) RunStdio(ctx context.Context) error {
	s.log.Info("mcp stdio transport ready")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}
