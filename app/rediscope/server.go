// Package rediscope wires the store, the inspection components and the HTTP
// surface into one running server.
package rediscope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/flonle/rediscope/app/rediscope/api"
	"github.com/flonle/rediscope/app/rediscope/keyspace"
	"github.com/flonle/rediscope/app/rediscope/metrics"
	"github.com/flonle/rediscope/app/rediscope/relay"
	"github.com/flonle/rediscope/app/rediscope/store"
	"github.com/flonle/rediscope/app/rediscope/streams"
	"github.com/flonle/rediscope/app/rediscope/telemetry"
	"github.com/flonle/rediscope/app/rediscope/values"
)

type Server struct {
	cfg      Config
	log      *slog.Logger
	store    *store.Store
	relay    *relay.Relay
	metrics  *metrics.Registry
	handler  *api.Handler
	http     *http.Server
	tracing  func(context.Context) error
	Listener net.Listener
	Quitch   chan os.Signal
	serveErr chan error
}

// MakeServer builds every component from cfg. Nothing listens until Start.
func MakeServer(ctx context.Context, cfg Config, logger *slog.Logger, version string) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "rediscope",
		ServiceVersion: version,
		Stdout:         cfg.TraceStdout,
	})
	if err != nil {
		return nil, fmt.Errorf("starting tracing: %w", err)
	}

	reg := metrics.NewRegistry()
	st := store.Open(cfg.storeOptions(), logger.With("component", "store"), reg.StoreHook())
	rl := relay.New(st, relay.Options{
		Logger:      logger.With("component", "relay"),
		Observer:    reg.Relay(),
		SwitchRate:  rate.Limit(cfg.Relay.SwitchRate),
		SwitchBurst: cfg.Relay.SwitchBurst,
	})

	h := api.New(api.Backends{
		Keys:    keyspace.NewBrowser(st, logger.With("component", "keyspace")),
		Values:  values.NewNormalizer(st, logger.With("component", "values")),
		Streams: streams.NewIntrospector(st, logger.With("component", "streams")),
		PubSub:  rl,
	}, api.Options{
		Logger:    logger.With("component", "api"),
		Metrics:   reg,
		StaticDir: cfg.StaticDir,
	})

	return &Server{
		cfg:     cfg,
		log:     logger,
		store:   st,
		relay:   rl,
		metrics: reg,
		handler: h,
		http: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
		tracing:  shutdownTracing,
		Quitch:   make(chan os.Signal, 1),
		serveErr: make(chan error, 1),
	}, nil
}

func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on the configured address and blocks until SIGINT, SIGTERM
// or a failure of the HTTP server, then shuts everything down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.Listener = ln
	s.log.Info("listening", "addr", ln.Addr().String(), "redis", s.cfg.Redis.Addr)

	go s.serve()

	signal.Notify(s.Quitch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(s.Quitch)

	var serveErr error
	select {
	case sig := <-s.Quitch:
		s.log.Info("shutting down", "signal", sig.String())
	case serveErr = <-s.serveErr:
		s.log.Error("http server stopped", "error", serveErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, s.Shutdown(ctx))
}

func (s *Server) serve() {
	if err := s.http.Serve(s.Listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.serveErr <- err
	}
}

// Shutdown ends every relay session first so viewers get a close frame, then
// drains HTTP requests and releases the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.relay.Shutdown()

	var errList []error
	if err := s.http.Shutdown(ctx); err != nil {
		errList = append(errList, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errList = append(errList, fmt.Errorf("closing store: %w", err))
	}
	if err := s.tracing(ctx); err != nil {
		errList = append(errList, fmt.Errorf("flushing traces: %w", err))
	}
	s.log.Info("stopped")
	return errors.Join(errList...)
}
