// Package runtime assembles the gateway process from configuration and runs
// it until the context is cancelled.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts-gateway/internal/bus"
	"github.com/loqalabs/loqa-tts-gateway/internal/config"
	"github.com/loqalabs/loqa-tts-gateway/internal/gateway"
	"github.com/loqalabs/loqa-tts-gateway/internal/locale"
	"github.com/loqalabs/loqa-tts-gateway/internal/natsserver"
	"github.com/loqalabs/loqa-tts-gateway/internal/netinfo"
	"github.com/loqalabs/loqa-tts-gateway/internal/relay"
	"github.com/loqalabs/loqa-tts-gateway/internal/session"
	"github.com/loqalabs/loqa-tts-gateway/internal/store"
	"github.com/loqalabs/loqa-tts-gateway/internal/synth"
	"github.com/loqalabs/loqa-tts-gateway/internal/wire"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	tracerClose func(context.Context) error
	store       *store.Store
	nats        *natsserver.EmbeddedServer
	bus         *bus.Client
	backend     *synth.Backend
	listener    *gateway.Listener
	relay       *relay.Service
	httpServer  *http.Server

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component, blocks until ctx is done and then shuts
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	err := r.setup(ctx)
	if err == nil {
		r.ready.Store(true)
		r.logger.Info("runtime started")
		r.wg.Add(1)
		go r.pruneLoop(ctx)
		<-ctx.Done()
		r.logger.Info("runtime stopping")
	}
	r.ready.Store(false)
	r.teardown()
	return err
}

func (r *Runtime) setup(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	r.store, err = store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	port, err := r.store.Port(ctx, r.cfg.Gateway.Port)
	if err != nil {
		r.logger.Warn("failed to read saved port, using configured port", slog.String("error", err.Error()))
		port = r.cfg.Gateway.Port
	}

	if err := r.connectBus(ctx); err != nil {
		return err
	}

	engine, err := r.newEngine()
	if err != nil {
		return err
	}
	r.backend, err = synth.NewBackend(engine, r.cfg.Synthesis.TempDir, r.logger)
	if err != nil {
		_ = engine.Close()
		return err
	}
	sessions := session.NewManager(r.backend, time.Duration(r.cfg.Synthesis.TimeoutMS)*time.Millisecond, r.logger)
	defaultLocale := locale.System(r.cfg.Synthesis.DefaultLocale)

	recorders := []gateway.Recorder{r.store}
	if r.bus != nil && r.cfg.Bus.PublishEvents {
		recorders = append(recorders, bus.NewJobPublisher(r.bus))
	}
	handler := gateway.NewHandler(gateway.HandlerConfig{
		ReadTimeout:  time.Duration(r.cfg.Gateway.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(r.cfg.Gateway.WriteTimeoutMS) * time.Millisecond,
		Limits: wire.Limits{
			MaxLineBytes: r.cfg.Gateway.MaxLineBytes,
			MaxBodyBytes: r.cfg.Gateway.MaxBodyBytes,
		},
		DefaultLocale: defaultLocale,
	}, sessions, r.logger, recorders...)

	r.listener, err = gateway.NewListener(gateway.ListenerConfig{
		Bind:           r.cfg.Gateway.Bind,
		MaxConnections: r.cfg.Gateway.MaxConnections,
	}, handler, r.logger)
	if err != nil {
		return err
	}
	if err := r.listener.Start(port); err != nil {
		if !r.cfg.Admin.Enabled {
			return fmt.Errorf("failed to start gateway listener: %w", err)
		}
		r.logger.Error("gateway listener failed to start, waiting for a new port over the admin API",
			slog.Int("port", port), slog.String("error", err.Error()))
	} else {
		r.announce(ctx)
	}

	if r.cfg.Relay.Enabled {
		objects, err := r.bus.AudioObjects(r.cfg.Relay.ObjectBucket)
		if err != nil {
			r.logger.Warn("audio object store unavailable, relay replies stay inline", slog.String("error", err.Error()))
			objects = nil
		}
		r.relay = relay.NewService(ctx, r.cfg.Relay, r.bus.Conn(), sessions, objects, defaultLocale, r.logger)
		if err := r.relay.Start(); err != nil {
			return fmt.Errorf("failed to start relay: %w", err)
		}
	}

	if r.cfg.Admin.Enabled {
		r.startAdmin(metricsHandler)
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	if !r.cfg.NeedsBus() {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.nats = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) newEngine() (synth.Engine, error) {
	s := r.cfg.Synthesis
	timeout := time.Duration(s.TimeoutMS) * time.Millisecond
	switch s.Mode {
	case "exec":
		engine, err := synth.NewExecEngine(s.Command, s.Workers, s.QueueDepth, timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create exec engine: %w", err)
		}
		r.logger.Info("synthesis engine ready", slog.String("mode", "exec"), slog.Int("workers", s.Workers))
		return engine, nil
	case "remote":
		objects, err := r.bus.AudioObjects(r.cfg.Relay.ObjectBucket)
		if err != nil {
			r.logger.Warn("audio object store unavailable, expecting inline replies", slog.String("error", err.Error()))
			objects = nil
		}
		engine, err := synth.NewRemoteEngine(r.bus.Conn(), r.cfg.Relay.Subject, timeout, s.QueueDepth, objects)
		if err != nil {
			return nil, fmt.Errorf("failed to create remote engine: %w", err)
		}
		r.logger.Info("synthesis engine ready", slog.String("mode", "remote"), slog.String("subject", r.cfg.Relay.Subject))
		return engine, nil
	default:
		r.logger.Info("synthesis engine ready", slog.String("mode", "mock"), slog.Int("sample_rate", s.SampleRate))
		return synth.NewToneEngine(s.SampleRate, time.Duration(s.MockDelayMS)*time.Millisecond), nil
	}
}

func (r *Runtime) announce(ctx context.Context) {
	host, ok, err := netinfo.LocalIPv4(ctx)
	if err != nil {
		r.logger.Debug("failed to inspect interfaces", slog.String("error", err.Error()))
	}
	if !ok {
		host = ""
	}
	r.logger.Info("gateway ready", slog.String("url", netinfo.DisplayURL(host, r.listener.Port())))
}

func (r *Runtime) startAdmin(metrics http.Handler) {
	a := &admin{
		listener: r.listener,
		store:    r.store,
		ready:    r.isReady,
		metrics:  metrics,
		logger:   r.logger.With(slog.String("component", "admin")),
	}
	addr := net.JoinHostPort(r.cfg.Admin.Bind, strconv.Itoa(r.cfg.Admin.Port))
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("admin server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("admin server started", slog.String("addr", addr))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.listener.State() != gateway.StateListening {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	return r.relay == nil || r.relay.Healthy()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("job journal prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) teardown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("admin shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.listener != nil {
		if err := r.listener.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("listener shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.relay != nil {
		r.relay.Close()
	}
	if r.backend != nil {
		if err := r.backend.Close(); err != nil {
			r.logger.Error("synthesis backend close error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
