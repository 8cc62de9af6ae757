package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/loqalabs/loqa-tts-gateway/internal/wire"
)

var (
	ErrInvalidPort  = errors.New("invalid listen port")
	ErrNotListening = errors.New("listener is not listening")
	ErrShutdown     = errors.New("listener has been shut down")
)

type State int

const (
	StateStopped State = iota
	StateStarting
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// ConnHandler consumes one accepted connection, including closing it.
type ConnHandler interface {
	Serve(ctx context.Context, conn net.Conn)
}

type ListenerConfig struct {
	Bind string
	// MaxConnections caps concurrently handled connections; zero means one
	// goroutine per connection without a cap.
	MaxConnections int
}

// Listener owns the public socket. Start, Stop, Restart and Shutdown are
// serialized, and only they touch the socket.
type Listener struct {
	cfg     ListenerConfig
	handler ConnHandler
	logger  *slog.Logger
	metrics *metrics
	pool    *ants.Pool

	transition sync.Mutex

	mu         sync.Mutex
	state      State
	ln         net.Listener
	port       int
	acceptDone chan struct{}
	shutdown   bool

	ctx      context.Context
	cancel   context.CancelFunc
	inFlight sync.WaitGroup
}

func NewListener(cfg ListenerConfig, handler ConnHandler, log *slog.Logger) (*Listener, error) {
	if handler == nil {
		return nil, errors.New("connection handler is required")
	}
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("component", "gateway-listener"))
	l := &Listener{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: newMetrics(logger),
	}
	if cfg.MaxConnections > 0 {
		pool, err := ants.NewPool(cfg.MaxConnections,
			ants.WithNonblocking(true),
			ants.WithLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn)),
			ants.WithPanicHandler(func(v any) {
				logger.Error("connection handler panicked", slog.Any("panic", v))
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("create connection pool: %w", err)
		}
		l.pool = pool
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l, nil
}

// Start binds port and begins accepting. Port 0 picks an ephemeral port.
func (l *Listener) Start(port int) error {
	l.transition.Lock()
	defer l.transition.Unlock()
	return l.start(port)
}

// Stop closes the socket and waits for the accept loop. In-flight handlers
// keep running.
func (l *Listener) Stop() error {
	l.transition.Lock()
	defer l.transition.Unlock()
	return l.stop()
}

// Restart stops the current socket and binds port. On bind failure the
// listener stays stopped.
func (l *Listener) Restart(port int) error {
	l.transition.Lock()
	defer l.transition.Unlock()
	if err := l.stop(); err != nil && !errors.Is(err, ErrNotListening) {
		return err
	}
	return l.start(port)
}

// Shutdown stops accepting and waits for in-flight handlers until ctx is done.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.transition.Lock()
	defer l.transition.Unlock()

	_ = l.stop()
	l.mu.Lock()
	l.shutdown = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.inFlight.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for connection handlers: %w", ctx.Err())
	}
	l.cancel()
	if l.pool != nil {
		l.pool.Release()
	}
	return err
}

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Port returns the bound port, or zero when not listening.
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

func (l *Listener) Addr() (net.Addr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil, ErrNotListening
	}
	return l.ln.Addr(), nil
}

func (l *Listener) start(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return ErrShutdown
	}
	if l.state != StateStopped {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("listener is %s", state)
	}
	l.state = StateStarting
	l.mu.Unlock()

	addr := net.JoinHostPort(l.cfg.Bind, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		l.setState(StateStopped)
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	done := make(chan struct{})
	l.mu.Lock()
	l.ln = ln
	l.port = ln.Addr().(*net.TCPAddr).Port
	l.acceptDone = done
	l.state = StateListening
	l.mu.Unlock()

	go l.acceptLoop(ln, done)
	l.logger.Info("listening", slog.String("addr", ln.Addr().String()))
	return nil
}

func (l *Listener) stop() error {
	l.mu.Lock()
	if l.state != StateListening {
		l.mu.Unlock()
		return ErrNotListening
	}
	l.state = StateStopping
	ln, done := l.ln, l.acceptDone
	l.mu.Unlock()

	err := ln.Close()
	<-done

	l.mu.Lock()
	l.ln = nil
	l.port = 0
	l.acceptDone = nil
	l.state = StateStopped
	l.mu.Unlock()

	l.logger.Info("stopped listening", slog.String("addr", ln.Addr().String()))
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Listener) acceptLoop(ln net.Listener, done chan<- struct{}) {
	defer close(done)
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			l.logger.Warn("accept failed", slog.Duration("retry_in", backoff), slogError(err))
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		l.dispatch(conn)
	}
}

func (l *Listener) dispatch(conn net.Conn) {
	l.inFlight.Add(1)
	serve := func() {
		defer l.inFlight.Done()
		l.handler.Serve(l.ctx, conn)
	}
	if l.pool == nil {
		go serve()
		return
	}
	if err := l.pool.Submit(serve); err != nil {
		l.inFlight.Done()
		go l.reject(conn, err)
	}
}

func (l *Listener) reject(conn net.Conn, cause error) {
	l.metrics.rejected.Add(l.ctx, 1)
	l.logger.Warn("rejecting connection", slog.String("remote", conn.RemoteAddr().String()), slogError(cause))
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = wire.Error(http.StatusServiceUnavailable).WriteTo(conn)
	lingerClose(conn, lingerTimeout)
}
