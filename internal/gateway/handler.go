// Package gateway serves synthesis requests over raw TCP connections: the
// listener accepts, and a handler owns each connection from request to close.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-tts-gateway/internal/locale"
	"github.com/loqalabs/loqa-tts-gateway/internal/protocol"
	"github.com/loqalabs/loqa-tts-gateway/internal/session"
	"github.com/loqalabs/loqa-tts-gateway/internal/synth"
	"github.com/loqalabs/loqa-tts-gateway/internal/wire"
)

const (
	lingerTimeout = time.Second
	lingerBytes   = 64 << 10
)

// Synthesizer runs one synthesis session to completion.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synth.Request) (session.Result, error)
}

// Recorder receives a summary of every synthesis request.
type Recorder interface {
	RecordJob(ctx context.Context, ev protocol.JobEvent) error
}

type HandlerConfig struct {
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	Limits        wire.Limits
	DefaultLocale locale.Locale
}

type Handler struct {
	cfg       HandlerConfig
	synth     Synthesizer
	recorders []Recorder
	logger    *slog.Logger
	metrics   *metrics
	tracer    trace.Tracer
	now       func() time.Time
}

func NewHandler(cfg HandlerConfig, synthesizer Synthesizer, log *slog.Logger, recorders ...Recorder) *Handler {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.DefaultLocale.IsZero() {
		cfg.DefaultLocale = locale.Fallback
	}
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("component", "gateway-handler"))
	return &Handler{
		cfg:       cfg,
		synth:     synthesizer,
		recorders: recorders,
		logger:    logger,
		metrics:   newMetrics(logger),
		tracer:    otel.Tracer(instrumentationName),
		now:       time.Now,
	}
}

// Serve handles exactly one request on conn and closes it. Errors are
// answered or logged here and never returned.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	h.metrics.active.Add(ctx, 1)
	defer h.metrics.active.Add(ctx, -1)
	defer h.closeConn(conn)

	log := h.logger.With(slog.String("remote", conn.RemoteAddr().String()))

	_ = conn.SetReadDeadline(h.now().Add(h.cfg.ReadTimeout))
	req, err := wire.ReadRequest(bufio.NewReader(conn), h.cfg.Limits)
	if err != nil {
		switch {
		case errors.Is(err, wire.ErrNoRequest):
			log.Debug("connection closed without a request")
		case errors.Is(err, wire.ErrBadRequest):
			log.Info("rejected malformed request", slogError(err))
			h.respond(ctx, conn, log, "invalid", wire.Error(http.StatusBadRequest))
		default:
			log.Info("failed to read request", slogError(err))
		}
		return
	}

	intent, err := req.Intent(h.cfg.DefaultLocale)
	if err != nil {
		code := statusFor(err)
		log.Info("rejected request", slog.String("method", req.Method), slog.Int("status", code), slogError(err))
		h.respond(ctx, conn, log, "invalid", wire.Error(code))
		return
	}

	switch intent.Kind {
	case wire.KindForm:
		h.respond(ctx, conn, log, intent.Kind.String(), wire.Form())
	case wire.KindSynthesize:
		h.synthesize(ctx, conn, log, req.Method, intent.Params)
	}
}

func (h *Handler) synthesize(ctx context.Context, conn net.Conn, log *slog.Logger, method string, params wire.Params) {
	ctx, span := h.tracer.Start(ctx, "gateway.synthesize", trace.WithAttributes(
		attribute.String("tts.method", method),
		attribute.String("tts.locale", params.Locale.String()),
		attribute.Int("tts.text_chars", utf8.RuneCountInString(params.Text)),
	))
	defer span.End()

	started := h.now()
	watcher := watchPeer(conn)
	res, err := h.synth.Synthesize(ctx, synth.Request{Text: params.Text, Locale: params.Locale})
	peerGone := watcher.stop()
	elapsed := h.now().Sub(started)
	h.metrics.duration.Record(ctx, elapsed.Seconds())

	ev := protocol.JobEvent{
		JobID:      res.JobID,
		Method:     method,
		Locale:     params.Locale.String(),
		TextChars:  utf8.RuneCountInString(params.Text),
		AudioBytes: len(res.Audio),
		DurationMS: elapsed.Milliseconds(),
		Timestamp:  h.now().UTC(),
	}
	log = log.With(slog.String("job_id", res.JobID))

	var resp *wire.Response
	if err != nil {
		code := statusFor(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("synthesis failed", slog.Int("status", code), slogError(err))
		ev.Status, ev.StatusCode = protocol.JobStatusFailed, code
		if errors.Is(err, session.ErrTimeout) {
			ev.Status = protocol.JobStatusTimedOut
		}
		resp = wire.Error(code)
	} else {
		ev.Status, ev.StatusCode = protocol.JobStatusSucceeded, http.StatusOK
		resp = wire.Audio(res.Audio)
	}
	span.SetAttributes(attribute.Int("http.status_code", ev.StatusCode))

	if peerGone {
		log.Info("peer closed before synthesis finished, dropping response")
		ev.Status = protocol.JobStatusAbandoned
		h.metrics.request(ctx, wire.KindSynthesize.String(), 0)
	} else if h.respond(ctx, conn, log, wire.KindSynthesize.String(), resp) && err == nil {
		h.metrics.audioBytes.Add(ctx, int64(len(res.Audio)))
		log.Info("synthesis served", slog.Int("audio_bytes", len(res.Audio)), slog.Duration("elapsed", elapsed))
	}
	h.record(ctx, log, ev)
}

// respond writes resp and reports whether the write succeeded.
func (h *Handler) respond(ctx context.Context, conn net.Conn, log *slog.Logger, kind string, resp *wire.Response) bool {
	h.metrics.request(ctx, kind, resp.StatusCode)
	_ = conn.SetWriteDeadline(h.now().Add(h.cfg.WriteTimeout))
	if _, err := resp.WriteTo(conn); err != nil {
		log.Warn("failed to write response", slog.Int("status", resp.StatusCode), slogError(err))
		return false
	}
	return true
}

func (h *Handler) record(ctx context.Context, log *slog.Logger, ev protocol.JobEvent) {
	if ev.JobID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, r := range h.recorders {
		if err := r.RecordJob(ctx, ev); err != nil {
			log.Warn("failed to record job", slogError(err))
		}
	}
}

func (h *Handler) closeConn(conn net.Conn) {
	lingerClose(conn, lingerTimeout)
}

// lingerClose half-closes the write side and drains what the peer still
// sends so unread request bytes do not turn the close into a reset.
func lingerClose(conn net.Conn, timeout time.Duration) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err == nil {
			_ = tcp.SetReadDeadline(time.Now().Add(timeout))
			_, _ = io.CopyN(io.Discard, tcp, lingerBytes)
		}
	}
	_ = conn.Close()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, wire.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, wire.ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, session.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, synth.ErrBusy), errors.Is(err, synth.ErrClosed),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
