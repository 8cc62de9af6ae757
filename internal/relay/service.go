// Package relay answers synthesis requests from other gateways over NATS
// using the local engine.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-tts-gateway/internal/config"
	"github.com/loqalabs/loqa-tts-gateway/internal/locale"
	"github.com/loqalabs/loqa-tts-gateway/internal/protocol"
	"github.com/loqalabs/loqa-tts-gateway/internal/session"
	"github.com/loqalabs/loqa-tts-gateway/internal/synth"
)

// Synthesizer runs one synthesis to completion.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synth.Request) (session.Result, error)
}

type Service struct {
	cfg           config.RelayConfig
	conn          *nats.Conn
	synth         Synthesizer
	objects       nats.ObjectStore
	defaultLocale locale.Locale
	sub           *nats.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
	logger        *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewService builds a relay. objects may be nil, in which case all audio is
// sent inline.
func NewService(parent context.Context, cfg config.RelayConfig, conn *nats.Conn, synthesizer Synthesizer, objects nats.ObjectStore, defaultLocale locale.Locale, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:           cfg,
		conn:          conn,
		synth:         synthesizer,
		objects:       objects,
		defaultLocale: defaultLocale,
		ctx:           ctx,
		cancel:        cancel,
		logger:        log.With(slog.String("component", "relay")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := s.cfg.Subject
	if subject == "" {
		subject = protocol.SubjectSynthesize
	}
	sub, err := s.conn.QueueSubscribe(subject, s.cfg.QueueGroup, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("relay listening", slog.String("subject", subject), slog.String("queue", s.cfg.QueueGroup))
	return nil
}

// Close stops delivery and waits for in-flight requests. Requests that arrive
// while closing are refused.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			s.logger.Warn("failed to unsubscribe relay", slogError(err))
		}
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesis request", slogError(err))
		s.reply(msg, protocol.SynthesisReply{Error: "malformed request"})
		return
	}

	if strings.TrimSpace(req.Text) == "" || !utf8.ValidString(req.Text) {
		s.reply(msg, protocol.SynthesisReply{ID: req.ID, Error: "text is required"})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.reply(msg, protocol.SynthesisReply{ID: req.ID, Error: "relay is shutting down"})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		res, err := s.synth.Synthesize(s.ctx, synth.Request{
			Text:   req.Text,
			Locale: locale.ParseOr(req.Locale, s.defaultLocale),
		})
		if err != nil {
			s.logger.Warn("relay synthesis failed", slog.String("request_id", req.ID), slogError(err))
			s.reply(msg, protocol.SynthesisReply{ID: req.ID, Error: err.Error()})
			return
		}

		reply := protocol.SynthesisReply{ID: req.ID, Audio: res.Audio}
		if s.objects != nil && len(res.Audio) > s.cfg.InlineLimitBytes {
			key := "audio-" + res.JobID
			if _, err := s.objects.PutBytes(key, res.Audio, nats.Context(s.ctx)); err != nil {
				s.logger.Warn("failed to offload audio", slog.String("request_id", req.ID), slogError(err))
				s.reply(msg, protocol.SynthesisReply{ID: req.ID, Error: "audio offload failed"})
				return
			}
			reply.Audio, reply.ObjectKey = nil, key
		}
		s.reply(msg, reply)
	}()
}

func (s *Service) reply(msg *nats.Msg, reply protocol.SynthesisReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal relay reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send relay reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
