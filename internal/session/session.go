// Package session turns an asynchronous synthesis job into a bounded,
// synchronous wait owned by a single request.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-tts-gateway/internal/synth"
)

var (
	ErrTimeout = errors.New("synthesis timed out")
	ErrNoAudio = errors.New("synthesis produced no audio")
)

// DefaultTimeout bounds a session when the manager is built without one.
const DefaultTimeout = 60 * time.Second

// Backend is the part of synth.Backend a session needs.
type Backend interface {
	Submit(ctx context.Context, req synth.Request) (*synth.Job, error)
	Abandon(job *synth.Job, cause error)
}

// Result is the outcome of a successful session.
type Result struct {
	JobID   string
	Audio   []byte
	Elapsed time.Duration
}

type Manager struct {
	backend Backend
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewManager(backend Backend, timeout time.Duration, log *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		backend: backend,
		timeout: timeout,
		logger:  log.With(slog.String("component", "synth-session")),
		now:     time.Now,
	}
}

func (m *Manager) Timeout() time.Duration { return m.timeout }

// Session owns exactly one job from submission until its audio is read.
type Session struct {
	m       *Manager
	job     *synth.Job
	started time.Time
}

// Start submits one job without waiting for it.
func (m *Manager) Start(ctx context.Context, req synth.Request) (*Session, error) {
	started := m.now()
	job, err := m.backend.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Session{m: m, job: job, started: started}, nil
}

func (s *Session) JobID() string { return s.job.ID() }

// Await blocks until the job completes, the manager timeout expires or ctx is
// done. The staged audio is released on every path.
func (s *Session) Await(ctx context.Context) (Result, error) {
	defer func() {
		if err := s.job.Release(); err != nil {
			s.m.logger.Warn("failed to release staged audio", slog.String("job_id", s.job.ID()), slog.String("error", err.Error()))
		}
	}()

	timer := time.NewTimer(s.m.timeout)
	defer timer.Stop()

	select {
	case <-s.job.Done():
	case <-timer.C:
		s.m.backend.Abandon(s.job, ErrTimeout)
		return Result{JobID: s.job.ID()}, ErrTimeout
	case <-ctx.Done():
		s.m.backend.Abandon(s.job, ctx.Err())
		return Result{JobID: s.job.ID()}, ctx.Err()
	}

	if err := s.job.Err(); err != nil {
		return Result{JobID: s.job.ID()}, err
	}
	audio, err := s.job.ReadAudio()
	if err != nil {
		return Result{JobID: s.job.ID()}, fmt.Errorf("%w: read staged audio: %v", synth.ErrFailed, err)
	}
	if len(audio) == 0 {
		return Result{JobID: s.job.ID()}, ErrNoAudio
	}
	return Result{
		JobID:   s.job.ID(),
		Audio:   audio,
		Elapsed: s.m.now().Sub(s.started),
	}, nil
}

// Synthesize runs Start and Await.
func (m *Manager) Synthesize(ctx context.Context, req synth.Request) (Result, error) {
	s, err := m.Start(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return s.Await(ctx)
}
