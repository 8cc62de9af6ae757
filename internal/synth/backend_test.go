package synth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts-gateway/internal/locale"
)

// manualEngine records utterances and lets the test fire callbacks.
type manualEngine struct {
	listenerSlot
	mu     sync.Mutex
	queued []Utterance
	err    error
}

func (m *manualEngine) SynthesizeToFile(u Utterance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.queued = append(m.queued, u)
	return nil
}

func (m *manualEngine) Close() error { return nil }

func (m *manualEngine) utterance(t *testing.T, i int) Utterance {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.queued) {
		t.Fatalf("expected at least %d utterances, got %d", i+1, len(m.queued))
	}
	return m.queued[i]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBackend(t *testing.T, engine Engine) *Backend {
	t.Helper()
	b, err := NewBackend(engine, t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackendRoutesCallbacksByID(t *testing.T) {
	engine := &manualEngine{}
	b := newTestBackend(t, engine)
	ctx := context.Background()

	first, err := b.Submit(ctx, Request{Text: "one", Locale: locale.Fallback})
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	second, err := b.Submit(ctx, Request{Text: "two", Locale: locale.Fallback})
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if first.ID() == second.ID() {
		t.Fatalf("job ids must be unique")
	}

	u2 := engine.utterance(t, 1)
	if err := os.WriteFile(u2.OutputPath, []byte("second-audio"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	engine.listener().OnStart(u2.ID)
	engine.listener().OnDone(u2.ID)

	select {
	case <-second.Done():
	case <-time.After(time.Second):
		t.Fatalf("second job did not complete")
	}
	select {
	case <-first.Done():
		t.Fatalf("first job must still be pending")
	default:
	}
	if !second.Started() || first.Started() {
		t.Fatalf("started flags crossed between jobs")
	}

	audio, err := second.ReadAudio()
	if err != nil || string(audio) != "second-audio" {
		t.Fatalf("unexpected audio %q, err=%v", audio, err)
	}

	engine.listener().OnError(engine.utterance(t, 0).ID, errors.New("voice missing"))
	<-first.Done()
	if !errors.Is(first.Err(), ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", first.Err())
	}
	if second.Err() != nil {
		t.Fatalf("second job error changed: %v", second.Err())
	}
	if b.Pending() != 0 {
		t.Fatalf("expected no pending jobs, got %d", b.Pending())
	}
}

func TestBackendSubmitErrorCleansUp(t *testing.T) {
	dir := t.TempDir()
	engine := &manualEngine{err: ErrBusy}
	b, err := NewBackend(engine, dir, discardLogger())
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	defer b.Close()

	if _, err := b.Submit(context.Background(), Request{Text: "x"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected staged file to be removed, found %d entries", len(entries))
	}

	engine.err = errors.New("boom")
	if _, err := b.Submit(context.Background(), Request{Text: "x"}); !errors.Is(err, ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}
}

func TestBackendAbandonIgnoresLateCallback(t *testing.T) {
	dir := t.TempDir()
	engine := &manualEngine{}
	b, err := NewBackend(engine, dir, discardLogger())
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	defer b.Close()

	job, err := b.Submit(context.Background(), Request{Text: "slow"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	b.Abandon(job, context.DeadlineExceeded)
	if !errors.Is(job.Err(), context.DeadlineExceeded) {
		t.Fatalf("expected abandon cause, got %v", job.Err())
	}

	u := engine.utterance(t, 0)
	if err := os.WriteFile(u.OutputPath, []byte("late"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	engine.listener().OnDone(u.ID)

	if !errors.Is(job.Err(), context.DeadlineExceeded) {
		t.Fatalf("late callback overwrote result: %v", job.Err())
	}
	if _, err := os.Stat(u.OutputPath); !os.IsNotExist(err) {
		t.Fatalf("expected late audio to be removed, stat err=%v", err)
	}
	if b.Pending() != 0 {
		t.Fatalf("tombstone not cleared")
	}
}

func TestBackendExpiresSilentTombstones(t *testing.T) {
	engine := &manualEngine{}
	b := newTestBackend(t, engine)
	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }

	first, err := b.Submit(context.Background(), Request{Text: "never answered"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	b.Abandon(first, context.DeadlineExceeded)
	if b.Pending() != 1 {
		t.Fatalf("expected tombstone to be kept, pending=%d", b.Pending())
	}

	now = now.Add(tombstoneTTL + time.Second)
	if _, err := b.Submit(context.Background(), Request{Text: "next"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if b.Pending() != 1 {
		t.Fatalf("expected expired tombstone to be dropped, pending=%d", b.Pending())
	}

	engine.listener().OnDone(engine.utterance(t, 0).ID)
	if b.Pending() != 1 || !errors.Is(first.Err(), context.DeadlineExceeded) {
		t.Fatalf("callback for dropped utterance changed state: pending=%d err=%v", b.Pending(), first.Err())
	}
}

func TestBackendCloseFailsPending(t *testing.T) {
	engine := &manualEngine{}
	b, err := NewBackend(engine, t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	job, err := b.Submit(context.Background(), Request{Text: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	<-job.Done()
	if !errors.Is(job.Err(), ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", job.Err())
	}
	if _, err := b.Submit(context.Background(), Request{Text: "y"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}
