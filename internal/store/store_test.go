package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts-gateway/internal/config"
	"github.com/loqalabs/loqa-tts-gateway/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "nested", "gateway.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPortRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	s := openStore(t, config.StoreConfig{Path: path})
	ctx := context.Background()

	port, err := s.Port(ctx, config.DefaultPort)
	if err != nil || port != config.DefaultPort {
		t.Fatalf("expected fallback port, got %d err=%v", port, err)
	}
	if err := s.SetPort(ctx, 40000); err != nil {
		t.Fatalf("set port: %v", err)
	}
	if err := s.SetPort(ctx, 40001); err != nil {
		t.Fatalf("overwrite port: %v", err)
	}
	_ = s.Close()

	reopened := openStore(t, config.StoreConfig{Path: path})
	port, err = reopened.Port(ctx, config.DefaultPort)
	if err != nil || port != 40001 {
		t.Fatalf("expected persisted port 40001, got %d err=%v", port, err)
	}
}

func TestSetPortValidates(t *testing.T) {
	s := openStore(t, config.StoreConfig{})
	for _, port := range []int{0, 80, 1024, 65535, 70000} {
		if err := s.SetPort(context.Background(), port); !errors.Is(err, ErrInvalidPort) {
			t.Fatalf("port %d: expected ErrInvalidPort, got %v", port, err)
		}
	}
}

func TestRecordAndListJobs(t *testing.T) {
	s := openStore(t, config.StoreConfig{})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, status := range []string{protocol.JobStatusSucceeded, protocol.JobStatusFailed, protocol.JobStatusTimedOut} {
		ev := protocol.JobEvent{
			JobID:      "job-" + status,
			Method:     "GET",
			Locale:     "en_US",
			Status:     status,
			StatusCode: 200,
			TextChars:  5,
			AudioBytes: 4412,
			DurationMS: 12,
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		}
		if err := s.RecordJob(ctx, ev); err != nil {
			t.Fatalf("record job: %v", err)
		}
	}
	jobs, err := s.ListJobs(ctx, 2)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].Status != protocol.JobStatusTimedOut || jobs[1].Status != protocol.JobStatusFailed {
		t.Fatalf("expected newest first, got %s then %s", jobs[0].Status, jobs[1].Status)
	}
	if !jobs[0].Timestamp.Equal(base.Add(2*time.Second)) || jobs[0].AudioBytes != 4412 {
		t.Fatalf("unexpected job %+v", jobs[0])
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	s := openStore(t, config.StoreConfig{RetentionDays: 1, MaxJobs: 2})
	ctx := context.Background()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	record := func(id string, at time.Time) {
		t.Helper()
		if err := s.RecordJob(ctx, protocol.JobEvent{JobID: id, Status: protocol.JobStatusSucceeded, Timestamp: at}); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
	record("stale", now.Add(-48*time.Hour))
	record("a", now.Add(-3*time.Hour))
	record("b", now.Add(-2*time.Hour))
	record("c", now.Add(-1*time.Hour))

	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	jobs, err := s.ListJobs(ctx, 10)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].JobID != "c" || jobs[1].JobID != "b" {
		t.Fatalf("unexpected jobs after prune: %+v", jobs)
	}
}
