package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Job is one in-flight synthesis request. Its result is written exactly once
// by the backend and observed through Done and Err.
type Job struct {
	id      string
	req     Request
	path    string
	done    chan struct{}
	once    sync.Once
	err     error
	started atomic.Bool
}

func (j *Job) ID() string       { return j.id }
func (j *Job) Request() Request { return j.req }

// Done is closed when the job reaches a terminal result.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the failure reason once Done is closed, or nil on success.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Started reports whether the engine acknowledged the job.
func (j *Job) Started() bool { return j.started.Load() }

// ReadAudio returns the staged WAV bytes of a successful job.
func (j *Job) ReadAudio() ([]byte, error) {
	return os.ReadFile(j.path)
}

// Release removes the staged audio file. It is safe to call more than once.
func (j *Job) Release() error {
	if err := os.Remove(j.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (j *Job) resolve(err error) bool {
	resolved := false
	j.once.Do(func() {
		j.err = err
		close(j.done)
		resolved = true
	})
	return resolved
}

// tombstoneTTL bounds how long an abandoned job waits for its engine callback.
const tombstoneTTL = 10 * time.Minute

type entry struct {
	job         *Job
	abandoned   bool
	abandonedAt time.Time
}

// Backend adapts an Engine with a single shared listener into per-job
// completion signals. Callbacks are routed by utterance id to the owning job.
type Backend struct {
	engine Engine
	dir    string
	logger *slog.Logger

	tombstoneTTL time.Duration
	now          func() time.Time

	mu     sync.Mutex
	jobs   map[string]*entry
	closed bool
}

// NewBackend registers itself as the engine's progress listener. Audio is
// staged under tempDir, or a gateway directory in os.TempDir when empty.
func NewBackend(engine Engine, tempDir string, log *slog.Logger) (*Backend, error) {
	if engine == nil {
		return nil, errors.New("synthesis engine is required")
	}
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "tts-gateway")
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create synthesis temp dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Backend{
		engine: engine,
		dir:    tempDir,
		logger: log.With(slog.String("component", "synth-backend")),
		jobs:   make(map[string]*entry),

		tombstoneTTL: tombstoneTTL,
		now:          time.Now,
	}
	engine.SetProgressListener(b)
	return b, nil
}

// Submit stages an output file, registers a job and hands it to the engine.
// It does not wait for audio.
func (b *Backend) Submit(ctx context.Context, req Request) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.CreateTemp(b.dir, "tts_*.wav")
	if err != nil {
		return nil, fmt.Errorf("stage synthesis output: %w", err)
	}
	path := file.Name()
	_ = file.Close()

	job := &Job{
		id:   uuid.NewString(),
		req:  req,
		path: path,
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = job.Release()
		return nil, ErrClosed
	}
	b.jobs[job.id] = &entry{job: job}
	expired := b.sweepLocked()
	b.mu.Unlock()
	b.dropExpired(expired)

	err = b.engine.SynthesizeToFile(Utterance{
		ID:         job.id,
		Text:       req.Text,
		Locale:     req.Locale,
		OutputPath: path,
	})
	if err != nil {
		b.mu.Lock()
		delete(b.jobs, job.id)
		b.mu.Unlock()
		_ = job.Release()
		if errors.Is(err, ErrBusy) || errors.Is(err, ErrClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	return job, nil
}

// Abandon gives up on a job that has not completed. The staged file is removed
// now and again if the engine reports completion later.
func (b *Backend) Abandon(job *Job, cause error) {
	if job == nil {
		return
	}
	b.mu.Lock()
	if e, ok := b.jobs[job.id]; ok {
		e.abandoned = true
		e.abandonedAt = b.now()
	}
	expired := b.sweepLocked()
	b.mu.Unlock()
	b.dropExpired(expired)
	if cause == nil {
		cause = context.Canceled
	}
	job.resolve(cause)
	_ = job.Release()
}

func (b *Backend) OnStart(id string) {
	b.mu.Lock()
	e, ok := b.jobs[id]
	b.mu.Unlock()
	if ok {
		e.job.started.Store(true)
	}
}

func (b *Backend) OnDone(id string) { b.finish(id, nil) }

func (b *Backend) OnError(id string, err error) {
	if err == nil {
		err = errors.New("engine reported an unspecified error")
	}
	b.finish(id, fmt.Errorf("%w: %v", ErrFailed, err))
}

func (b *Backend) finish(id string, err error) {
	b.mu.Lock()
	e, ok := b.jobs[id]
	if ok {
		delete(b.jobs, id)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("callback for unknown utterance", slog.String("utterance_id", id))
		return
	}
	if e.abandoned {
		if rmErr := e.job.Release(); rmErr != nil {
			b.logger.Warn("failed to remove abandoned audio", slog.String("utterance_id", id), slogError(rmErr))
		}
		b.logger.Debug("late callback for abandoned utterance", slog.String("utterance_id", id))
		return
	}
	e.job.resolve(err)
}

// sweepLocked removes tombstones whose engine never called back within
// tombstoneTTL. b.mu must be held.
func (b *Backend) sweepLocked() []*entry {
	cutoff := b.now().Add(-b.tombstoneTTL)
	var expired []*entry
	for id, e := range b.jobs {
		if e.abandoned && e.abandonedAt.Before(cutoff) {
			delete(b.jobs, id)
			expired = append(expired, e)
		}
	}
	return expired
}

func (b *Backend) dropExpired(expired []*entry) {
	for _, e := range expired {
		_ = e.job.Release()
		b.logger.Warn("engine never finished abandoned utterance, dropping it",
			slog.String("utterance_id", e.job.id))
	}
}

// Pending reports how many jobs are awaiting an engine callback, including
// abandoned ones.
func (b *Backend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}

// Close fails every pending job with ErrClosed and closes the engine.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := b.jobs
	b.jobs = make(map[string]*entry)
	b.mu.Unlock()

	for _, e := range pending {
		if e.abandoned {
			_ = e.job.Release()
			continue
		}
		e.job.resolve(ErrClosed)
	}
	return b.engine.Close()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
