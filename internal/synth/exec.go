package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecEngine runs an external command per utterance. The text is written to
// the command's stdin. Arguments may reference {output}, {locale}, {tag},
// {lang} and {region}; without {output} the command's stdout is the audio.
type ExecEngine struct {
	listenerSlot
	cmd     []string
	timeout time.Duration
	queue   chan Utterance

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewExecEngine(command string, workers, queueDepth int, timeout time.Duration) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synthesis command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("synthesis command empty")
	}
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &ExecEngine{
		cmd:     args,
		timeout: timeout,
		queue:   make(chan Utterance, queueDepth),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.work()
	}
	return e, nil
}

// SynthesizeToFile queues u, returning ErrBusy when the queue is full.
func (e *ExecEngine) SynthesizeToFile(u Utterance) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.queue <- u:
		return nil
	default:
		return ErrBusy
	}
}

func (e *ExecEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *ExecEngine) work() {
	defer e.wg.Done()
	for u := range e.queue {
		l := e.listener()
		if e.ctx.Err() != nil {
			l.OnError(u.ID, ErrClosed)
			continue
		}
		l.OnStart(u.ID)
		if err := e.run(u); err != nil {
			l.OnError(u.ID, err)
			continue
		}
		l.OnDone(u.ID)
	}
}

func (e *ExecEngine) run(u Utterance) error {
	ctx := e.ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	args, writesFile := expandArgs(e.cmd, u)
	command := exec.CommandContext(ctx, args[0], args[1:]...)
	command.Stdin = strings.NewReader(u.Text)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return fmt.Errorf("synthesis command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if writesFile {
		return nil
	}
	if err := os.WriteFile(u.OutputPath, stdout.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write synthesis output: %w", err)
	}
	return nil
}

func expandArgs(template []string, u Utterance) ([]string, bool) {
	replacer := strings.NewReplacer(
		"{output}", u.OutputPath,
		"{locale}", u.Locale.String(),
		"{tag}", u.Locale.Tag(),
		"{lang}", u.Locale.Language,
		"{region}", u.Locale.Region,
	)
	out := make([]string, len(template))
	writesFile := false
	for i, arg := range template {
		if strings.Contains(arg, "{output}") {
			writesFile = true
		}
		out[i] = replacer.Replace(arg)
	}
	return out, writesFile
}
