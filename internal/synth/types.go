package synth

import (
	"errors"
	"sync"

	"github.com/loqalabs/loqa-tts-gateway/internal/locale"
)

var (
	ErrBusy   = errors.New("synthesis engine busy")
	ErrClosed = errors.New("synthesis backend closed")
	ErrFailed = errors.New("synthesis failed")
)

// Request contains parameters to synthesize speech.
type Request struct {
	Text   string
	Locale locale.Locale
}

// Utterance is one unit of work handed to an engine. The engine writes WAV
// bytes to OutputPath before reporting OnDone for ID.
type Utterance struct {
	ID         string
	Text       string
	Locale     locale.Locale
	OutputPath string
}

// ProgressListener receives engine callbacks. Engines may invoke it from any
// goroutine, and every utterance gets exactly one OnDone or OnError.
type ProgressListener interface {
	OnStart(utteranceID string)
	OnDone(utteranceID string)
	OnError(utteranceID string, err error)
}

// Engine is the contract for a callback-driven speech engine. Only one
// listener is registered at a time.
type Engine interface {
	SetProgressListener(l ProgressListener)
	// SynthesizeToFile queues u and returns without waiting for audio.
	SynthesizeToFile(u Utterance) error
	Close() error
}

type nopListener struct{}

func (nopListener) OnStart(string)        {}
func (nopListener) OnDone(string)         {}
func (nopListener) OnError(string, error) {}

// listenerSlot is embedded by engines to hold the registered listener.
type listenerSlot struct {
	mu sync.RWMutex
	l  ProgressListener
}

func (s *listenerSlot) SetProgressListener(l ProgressListener) {
	s.mu.Lock()
	s.l = l
	s.mu.Unlock()
}

func (s *listenerSlot) listener() ProgressListener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.l == nil {
		return nopListener{}
	}
	return s.l
}
