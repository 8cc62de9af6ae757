package synth

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	toneSegment  = 30 * time.Millisecond
	toneMaxRunes = 2048
)

// ToneEngine renders each character of the text as a short sine segment. It
// stands in for a real voice in development and tests, and its output is a
// pure function of text and sample rate.
type ToneEngine struct {
	listenerSlot
	sampleRate int
	delay      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewToneEngine(sampleRate int, delay time.Duration) *ToneEngine {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ToneEngine{sampleRate: sampleRate, delay: delay, ctx: ctx, cancel: cancel}
}

func (e *ToneEngine) SynthesizeToFile(u Utterance) error {
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		l := e.listener()
		l.OnStart(u.ID)
		if e.delay > 0 {
			timer := time.NewTimer(e.delay)
			select {
			case <-e.ctx.Done():
				timer.Stop()
				l.OnError(u.ID, ErrClosed)
				return
			case <-timer.C:
			}
		}
		if err := WriteTone(u.OutputPath, u.Text, e.sampleRate); err != nil {
			l.OnError(u.ID, err)
			return
		}
		l.OnDone(u.ID)
	}()
	return nil
}

func (e *ToneEngine) Close() error {
	e.cancel()
	e.wg.Wait()
	return nil
}

// WriteTone writes a mono 16-bit WAV file to path for text.
func WriteTone(path, text string, sampleRate int) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	perRune := int(time.Duration(sampleRate) * toneSegment / time.Second)
	var samples []int
	count := 0
	for _, r := range text {
		if count == toneMaxRunes {
			break
		}
		count++
		freq := 200 + float64(int(r)%97)*8
		for i := 0; i < perRune; i++ {
			v := math.Sin(2 * math.Pi * freq * float64(i) / float64(sampleRate))
			samples = append(samples, int(v*8000))
		}
	}

	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
