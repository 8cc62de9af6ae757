package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-tts-gateway/internal/protocol"
)

// RemoteEngine forwards utterances to a relay over NATS request/reply. Large
// replies name an object in the audio bucket instead of carrying bytes inline.
type RemoteEngine struct {
	listenerSlot
	conn    *nats.Conn
	subject string
	timeout time.Duration
	objects nats.ObjectStore
	slots   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRemoteEngine allows at most maxInFlight outstanding requests. objects may
// be nil when the relay never offloads audio.
func NewRemoteEngine(conn *nats.Conn, subject string, timeout time.Duration, maxInFlight int, objects nats.ObjectStore) (*RemoteEngine, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if subject == "" {
		subject = protocol.SubjectSynthesize
	}
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteEngine{
		conn:    conn,
		subject: subject,
		timeout: timeout,
		objects: objects,
		slots:   make(chan struct{}, maxInFlight),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (e *RemoteEngine) SynthesizeToFile(u Utterance) error {
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case e.slots <- struct{}{}:
	default:
		return ErrBusy
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.slots }()
		l := e.listener()
		l.OnStart(u.ID)
		if err := e.request(u); err != nil {
			l.OnError(u.ID, err)
			return
		}
		l.OnDone(u.ID)
	}()
	return nil
}

func (e *RemoteEngine) Close() error {
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *RemoteEngine) request(u Utterance) error {
	ctx := e.ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	data, err := json.Marshal(protocol.SynthesisRequest{
		ID:          u.ID,
		Text:        u.Text,
		Locale:      u.Locale.String(),
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	msg, err := e.conn.RequestWithContext(ctx, e.subject, data)
	if err != nil {
		return fmt.Errorf("relay request: %w", err)
	}
	var reply protocol.SynthesisReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode relay reply: %w", err)
	}
	if reply.Error != "" {
		return fmt.Errorf("relay: %s", reply.Error)
	}

	audio := reply.Audio
	if reply.ObjectKey != "" {
		if e.objects == nil {
			return fmt.Errorf("relay offloaded audio to %q but no object store is configured", reply.ObjectKey)
		}
		audio, err = e.objects.GetBytes(reply.ObjectKey, nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("fetch relay audio: %w", err)
		}
		_ = e.objects.Delete(reply.ObjectKey)
	}
	if err := os.WriteFile(u.OutputPath, audio, 0o600); err != nil {
		return fmt.Errorf("write relay audio: %w", err)
	}
	return nil
}
