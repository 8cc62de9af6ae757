package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-tts-gateway/internal/config"
	"github.com/loqalabs/loqa-tts-gateway/internal/locale"
	"github.com/loqalabs/loqa-tts-gateway/internal/protocol"
	"github.com/loqalabs/loqa-tts-gateway/internal/session"
	"github.com/loqalabs/loqa-tts-gateway/internal/synth"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	conn    *nats.Conn
	objects nats.ObjectStore
}

func startBus(t *testing.T) harness {
	t.Helper()
	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := test.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)
	js, err := conn.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	objects, err := js.CreateObjectStore(&nats.ObjectStoreConfig{Bucket: "relay-test"})
	if err != nil {
		t.Fatalf("object store: %v", err)
	}
	return harness{conn: conn, objects: objects}
}

func newManager(t *testing.T, engine synth.Engine) *session.Manager {
	t.Helper()
	backend, err := synth.NewBackend(engine, t.TempDir(), newLogger())
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return session.NewManager(backend, 5*time.Second, newLogger())
}

func startRelay(t *testing.T, h harness, inlineLimit int) {
	t.Helper()
	cfg := config.RelayConfig{Enabled: true, Subject: "tts.test", QueueGroup: "relay", InlineLimitBytes: inlineLimit}
	svc := NewService(context.Background(), cfg, h.conn, newManager(t, synth.NewToneEngine(8000, 0)), h.objects, locale.Fallback, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatalf("relay not healthy")
	}
	if err := h.conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func expectedTone(t *testing.T, text string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "want.wav")
	if err := synth.WriteTone(path, text, 8000); err != nil {
		t.Fatalf("write tone: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read tone: %v", err)
	}
	return data
}

func remoteManager(t *testing.T, h harness) *session.Manager {
	t.Helper()
	engine, err := synth.NewRemoteEngine(h.conn, "tts.test", 5*time.Second, 4, h.objects)
	if err != nil {
		t.Fatalf("remote engine: %v", err)
	}
	return newManager(t, engine)
}

func TestRelayInlineAudio(t *testing.T) {
	h := startBus(t)
	startRelay(t, h, 1<<20)

	res, err := remoteManager(t, h).Synthesize(context.Background(), synth.Request{Text: "relay me", Locale: locale.Fallback})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if !bytes.Equal(res.Audio, expectedTone(t, "relay me")) {
		t.Fatalf("relayed audio differs from local rendering")
	}
}

func TestRelayOffloadsLargeAudio(t *testing.T) {
	h := startBus(t)
	startRelay(t, h, 16)

	res, err := remoteManager(t, h).Synthesize(context.Background(), synth.Request{Text: "a longer sentence", Locale: locale.Fallback})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if !bytes.Equal(res.Audio, expectedTone(t, "a longer sentence")) {
		t.Fatalf("offloaded audio differs from local rendering")
	}

	names, err := h.objects.List()
	if err != nil && !errors.Is(err, nats.ErrNoObjectsFound) {
		t.Fatalf("list objects: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected offloaded audio to be deleted after pickup, found %d objects", len(names))
	}
}

func TestRemoteEngineReportsRelayError(t *testing.T) {
	h := startBus(t)
	sub, err := h.conn.Subscribe("tts.test", func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"error":"no voice"}`))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	_, err = remoteManager(t, h).Synthesize(context.Background(), synth.Request{Text: "x"})
	if !errors.Is(err, synth.ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}
}

func TestRemoteEngineWithoutResponders(t *testing.T) {
	h := startBus(t)
	_, err := remoteManager(t, h).Synthesize(context.Background(), synth.Request{Text: "x"})
	if !errors.Is(err, synth.ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}
}

type countingSynth struct {
	calls atomic.Int32
}

func (c *countingSynth) Synthesize(_ context.Context, req synth.Request) (session.Result, error) {
	c.calls.Add(1)
	return session.Result{JobID: "job", Audio: []byte("RIFF" + req.Text)}, nil
}

func newCountingRelay(t *testing.T, h harness) (*Service, *countingSynth) {
	t.Helper()
	counter := &countingSynth{}
	cfg := config.RelayConfig{Enabled: true, Subject: "tts.test", QueueGroup: "relay", InlineLimitBytes: 1 << 20}
	svc := NewService(context.Background(), cfg, h.conn, counter, nil, locale.Fallback, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(svc.Close)
	if err := h.conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return svc, counter
}

func TestRelayRejectsEmptyText(t *testing.T) {
	h := startBus(t)
	_, counter := newCountingRelay(t, h)

	for _, text := range []string{"", "   \t\n"} {
		data, err := json.Marshal(protocol.SynthesisRequest{ID: "1", Text: text})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		msg, err := h.conn.Request("tts.test", data, 2*time.Second)
		if err != nil {
			t.Fatalf("request %q: %v", text, err)
		}
		var reply protocol.SynthesisReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if reply.ID != "1" || reply.Error != "text is required" || len(reply.Audio) != 0 {
			t.Fatalf("text %q: unexpected reply %+v", text, reply)
		}
	}
	if n := counter.calls.Load(); n != 0 {
		t.Fatalf("empty text reached the synthesizer %d times", n)
	}
}

func TestRelayRefusesRequestsAfterClose(t *testing.T) {
	h := startBus(t)
	svc, counter := newCountingRelay(t, h)

	msg, err := h.conn.Request("tts.test", []byte(`{"id":"a","text":"hi"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !bytes.Contains(msg.Data, []byte("RIFFhi")) {
		t.Fatalf("unexpected reply %s", msg.Data)
	}

	svc.Close()
	svc.Close()

	// A message delivered after Close must not start a synthesis.
	svc.handleRequest(&nats.Msg{Subject: "tts.test", Data: []byte(`{"id":"b","text":"late"}`)})
	if n := counter.calls.Load(); n != 1 {
		t.Fatalf("expected 1 synthesis, got %d", n)
	}

	_, err = h.conn.Request("tts.test", []byte(`{"id":"c","text":"gone"}`), 500*time.Millisecond)
	if !errors.Is(err, nats.ErrNoResponders) {
		t.Fatalf("expected no responders after close, got %v", err)
	}
}
