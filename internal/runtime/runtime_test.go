package runtime

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts-gateway/internal/config"
	"github.com/loqalabs/loqa-tts-gateway/internal/store"
)

func freePort(t *testing.T) int {
	t.Helper()
	for {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		_ = ln.Close()
		if config.ValidListenPort(port) {
			return port
		}
	}
}

func waitReady(t *testing.T, adminURL string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(adminURL + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("runtime did not become ready")
}

func fetch(t *testing.T, port int, raw string) []byte {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func TestRuntimeServesAndMovesListener(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Gateway.Bind = "127.0.0.1"
	cfg.Gateway.Port = freePort(t)
	cfg.Admin.Port = freePort(t)
	cfg.Synthesis.TempDir = filepath.Join(dir, "staging")
	cfg.Synthesis.MockDelayMS = 0
	cfg.Synthesis.DefaultLocale = "en_US"
	cfg.Store.Path = filepath.Join(dir, "gateway.db")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()

	adminURL := "http://127.0.0.1:" + strconv.Itoa(cfg.Admin.Port)
	waitReady(t, adminURL)

	resp := fetch(t, cfg.Gateway.Port, "GET /?text=hello HTTP/1.1\r\nHost: x\r\n\r\n")
	if !bytes.HasPrefix(resp, []byte("HTTP/1.1 200 OK\r\n")) || !bytes.Contains(resp, []byte("\r\n\r\nRIFF")) {
		t.Fatalf("expected WAV response, got %q", resp[:min(len(resp), 120)])
	}

	newPort := freePort(t)
	req, _ := http.NewRequest(http.MethodPut, adminURL+"/v1/listener", strings.NewReader(`{"port": `+strconv.Itoa(newPort)+`}`))
	put, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT listener: %v", err)
	}
	put.Body.Close()
	if put.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 moving listener, got %d", put.StatusCode)
	}
	if resp := fetch(t, newPort, "GET / HTTP/1.1\r\n\r\n"); !bytes.Contains(resp, []byte("Content-Type: text/html")) {
		t.Fatalf("expected form on new port, got %q", resp[:min(len(resp), 120)])
	}

	jobs, err := http.Get(adminURL + "/v1/jobs")
	if err != nil {
		t.Fatalf("GET jobs: %v", err)
	}
	body, _ := io.ReadAll(jobs.Body)
	jobs.Body.Close()
	if !strings.Contains(string(body), `"status":"succeeded"`) {
		t.Fatalf("expected a recorded job, got %s", body)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runtime exited with error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("runtime did not stop")
	}

	s, err := store.Open(context.Background(), cfg.Store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s.Close()
	saved, err := s.Port(context.Background(), cfg.Gateway.Port)
	if err != nil || saved != newPort {
		t.Fatalf("expected saved port %d, got %d err=%v", newPort, saved, err)
	}
}
