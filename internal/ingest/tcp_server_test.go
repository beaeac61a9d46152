package ingest

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"argus-soar/internal/normalize"
	"argus-soar/internal/queue"
)

func startTestTCPServer(t *testing.T, buffer *queue.EventBuffer) *TCPServer {
	t.Helper()
	cfg := DefaultTCPConfig()
	cfg.Address = "127.0.0.1:0"

	srv := NewTCPServer(cfg, normalize.NewNormalizer(nil), buffer, nil, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func TestTCPServer_IngestsNewlineJSON(t *testing.T) {
	buffer := queue.NewEventBuffer(64)
	defer buffer.Close()
	srv := startTestTCPServer(t, buffer)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	for _, user := range []string{"alice", "bob"} {
		if err := enc.Encode(rawLogonFailure(user)); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for buffer.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if buffer.Len() != 2 {
		t.Errorf("buffer depth = %d, want 2", buffer.Len())
	}

	stats := srv.Stats()
	if stats.Queued != 2 {
		t.Errorf("Queued = %d, want 2", stats.Queued)
	}
}

func TestTCPServer_SkipsBadLines(t *testing.T) {
	buffer := queue.NewEventBuffer(64)
	defer buffer.Close()
	srv := startTestTCPServer(t, buffer)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("not json at all\n"))
	json.NewEncoder(conn).Encode(rawLogonFailure("alice"))

	deadline := time.Now().Add(2 * time.Second)
	for buffer.Len() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if buffer.Len() != 1 {
		t.Errorf("buffer depth = %d, want 1 (bad line skipped)", buffer.Len())
	}
	if srv.Stats().Errors == 0 {
		t.Error("Errors = 0, want bad line counted")
	}
}

func TestRateLimiter_EnforcesWindow(t *testing.T) {
	cfg := RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 3,
		BurstSize:     0,
		WindowSize:    time.Minute,
	}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if allowed, _ := rl.Allow("198.51.100.1"); !allowed {
			t.Fatalf("request %d denied, want allowed", i)
		}
	}
	if allowed, _ := rl.Allow("198.51.100.1"); allowed {
		t.Error("request over limit allowed, want denied")
	}
	if allowed, _ := rl.Allow("198.51.100.2"); !allowed {
		t.Error("other client denied, want independent window")
	}
}
