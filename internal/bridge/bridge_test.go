package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func startTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Port = freePort(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := New(cfg, logger, func() Status {
		return Status{Connected: true, Model: "test-model"}
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		s.Shutdown(shutdownCtx)
		cancel()
	})
	return s
}

func dialTestServer(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", s.Port()), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

// readFrameOfType skips frames until one with the wanted type arrives.
func readFrameOfType(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == wantType {
			return frame
		}
	}
	t.Fatalf("no %s frame within 10 messages", wantType)
	return nil
}

func waitConnected(t *testing.T, s *Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !s.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectionAckHandshake(t *testing.T) {
	s := startTestServer(t)
	conn := dialTestServer(t, s)

	ack := readFrame(t, conn)
	if ack["type"] != TypeConnectionAck {
		t.Fatalf("first frame type = %v, want connection_ack", ack["type"])
	}
	if ack["protocolVersion"] != ProtocolVersion {
		t.Errorf("protocolVersion = %v", ack["protocolVersion"])
	}
	if ack["cliVersion"] != CLIVersion {
		t.Errorf("cliVersion = %v", ack["cliVersion"])
	}
}

func TestPromptInjection(t *testing.T) {
	s := startTestServer(t)
	conn := dialTestServer(t, s)
	readFrame(t, conn) // ack
	waitConnected(t, s)

	err := conn.WriteJSON(map[string]any{"type": TypeSendPrompt, "prompt": "fix the bug"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case p := <-s.Prompts():
		if p.Prompt != "fix the bug" {
			t.Errorf("prompt = %q", p.Prompt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("prompt never delivered")
	}
}

func TestAdvertiseAndApplyChange(t *testing.T) {
	s := startTestServer(t)
	conn := dialTestServer(t, s)
	readFrame(t, conn) // ack
	waitConnected(t, s)

	ch, ok := s.AdvertiseFileChange(FileChange{ID: "fc1", Path: "a.go", NewContent: "new"})
	if !ok {
		t.Fatal("advertise failed with a connected editor")
	}

	frame := readFrameOfType(t, conn, TypeFileChange)
	if frame["id"] != "fc1" || frame["path"] != "a.go" {
		t.Errorf("file_change frame = %v", frame)
	}

	if err := conn.WriteJSON(map[string]any{"type": TypeApplyChange, "id": "fc1"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case d, open := <-ch:
		if !open {
			t.Fatal("decision channel closed without a value")
		}
		if d != DecisionApplied {
			t.Errorf("decision = %v, want applied", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("decision never arrived")
	}
}

func TestAdvertiseWithoutClient(t *testing.T) {
	s := startTestServer(t)
	if _, ok := s.AdvertiseFileChange(FileChange{ID: "fc1"}); ok {
		t.Error("advertise must report no editor connected")
	}
}

func TestBroadcastAfterShutdownIsHarmless(t *testing.T) {
	s := startTestServer(t)
	conn := dialTestServer(t, s)
	readFrame(t, conn) // ack
	waitConnected(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Shutdown(ctx)

	// The client's send channel is closed by now; notifications must
	// degrade to no-ops, never panic the process.
	for i := 0; i < 100; i++ {
		s.NotifyAssistant("after shutdown", true)
		s.NotifyToolCall("id", "tool", nil, "pending")
		s.BroadcastStatus()
	}
}

func TestConcurrentBroadcastDuringShutdown(t *testing.T) {
	s := startTestServer(t)
	conn := dialTestServer(t, s)
	readFrame(t, conn) // ack
	waitConnected(t, s)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			s.NotifyAssistant("streaming", true)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Shutdown(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcaster wedged during shutdown")
	}
}

func TestShutdownDropsPendingWithoutApplying(t *testing.T) {
	s := startTestServer(t)
	conn := dialTestServer(t, s)
	readFrame(t, conn) // ack
	waitConnected(t, s)

	ch, ok := s.AdvertiseFileChange(FileChange{ID: "fc1", Path: "a.go"})
	if !ok {
		t.Fatal("advertise failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Shutdown(ctx)

	select {
	case _, open := <-ch:
		if open {
			t.Error("shutdown must not deliver a decision")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending channel never closed on shutdown")
	}
	if got := len(s.PendingIDs()); got != 0 {
		t.Errorf("pending after shutdown = %d, want 0", got)
	}
}
