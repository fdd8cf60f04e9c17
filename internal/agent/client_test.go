package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxline/voxline/internal/asr"
	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/internal/gateway"
	"github.com/voxline/voxline/internal/observability"
	"github.com/voxline/voxline/internal/protocol"
	"github.com/voxline/voxline/internal/vad"
)

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	registry := asr.NewRegistry(&asr.MockTranscriber{Text: "hi there"}, vad.DefaultParams())
	metrics := observability.NewMetrics(fmt.Sprintf("test_agent_client_%d", time.Now().UnixNano()))
	ts := httptest.NewServer(gateway.New(config.Config{AllowAnyOrigin: true}, registry, metrics).Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestClientAgainstGateway(t *testing.T) {
	ts := newGateway(t)
	c := NewClient("ws" + strings.TrimPrefix(ts.URL, "http"))

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	if err := c.SendCommand(protocol.Command{Command: protocol.CommandStart, StreamID: "it-1"}); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}

	data, err := c.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	var reply map[string]any
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply["event"] != "started" || reply["stream_id"] != "it-1" {
		t.Fatalf("reply = %v", reply)
	}

	if err := c.SendAudio(make([]byte, 3200)); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	data, err = c.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("Receive() after audio error = %v", err)
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("decode audio reply: %v", err)
	}
	if reply["type"] != "transcription" {
		t.Fatalf("reply = %v", reply)
	}

	if err := c.Ping(); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestClientReceiveTimeout(t *testing.T) {
	ts := newGateway(t)
	c := NewClient("ws" + strings.TrimPrefix(ts.URL, "http"))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	if _, err := c.Receive(50 * time.Millisecond); !errors.Is(err, ErrReceiveTimeout) {
		t.Fatalf("error = %v, want ErrReceiveTimeout", err)
	}
}

func TestClientReceiveAfterServerClose(t *testing.T) {
	ts := newGateway(t)
	c := NewClient("ws" + strings.TrimPrefix(ts.URL, "http"))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	ts.CloseClientConnections()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := c.Receive(100 * time.Millisecond)
		if errors.Is(err, ErrDisconnected) {
			return
		}
	}
	t.Fatalf("never observed ErrDisconnected after server close")
}

func TestClientReceiveReportsPeerClose(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		// Keep the socket up long enough for the close frame to land.
		time.Sleep(100 * time.Millisecond)
		conn.Close()
	}))
	t.Cleanup(ts.Close)

	c := NewClient("ws" + strings.TrimPrefix(ts.URL, "http"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := c.Receive(100 * time.Millisecond)
		if errors.Is(err, ErrClosedByPeer) {
			return
		}
		if errors.Is(err, ErrDisconnected) {
			t.Fatalf("deliberate close surfaced as ErrDisconnected")
		}
	}
	t.Fatalf("never observed ErrClosedByPeer after a normal close")
}

func TestClientNotConnected(t *testing.T) {
	c := NewClient("ws://localhost:1")
	if err := c.SendAudio(nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
	if _, err := c.Receive(10 * time.Millisecond); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("receive error = %v, want ErrNotConnected", err)
	}
}
