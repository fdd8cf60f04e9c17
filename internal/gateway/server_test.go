package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxline/voxline/internal/asr"
	"github.com/voxline/voxline/internal/audio"
	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/internal/observability"
	"github.com/voxline/voxline/internal/protocol"
	"github.com/voxline/voxline/internal/vad"
)

func newTestServer(t *testing.T) (*httptest.Server, *asr.Registry) {
	t.Helper()
	cfg := config.Config{AllowAnyOrigin: true}
	registry := asr.NewRegistry(&asr.MockTranscriber{Text: "hello world"}, vad.DefaultParams())
	metrics := observability.NewMetrics(fmt.Sprintf("test_gateway_%d", time.Now().UnixNano()))
	ts := httptest.NewServer(New(cfg, registry, metrics).Router())
	t.Cleanup(ts.Close)
	return ts, registry
}

func loudPCM(samples int) []byte {
	s := make([]float32, samples)
	for i := range s {
		s[i] = 0.5
	}
	return audio.EncodePCM16LE(s)
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReply(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var reply map[string]any
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("decode reply %q: %v", data, err)
	}
	return reply
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmd protocol.Command) {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

func TestStreamRESTLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"stream_id": "s1"})
	res, err := http.Post(ts.URL+"/v1/streams", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create stream request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	audioRes, err := http.Post(ts.URL+"/v1/streams/s1/audio", "application/octet-stream", bytes.NewReader(loudPCM(1600)))
	if err != nil {
		t.Fatalf("audio request error = %v", err)
	}
	defer audioRes.Body.Close()
	if audioRes.StatusCode != http.StatusOK {
		t.Fatalf("audio status = %d, want %d", audioRes.StatusCode, http.StatusOK)
	}
	var chunk map[string]any
	if err := json.NewDecoder(audioRes.Body).Decode(&chunk); err != nil {
		t.Fatalf("decode audio response: %v", err)
	}
	if chunk["is_speech"] != true {
		t.Fatalf("is_speech = %v, want true", chunk["is_speech"])
	}

	stateRes, err := http.Get(ts.URL + "/v1/streams/s1")
	if err != nil {
		t.Fatalf("state request error = %v", err)
	}
	defer stateRes.Body.Close()
	if stateRes.StatusCode != http.StatusOK {
		t.Fatalf("state status = %d, want %d", stateRes.StatusCode, http.StatusOK)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/streams/s1", nil)
	delRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete request error = %v", err)
	}
	defer delRes.Body.Close()
	if delRes.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want %d", delRes.StatusCode, http.StatusOK)
	}

	again, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second delete request error = %v", err)
	}
	defer again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want %d", again.StatusCode, http.StatusNotFound)
	}
}

func TestControlWSConversation(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts, "/ws")

	sendCommand(t, conn, protocol.Command{Command: protocol.CommandStart})
	started := readReply(t, conn)
	if started["type"] != "control" || started["event"] != "started" {
		t.Fatalf("start reply = %v", started)
	}
	streamID, _ := started["stream_id"].(string)
	if streamID == "" {
		t.Fatalf("missing stream_id in start reply")
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, loudPCM(1600)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	speech := readReply(t, conn)
	if speech["type"] != "transcription" || speech["is_speech"] != true {
		t.Fatalf("speech reply = %v", speech)
	}

	var final map[string]any
	for i := 0; i < 5; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 3200)); err != nil {
			t.Fatalf("write silence: %v", err)
		}
		reply := readReply(t, conn)
		if reply["is_final"] == true {
			final = reply
			break
		}
	}
	if final == nil {
		t.Fatalf("never saw a final transcription")
	}
	if final["transcript"] != "hello world" {
		t.Fatalf("transcript = %v, want hello world", final["transcript"])
	}

	sendCommand(t, conn, protocol.Command{Command: protocol.CommandGetState})
	state := readReply(t, conn)
	if state["type"] != "state" || state["utterances_seen"] != float64(1) {
		t.Fatalf("state reply = %v", state)
	}

	sendCommand(t, conn, protocol.Command{Command: protocol.CommandStop})
	stop := readReply(t, conn)
	if stop["type"] != "final" || stop["transcript"] != "hello world" {
		t.Fatalf("stop reply = %v", stop)
	}
}

func TestControlWSBadCommandKeepsConnection(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts, "/ws")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"explode"}`)); err != nil {
		t.Fatalf("write bad command: %v", err)
	}
	reply := readReply(t, conn)
	if reply["type"] != "error" {
		t.Fatalf("reply = %v, want error", reply)
	}

	// The connection is still usable after an error reply.
	sendCommand(t, conn, protocol.Command{Command: protocol.CommandStart, StreamID: "s9"})
	started := readReply(t, conn)
	if started["event"] != "started" || started["stream_id"] != "s9" {
		t.Fatalf("start after error reply = %v", started)
	}
}

func TestControlWSAudioBeforeStart(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts, "/ws")

	if err := conn.WriteMessage(websocket.BinaryMessage, loudPCM(1600)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	reply := readReply(t, conn)
	if reply["type"] != "error" {
		t.Fatalf("reply = %v, want error", reply)
	}
}

func TestControlWSDisconnectRemovesOwnedStream(t *testing.T) {
	ts, registry := newTestServer(t)
	conn := dialWS(t, ts, "/ws")

	sendCommand(t, conn, protocol.Command{Command: protocol.CommandStart, StreamID: "owned"})
	readReply(t, conn)
	if _, ok := registry.Get("owned"); !ok {
		t.Fatalf("stream not created")
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := registry.Get("owned"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("owned stream survived disconnect")
}

func TestAudioWSSharedStreamSurvivesDisconnect(t *testing.T) {
	ts, registry := newTestServer(t)
	conn := dialWS(t, ts, "/ws/audio/shared-1")

	if err := conn.WriteMessage(websocket.BinaryMessage, loudPCM(1600)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	reply := readReply(t, conn)
	if reply["type"] != "transcription" || reply["stream_id"] != "shared-1" {
		t.Fatalf("reply = %v", reply)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)
	if _, ok := registry.Get("shared-1"); !ok {
		t.Fatalf("shared stream must survive producer disconnect")
	}
}
