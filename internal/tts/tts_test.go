package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func newTTSServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode session request: %v", err)
		}
		if req["voice"] != "test-voice" {
			t.Errorf("voice = %q", req["voice"])
		}
		fmt.Fprint(w, `{"session_id":"tts-sess-1"}`)
	})
	mux.HandleFunc("/tts", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode tts request: %v", err)
		}
		if req["session_id"] != "tts-sess-1" {
			t.Errorf("session_id = %q", req["session_id"])
		}
		fmt.Fprint(w, `{"audio_url":"/audio/clip-1"}`)
	})
	mux.HandleFunc("/audio/clip-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pcm-bytes"))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestClientSynthesize(t *testing.T) {
	ts := newTTSServer(t)
	c := NewClient(ts.URL, "test-voice")

	ctx := context.Background()
	if err := c.CreateSession(ctx); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if c.SessionID() != "tts-sess-1" {
		t.Fatalf("SessionID = %q", c.SessionID())
	}

	clip, err := c.Synthesize(ctx, "Hello there.")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(clip) != "pcm-bytes" {
		t.Fatalf("clip = %q", clip)
	}
}

func TestClientSynthesizeWithoutSession(t *testing.T) {
	c := NewClient("http://localhost:1", "test-voice")
	if _, err := c.Synthesize(context.Background(), "hi"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("error = %v, want ErrNoSession", err)
	}
}

func TestPlayerOrderAndIsPlaying(t *testing.T) {
	var mu sync.Mutex
	var played []string
	release := make(chan struct{})
	sink := SinkFunc(func(_ context.Context, clip []byte) error {
		<-release
		mu.Lock()
		played = append(played, string(clip))
		mu.Unlock()
		return nil
	})

	p := NewPlayer(sink, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	for _, s := range []string{"one", "two", "three"} {
		if err := p.Enqueue([]byte(s)); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", s, err)
		}
	}
	if !p.IsPlaying() {
		t.Fatalf("IsPlaying() = false with queued clips")
	}

	close(release)
	p.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(played) != 3 || played[0] != "one" || played[1] != "two" || played[2] != "three" {
		t.Fatalf("played = %v", played)
	}
	if p.IsPlaying() {
		t.Fatalf("IsPlaying() = true after drain")
	}
}

func TestPlayerEnqueueAfterClose(t *testing.T) {
	p := NewPlayer(DiscardSink, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	p.Close()

	if err := p.Enqueue([]byte("late")); !errors.Is(err, ErrPlayerClosed) {
		t.Fatalf("error = %v, want ErrPlayerClosed", err)
	}
}

func TestPlayerIsPlayingClearsAfterPlayback(t *testing.T) {
	p := NewPlayer(DiscardSink, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	if err := p.Enqueue([]byte("clip")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !p.IsPlaying() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("IsPlaying() never cleared")
}
