// Package tts synthesizes speech through an HTTP service and plays the
// resulting audio through a queued sink.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Synthesizer turns one sentence into playable audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// ErrNoSession is returned when Synthesize is called before CreateSession.
var ErrNoSession = errors.New("tts session not created")

// Client speaks to a session-based TTS HTTP service: a session pins the
// voice, each synthesis call returns a URL the audio is downloaded from.
type Client struct {
	baseURL   string
	voice     string
	sessionID string
	client    *http.Client
}

func NewClient(baseURL, voice string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		voice:   voice,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type createSessionRequest struct {
	Voice string `json:"voice"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// CreateSession opens a synthesis session for the configured voice.
func (c *Client) CreateSession(ctx context.Context) error {
	payload, _ := json.Marshal(createSessionRequest{Voice: c.voice})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("create tts session: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("tts session http status %d: %s", res.StatusCode, string(body))
	}

	var out createSessionResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode session response: %w", err)
	}
	if out.SessionID == "" {
		return errors.New("tts service returned empty session id")
	}
	c.sessionID = out.SessionID
	return nil
}

// SessionID returns the current session id, empty before CreateSession.
func (c *Client) SessionID() string { return c.sessionID }

type synthesizeRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type synthesizeResponse struct {
	AudioURL string `json:"audio_url"`
}

// Synthesize submits one sentence and downloads the rendered audio.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if c.sessionID == "" {
		return nil, ErrNoSession
	}
	payload, _ := json.Marshal(synthesizeRequest{SessionID: c.sessionID, Text: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("tts http status %d: %s", res.StatusCode, string(body))
	}

	var out synthesizeResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tts response: %w", err)
	}
	if out.AudioURL == "" {
		return nil, errors.New("tts service returned no audio url")
	}
	return c.download(ctx, out.AudioURL)
}

func (c *Client) download(ctx context.Context, audioURL string) ([]byte, error) {
	if strings.HasPrefix(audioURL, "/") {
		audioURL = c.baseURL + audioURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download audio: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("audio download http status %d", res.StatusCode)
	}
	return io.ReadAll(res.Body)
}

// MockSynthesizer returns deterministic bytes derived from the input text.
type MockSynthesizer struct {
	Err error
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return []byte("audio:" + text), nil
}
