// Package asr hosts the stream registry: energy-gated voice activity
// detection, per-stream sample buffering, and transcription of completed
// utterances through a pluggable backend.
package asr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/audio"
	"github.com/voxline/voxline/internal/vad"
)

// ErrStreamNotFound is returned for operations against unknown stream ids.
var ErrStreamNotFound = errors.New("stream not found")

// VADUpdate carries optional detector tuning; nil fields are left unchanged.
type VADUpdate struct {
	Threshold    *float64
	SpeechPadMs  *int
	MinSpeechMs  *int
	MinSilenceMs *int
	MaxSilenceMs *int
}

// ProcessResult describes what one audio chunk did to a stream. AudioSeconds
// is the length of the committed utterance and is set only on final results.
type ProcessResult struct {
	StreamID     string
	IsSpeech     bool
	UtteranceEnd bool
	IsFinal      bool
	Transcript   string
	Utterances   []string
	AudioSeconds float64
}

// FinalResult is the outcome of stopping a stream.
type FinalResult struct {
	StreamID      string
	Transcript    string
	UtteranceSeen int
}

// StateSnapshot is a point-in-time view of one stream. SpeechSeconds counts
// audio ingested while the detector was inside an utterance, trailing
// padding included.
type StateSnapshot struct {
	StreamID      string
	CorrelationID string
	Active        bool
	IsSpeech      bool
	UtteranceSeen int
	Transcript    string
	InProgress    string
	LastActivity  time.Time
	AudioSeconds  float64
	SpeechSeconds float64
}

const (
	// DefaultReaperInterval is how often idle streams are swept.
	DefaultReaperInterval = 30 * time.Second
	// DefaultIdleTimeout is how long a stream may sit untouched before the
	// reaper removes it.
	DefaultIdleTimeout = 5 * time.Minute
)

// Registry owns every live stream session. The registry mutex guards only
// the map; per-stream state has its own lock so transcription of one stream
// never blocks audio on another.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	transcriber Transcriber
	vadParams   vad.Params
	sampleRate  int

	idleTimeout time.Duration
	expireHook  func(streamID string)
}

// NewRegistry builds a registry around the given transcription backend.
func NewRegistry(tr Transcriber, p vad.Params) *Registry {
	if p.SampleRate <= 0 {
		p = vad.DefaultParams()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		transcriber: tr,
		vadParams:   p,
		sampleRate:  p.SampleRate,
		idleTimeout: DefaultIdleTimeout,
	}
}

// SetIdleTimeout overrides the reaper's idle cutoff.
func (r *Registry) SetIdleTimeout(d time.Duration) {
	if d > 0 {
		r.idleTimeout = d
	}
}

// SetExpireHook registers a callback invoked with the id of every stream the
// reaper removes. Must be called before StartReaper.
func (r *Registry) SetExpireHook(hook func(streamID string)) {
	r.expireHook = hook
}

// Create registers a new stream. A stream that already exists under the same
// id is reset in place rather than replaced, so concurrent holders keep a
// valid handle. An empty id gets a generated one.
func (r *Registry) Create(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.reset(r.vadParams)
		return s
	}
	s := newSession(id, r.vadParams)
	r.sessions[id] = s
	return s
}

// Get looks up a stream by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Delete removes a stream and reports whether it existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Len reports the number of live streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs returns the ids of all live streams.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) getOrCreate(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := newSession(id, r.vadParams)
	r.sessions[id] = s
	return s
}

// ProcessAudio feeds one PCM16LE chunk into a stream, creating the stream on
// first use. A malformed payload is rejected before any state changes. While
// an utterance is open the buffered samples are transcribed every chunk for
// an interim transcript; the chunk that closes the utterance commits a final
// one. A transcription failure keeps the samples buffered and surfaces the
// error so the next chunk retries.
func (r *Registry) ProcessAudio(ctx context.Context, id string, pcm []byte) (ProcessResult, error) {
	samples, err := audio.DecodePCM16LE(pcm)
	if err != nil {
		return ProcessResult{}, err
	}
	s := r.getOrCreate(id)

	isSpeech, utteranceEnd, pending := s.ingest(samples)
	res := ProcessResult{
		StreamID:     s.ID,
		IsSpeech:     isSpeech,
		UtteranceEnd: utteranceEnd,
	}
	if pending == nil {
		return res, nil
	}

	text, err := r.transcriber.Transcribe(ctx, pending, r.sampleRate)
	if err != nil {
		return res, fmt.Errorf("transcribe stream %s: %w", s.ID, err)
	}
	if !utteranceEnd {
		s.setInterim(text)
		res.Transcript = text
		return res, nil
	}
	if s.commitUtterance(text) {
		res.IsFinal = true
		res.Transcript = text
		res.Utterances = s.Utterances()
		res.AudioSeconds = float64(len(pending)) / float64(r.sampleRate)
	}
	return res, nil
}

// Stop finalizes a stream: any buffered tail is transcribed, the joined
// transcript is returned, and the stream is removed from the registry.
func (r *Registry) Stop(ctx context.Context, id string) (FinalResult, error) {
	s, ok := r.Get(id)
	if !ok {
		return FinalResult{}, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	if tail := s.drainBuffer(); tail != nil {
		text, err := r.transcriber.Transcribe(ctx, tail, r.sampleRate)
		if err != nil {
			return FinalResult{}, fmt.Errorf("transcribe stream %s: %w", id, err)
		}
		s.appendFinal(text)
	}
	snap := s.snapshot()
	r.Delete(id)
	return FinalResult{
		StreamID:      id,
		Transcript:    snap.Transcript,
		UtteranceSeen: snap.UtteranceSeen,
	}, nil
}

// Reset clears a stream's detector, buffer, and transcript in place.
func (r *Registry) Reset(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	s.reset(r.vadParams)
	return nil
}

// ConfigureVAD applies a partial detector update to a stream.
func (r *Registry) ConfigureVAD(id string, u VADUpdate) error {
	s, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	s.configureVAD(u)
	return nil
}

// Snapshot returns the current state of a stream.
func (r *Registry) Snapshot(id string) (StateSnapshot, error) {
	s, ok := r.Get(id)
	if !ok {
		return StateSnapshot{}, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	return s.snapshot(), nil
}

// StartReaper sweeps idle streams on the given interval until ctx is done.
func (r *Registry) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reap(time.Now())
			}
		}
	}()
}

func (r *Registry) reap(now time.Time) {
	var expired []string
	r.mu.Lock()
	for id, s := range r.sessions {
		if s.idleSince(now) > r.idleTimeout {
			delete(r.sessions, id)
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()
	if r.expireHook != nil {
		for _, id := range expired {
			r.expireHook(id)
		}
	}
}
