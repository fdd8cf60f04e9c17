package asr

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/vad"
)

// Session holds the per-stream state of one audio stream: its detector, the
// samples buffered for the current utterance, and every transcript produced
// so far. All fields are guarded by mu; the registry only guards its map.
type Session struct {
	ID string
	// CorrelationID ties log lines and state snapshots to one session
	// incarnation; it survives reset along with the id.
	CorrelationID string

	mu            sync.Mutex
	detector      *vad.Detector
	buffer        []float32
	interim       string
	utterances    []string
	active        bool
	lastSeen      time.Time
	sampleRate    int
	totalSamples  int64
	speechSamples int64
}

func newSession(id string, p vad.Params) *Session {
	return &Session{
		ID:            id,
		CorrelationID: uuid.NewString(),
		detector:      vad.New(p),
		active:        true,
		lastSeen:      time.Now(),
		sampleRate:    p.SampleRate,
	}
}

// reset returns the session to a fresh state in place, keeping its identity.
func (s *Session) reset(p vad.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detector = vad.New(p)
	s.buffer = nil
	s.interim = ""
	s.utterances = nil
	s.active = true
	s.lastSeen = time.Now()
	s.totalSamples = 0
	s.speechSamples = 0
}

// ingest runs the detector over one chunk and buffers audio while the
// detector reports speech, trailing padding included; the chunk that closes
// the utterance is not buffered. Whenever the buffer is non-empty a copy is
// returned so the caller can run transcription outside the lock; the buffer
// itself is only cleared by commitUtterance so a failed transcription leaves
// the audio intact.
func (s *Session) ingest(samples []float32) (isSpeech, utteranceEnd bool, pending []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()

	isSpeech, utteranceEnd = s.detector.Process(samples)
	s.totalSamples += int64(len(samples))
	if isSpeech {
		s.speechSamples += int64(len(samples))
		s.buffer = append(s.buffer, samples...)
	}
	if len(s.buffer) > 0 {
		pending = make([]float32, len(s.buffer))
		copy(pending, s.buffer)
	}
	return isSpeech, utteranceEnd, pending
}

// setInterim records the in-progress transcript for a still-open utterance.
func (s *Session) setInterim(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interim = text
}

// commitUtterance records a completed transcription and drops the buffered
// samples it came from. Empty transcripts still clear the buffer but are not
// recorded.
func (s *Session) commitUtterance(text string) (recorded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = s.buffer[:0]
	s.interim = ""
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	s.utterances = append(s.utterances, text)
	return true
}

// drainBuffer hands out the remaining buffered samples for a final
// transcription pass and marks the session inactive.
func (s *Session) drainBuffer() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.interim = ""
	s.lastSeen = time.Now()
	if len(s.buffer) == 0 {
		return nil
	}
	out := make([]float32, len(s.buffer))
	copy(out, s.buffer)
	s.buffer = s.buffer[:0]
	return out
}

func (s *Session) appendFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utterances = append(s.utterances, text)
}

// Transcript joins every recorded utterance in order.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.utterances, " ")
}

// Utterances returns a copy of the recorded utterances.
func (s *Session) Utterances() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.utterances))
	copy(out, s.utterances)
	return out
}

func (s *Session) snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateSnapshot{
		StreamID:      s.ID,
		CorrelationID: s.CorrelationID,
		Active:        s.active,
		IsSpeech:      s.detector.IsSpeech(),
		UtteranceSeen: len(s.utterances),
		Transcript:    strings.Join(s.utterances, " "),
		InProgress:    s.interim,
		LastActivity:  s.lastSeen,
		AudioSeconds:  s.seconds(s.totalSamples),
		SpeechSeconds: s.seconds(s.speechSamples),
	}
}

func (s *Session) seconds(samples int64) float64 {
	if s.sampleRate <= 0 {
		return 0
	}
	return float64(samples) / float64(s.sampleRate)
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen)
}

func (s *Session) configureVAD(u VADUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
	if u.Threshold != nil {
		s.detector.SetThreshold(*u.Threshold)
	}
	if u.SpeechPadMs != nil {
		s.detector.SetSpeechPadMs(*u.SpeechPadMs)
	}
	if u.MinSpeechMs != nil {
		s.detector.SetMinSpeechMs(*u.MinSpeechMs)
	}
	if u.MinSilenceMs != nil {
		s.detector.SetMinSilenceMs(*u.MinSilenceMs)
	}
	if u.MaxSilenceMs != nil {
		s.detector.SetMaxSilenceMs(*u.MaxSilenceMs)
	}
}
