package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/voxline/voxline/internal/audio"
)

// Sink consumes one clip of rendered audio, blocking until playback is done.
type Sink interface {
	Play(ctx context.Context, clip []byte) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, clip []byte) error

func (f SinkFunc) Play(ctx context.Context, clip []byte) error { return f(ctx, clip) }

// DiscardSink drops clips, for headless runs.
var DiscardSink = SinkFunc(func(context.Context, []byte) error { return nil })

// ErrPlayerClosed is returned by Enqueue after Close.
var ErrPlayerClosed = errors.New("player closed")

// Player plays clips strictly in enqueue order through a single worker.
// IsPlaying covers queued clips too, so callers can hold off forwarding
// microphone audio until everything enqueued has been heard.
type Player struct {
	sink    Sink
	queue   chan []byte
	pending atomic.Int64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func NewPlayer(sink Sink, queueSize int) *Player {
	if queueSize <= 0 {
		queueSize = 32
	}
	return &Player{
		sink:  sink,
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
}

// Start launches the playback worker. It returns immediately; the worker
// runs until ctx is cancelled or Close drains the queue.
func (p *Player) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		for {
			select {
			case <-ctx.Done():
				return
			case clip, ok := <-p.queue:
				if !ok {
					return
				}
				_ = p.sink.Play(ctx, clip)
				p.pending.Add(-1)
			}
		}
	}()
}

// Enqueue schedules one clip for playback.
func (p *Player) Enqueue(clip []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPlayerClosed
	}
	p.pending.Add(1)
	p.mu.Unlock()

	select {
	case p.queue <- clip:
		return nil
	default:
		p.pending.Add(-1)
		return errors.New("playback queue full")
	}
}

// IsPlaying reports whether any clip is queued or currently being played.
func (p *Player) IsPlaying() bool {
	return p.pending.Load() > 0
}

// Close stops accepting clips and waits for the worker to finish the queue.
func (p *Player) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}

// WAVDirSink writes each clip as a numbered WAV file, treating clip bytes as
// raw PCM16LE mono audio.
type WAVDirSink struct {
	Dir        string
	SampleRate int

	seq atomic.Int64
}

func (s *WAVDirSink) Play(_ context.Context, clip []byte) error {
	n := s.seq.Add(1)
	path := filepath.Join(s.Dir, fmt.Sprintf("clip-%04d.wav", n))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	return audio.WriteWAVPCM16LETo(f, clip, s.SampleRate)
}

// WriterSink streams raw clip bytes to an io.Writer, typically stdout piped
// into an external audio player.
type WriterSink struct {
	W io.Writer
}

func (s *WriterSink) Play(_ context.Context, clip []byte) error {
	_, err := s.W.Write(clip)
	return err
}
