// Package agent runs the conversation side of the system: it feeds
// microphone audio to the gateway, turns final transcripts into streamed
// replies, speaks them sentence by sentence, and extracts a structured order
// when the conversation wraps up.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/llm"
	"github.com/voxline/voxline/internal/orders"
	"github.com/voxline/voxline/internal/protocol"
	"github.com/voxline/voxline/internal/reliability"
	"github.com/voxline/voxline/internal/tts"
)

// Generator produces assistant replies. Satisfied by llm.Client.
type Generator interface {
	Stream(ctx context.Context, messages []llm.Message, onDelta llm.DeltaHandler) (string, error)
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// Player queues rendered audio for playback. Satisfied by tts.Player.
type Player interface {
	Enqueue(clip []byte) error
	IsPlaying() bool
}

const (
	defaultHeartbeatInterval    = 10 * time.Second
	defaultReconnectMaxAttempts = 3

	keepaliveSpeakTick = 200 * time.Millisecond
	keepaliveIdleTick  = 500 * time.Millisecond
	idleSendThreshold  = time.Second
	pollTimeout        = 100 * time.Millisecond
	pollPacing         = 10 * time.Millisecond
	reconnectBase      = time.Second
	reconnectCap       = 10 * time.Second
	defaultFrameBytes  = 3200
)

const systemPrompt = `You are a friendly voice assistant taking a customer's order over the phone.
Keep replies short and conversational, one or two sentences. Confirm items and
quantities as the customer states them. When the order is complete, confirm it
and close with "Thank you for your order. Goodbye."`

const extractionPrompt = `Extract the customer's order from the conversation transcript below.
Respond with only a JSON object shaped as
{"customer_name": "", "items": [{"name": "", "quantity": 1, "notes": ""}], "total": 0}
and nothing else.`

// VADSettings is optional detector tuning pushed to the gateway when the
// stream opens and again after every reconnect.
type VADSettings struct {
	Threshold    *float64
	SpeechPadMs  *int
	MinSpeechMs  *int
	MinSilenceMs *int
}

// Options tunes agent behavior; zero values pick the defaults above.
type Options struct {
	HeartbeatInterval    time.Duration
	ReconnectMaxAttempts int
	VAD                  *VADSettings
	Logger               *log.Logger
}

// Agent is the conversation orchestrator. One Agent drives one stream on the
// gateway and one spoken conversation.
type Agent struct {
	transport Transport
	gen       Generator
	synth     tts.Synthesizer
	player    Player
	store     orders.Store
	logger    *log.Logger

	conversationID string
	streamID       string

	heartbeatInterval    time.Duration
	reconnectMaxAttempts int
	reconnectBase        time.Duration
	reconnectCap         time.Duration
	vadSettings          *VADSettings
	reconnectMu          sync.Mutex

	running   atomic.Bool
	inFlight  atomic.Bool
	finished  atomic.Bool
	extracted atomic.Bool

	histMu  sync.Mutex
	history []llm.Message

	audioIn chan []byte

	frameMu      sync.Mutex
	silenceFrame []byte
	lastSent     atomic.Int64

	onSentence func(string)
	onUser     func(string)
	onOrder    func(orders.Order)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(transport Transport, gen Generator, synth tts.Synthesizer, player Player, store orders.Store, opts Options) *Agent {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.ReconnectMaxAttempts <= 0 {
		opts.ReconnectMaxAttempts = defaultReconnectMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	id := uuid.NewString()
	return &Agent{
		transport:            transport,
		gen:                  gen,
		synth:                synth,
		player:               player,
		store:                store,
		logger:               opts.Logger,
		conversationID:       id,
		streamID:             "agent-" + id,
		heartbeatInterval:    opts.HeartbeatInterval,
		reconnectMaxAttempts: opts.ReconnectMaxAttempts,
		reconnectBase:        reconnectBase,
		reconnectCap:         reconnectCap,
		vadSettings:          opts.VAD,
		history:              []llm.Message{{Role: "system", Content: systemPrompt}},
		audioIn:              make(chan []byte, 64),
	}
}

// OnAssistantSentence registers a hook invoked for every spoken sentence.
func (a *Agent) OnAssistantSentence(fn func(string)) { a.onSentence = fn }

// OnUserTranscript registers a hook invoked for every accepted final transcript.
func (a *Agent) OnUserTranscript(fn func(string)) { a.onUser = fn }

// OnOrder registers a hook invoked after a successful order extraction.
func (a *Agent) OnOrder(fn func(orders.Order)) { a.onOrder = fn }

// ConversationID returns the id used for order persistence.
func (a *Agent) ConversationID() string { return a.conversationID }

// Finished reports whether a closing phrase has been spoken.
func (a *Agent) Finished() bool { return a.finished.Load() }

// Speaking reports whether a reply is being generated or audio is still
// queued for playback. Microphone audio is not forwarded while speaking.
func (a *Agent) Speaking() bool {
	return a.inFlight.Load() || a.player.IsPlaying()
}

// Start connects to the gateway, opens the stream, and launches the
// heartbeat, keepalive, forwarding, and polling loops.
func (a *Agent) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("agent already started")
	}
	if err := a.transport.Connect(ctx); err != nil {
		a.running.Store(false)
		return fmt.Errorf("connect gateway: %w", err)
	}
	if err := a.openStream(); err != nil {
		a.transport.Close()
		a.running.Store(false)
		return fmt.Errorf("start stream: %w", err)
	}
	a.lastSent.Store(time.Now().UnixNano())

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	for _, loop := range []func(context.Context){
		a.heartbeatLoop,
		a.keepaliveLoop,
		a.forwardLoop,
		a.pollLoop,
	} {
		a.wg.Add(1)
		go func(run func(context.Context)) {
			defer a.wg.Done()
			run(loopCtx)
		}(loop)
	}
	return nil
}

// Stop winds the agent down: loops are stopped, the stream is closed on the
// gateway, and a finished conversation that never got its order extracted
// gets one last extraction pass.
func (a *Agent) Stop(ctx context.Context) error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}
	a.cancel()
	a.wg.Wait()

	if err := a.transport.SendCommand(protocol.Command{Command: protocol.CommandStop, StreamID: a.streamID}); err != nil {
		a.logger.Printf("agent: stop command failed: %v", err)
	}
	if a.finished.Load() && !a.extracted.Load() {
		a.extractOrder(ctx)
	}
	return a.transport.Close()
}

// openStream starts the agent's stream and pushes any detector tuning.
// Called on the initial connect and after every reconnect.
func (a *Agent) openStream() error {
	if err := a.transport.SendCommand(protocol.Command{Command: protocol.CommandStart, StreamID: a.streamID}); err != nil {
		return err
	}
	if a.vadSettings == nil {
		return nil
	}
	return a.transport.SendCommand(protocol.Command{
		Command:      protocol.CommandConfigureVAD,
		StreamID:     a.streamID,
		Threshold:    a.vadSettings.Threshold,
		SpeechPadMs:  a.vadSettings.SpeechPadMs,
		MinSpeechMs:  a.vadSettings.MinSpeechMs,
		MinSilenceMs: a.vadSettings.MinSilenceMs,
	})
}

// Finish marks the conversation complete and runs order extraction if it has
// not happened yet. Called when a closing phrase is spoken or when the
// microphone stream runs out.
func (a *Agent) Finish(ctx context.Context) {
	a.finished.Store(true)
	a.extractOrder(ctx)
}

// QueueAudio hands one microphone chunk to the forwarding loop. Chunks are
// dropped when the loop is saturated rather than blocking the capture path.
func (a *Agent) QueueAudio(pcm []byte) {
	chunk := make([]byte, len(pcm))
	copy(chunk, pcm)
	select {
	case a.audioIn <- chunk:
	default:
	}
}

func (a *Agent) forwardLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pcm := <-a.audioIn:
			// Suppress the microphone while the assistant is talking so the
			// recognizer never hears our own voice.
			if a.Speaking() {
				continue
			}
			a.sendAudio(pcm)
		}
	}
}

func (a *Agent) sendAudio(pcm []byte) {
	a.frameMu.Lock()
	if a.silenceFrame == nil && len(pcm) > 0 {
		a.silenceFrame = make([]byte, len(pcm))
	}
	a.frameMu.Unlock()

	if err := a.transport.SendAudio(pcm); err != nil {
		a.logger.Printf("agent: send audio: %v", err)
		return
	}
	a.lastSent.Store(time.Now().UnixNano())
}

// keepaliveLoop keeps the stream's clock moving during quiet periods by
// sending silence, which the detector counts toward utterance end. It ticks
// faster while speaking so the turn hands back promptly.
func (a *Agent) keepaliveLoop(ctx context.Context) {
	for {
		tick := keepaliveIdleTick
		if a.Speaking() {
			tick = keepaliveSpeakTick
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
		}
		idle := time.Since(time.Unix(0, a.lastSent.Load()))
		if !a.Speaking() && idle < idleSendThreshold {
			continue
		}
		a.frameMu.Lock()
		frame := a.silenceFrame
		a.frameMu.Unlock()
		if frame == nil {
			frame = make([]byte, defaultFrameBytes)
		}
		if err := a.transport.SendAudio(frame); err == nil {
			a.lastSent.Store(time.Now().UnixNano())
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.transport.Ping(); err != nil {
				a.logger.Printf("agent: heartbeat: %v", err)
				// Not fatal when attempts run out; the next tick tries again.
				a.reconnect(ctx)
			}
		}
	}
}

func (a *Agent) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, err := a.transport.Receive(pollTimeout)
		switch {
		case err == nil:
			a.handleFrame(ctx, data)
		case errors.Is(err, ErrReceiveTimeout):
		case errors.Is(err, ErrClosedByPeer):
			a.logger.Printf("agent: gateway closed the connection")
			return
		case errors.Is(err, ErrDisconnected), errors.Is(err, ErrNotConnected):
			// The loop stays alive even when attempts run out; the next
			// receive starts another bounded sequence, so reception resumes
			// once the link is back.
			if !a.reconnect(ctx) {
				a.logger.Printf("agent: gateway unreachable, will keep trying")
			}
			continue
		default:
			a.logger.Printf("agent: receive: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pollPacing):
		}
	}
}

// reconnect retries the gateway with growing backoff and re-opens the same
// stream so accumulated transcript state is reset server side but the
// conversation keeps its identity.
func (a *Agent) reconnect(ctx context.Context) bool {
	// The heartbeat and polling loops can both trigger reconnection; only
	// one attempt sequence runs at a time.
	a.reconnectMu.Lock()
	defer a.reconnectMu.Unlock()

	for attempt := 1; attempt <= a.reconnectMaxAttempts; attempt++ {
		wait := reliability.ExponentialBackoff(attempt-1, a.reconnectBase, a.reconnectCap)
		a.logger.Printf("agent: reconnect attempt %d/%d in %v", attempt, a.reconnectMaxAttempts, wait)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		if err := a.transport.Connect(ctx); err != nil {
			a.logger.Printf("agent: reconnect: %v", err)
			continue
		}
		if err := a.openStream(); err != nil {
			a.logger.Printf("agent: reopen stream: %v", err)
			continue
		}
		return true
	}
	return false
}

func (a *Agent) handleFrame(ctx context.Context, data []byte) {
	replyType, err := protocol.PeekType(data)
	if err != nil {
		return
	}
	switch replyType {
	case protocol.ReplyTranscription:
		var reply protocol.TranscriptionReply
		if err := json.Unmarshal(data, &reply); err != nil {
			return
		}
		if !reply.IsFinal || strings.TrimSpace(reply.Transcript) == "" {
			return
		}
		// A final that lands while we are mid-reply is our own tail or an
		// interruption we cannot honor; drop it instead of stacking turns.
		if a.player.IsPlaying() {
			return
		}
		if !a.inFlight.CompareAndSwap(false, true) {
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.respond(ctx, reply.Transcript)
		}()
	case protocol.ReplyError:
		var reply protocol.ErrorReply
		if err := json.Unmarshal(data, &reply); err == nil {
			a.logger.Printf("agent: gateway error: %s", reply.Message)
		}
	}
}

// respond streams a reply for one user turn and speaks it sentence by
// sentence, so synthesis overlaps generation.
func (a *Agent) respond(ctx context.Context, userText string) {
	defer a.inFlight.Store(false)

	if a.onUser != nil {
		a.onUser(userText)
	}

	a.histMu.Lock()
	a.history = append(a.history, llm.Message{Role: "user", Content: userText})
	messages := make([]llm.Message, len(a.history))
	copy(messages, a.history)
	a.histMu.Unlock()

	var agg SentenceAggregator
	full, err := a.gen.Stream(ctx, messages, func(delta string) error {
		for _, sentence := range agg.Push(delta) {
			a.speak(ctx, sentence)
		}
		return nil
	})
	if err != nil {
		a.logger.Printf("agent: generate: %v", err)
		return
	}
	if rest := agg.Flush(); rest != "" {
		a.speak(ctx, rest)
	}

	a.histMu.Lock()
	a.history = append(a.history, llm.Message{Role: "assistant", Content: full})
	a.histMu.Unlock()

	if a.finished.Load() {
		a.extractOrder(ctx)
	}
}

func (a *Agent) speak(ctx context.Context, sentence string) {
	clip, err := a.synth.Synthesize(ctx, sentence)
	if err != nil {
		a.logger.Printf("agent: synthesize %q: %v", sentence, err)
	} else if err := a.player.Enqueue(clip); err != nil {
		a.logger.Printf("agent: enqueue clip: %v", err)
	}
	if a.onSentence != nil {
		a.onSentence(sentence)
	}
	if IsClosingPhrase(sentence) {
		a.finished.Store(true)
	}
}

type extractedOrder struct {
	CustomerName string        `json:"customer_name"`
	Items        []orders.Item `json:"items"`
	Total        float64       `json:"total"`
}

// extractOrder asks the model for a structured order from the conversation
// and persists it. Extraction happens at most once per conversation; a
// failure leaves it eligible for the retry in Stop.
func (a *Agent) extractOrder(ctx context.Context) {
	if !a.extracted.CompareAndSwap(false, true) {
		return
	}

	transcript := a.transcript()
	reply, err := a.gen.Complete(ctx, []llm.Message{
		{Role: "system", Content: extractionPrompt},
		{Role: "user", Content: transcript},
	})
	if err != nil {
		a.extracted.Store(false)
		if errors.Is(err, llm.ErrMissingAPIKey) {
			a.logger.Printf("agent: order extraction skipped: %v", err)
			return
		}
		a.logger.Printf("agent: order extraction: %v", err)
		return
	}

	var parsed extractedOrder
	if err := json.Unmarshal([]byte(stripCodeFence(reply)), &parsed); err != nil {
		a.extracted.Store(false)
		a.logger.Printf("agent: decode extracted order: %v", err)
		return
	}

	order, err := a.store.Save(ctx, orders.Order{
		ConversationID: a.conversationID,
		CustomerName:   parsed.CustomerName,
		Items:          parsed.Items,
		Total:          parsed.Total,
		Transcript:     transcript,
	})
	if err != nil {
		a.extracted.Store(false)
		a.logger.Printf("agent: save order: %v", err)
		return
	}
	a.logger.Printf("agent: order %s saved with %d items", order.ID, len(order.Items))
	if a.onOrder != nil {
		a.onOrder(order)
	}
}

func (a *Agent) transcript() string {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	var b strings.Builder
	for _, m := range a.history {
		if m.Role == "system" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
