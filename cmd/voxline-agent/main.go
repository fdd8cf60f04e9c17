// voxline-agent drives one spoken conversation against a running gateway.
// It reads raw PCM16LE microphone audio from stdin, forwards it over the
// control websocket, and speaks streamed replies through the playback queue.
package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/voxline/voxline/internal/agent"
	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/internal/llm"
	"github.com/voxline/voxline/internal/orders"
	"github.com/voxline/voxline/internal/tts"
)

const (
	micChunkBytes = 3200

	// Synthesized audio comes back at 24 kHz regardless of the capture rate.
	synthesisSampleRate = 24000
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := orders.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("order store init failed: %v", err)
	}
	defer store.Close()

	generator := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
	if cfg.LLMAPIKey == "" {
		log.Printf("warning: VOXLINE_LLM_API_KEY not set, generation and order extraction will fail")
	}

	var synth tts.Synthesizer
	if strings.TrimSpace(cfg.TTSBaseURL) == "" {
		synth = &tts.MockSynthesizer{}
		log.Printf("tts provider: mock")
	} else {
		client := tts.NewClient(cfg.TTSBaseURL, cfg.TTSVoice)
		if err := client.CreateSession(ctx); err != nil {
			log.Fatalf("tts session init failed: %v", err)
		}
		synth = client
		log.Printf("tts provider: %s (session %s)", cfg.TTSBaseURL, client.SessionID())
	}

	var sink tts.Sink = tts.DiscardSink
	if cfg.AudioOutDir != "" {
		if err := os.MkdirAll(cfg.AudioOutDir, 0o755); err != nil {
			log.Fatalf("audio out dir: %v", err)
		}
		sink = &tts.WAVDirSink{Dir: cfg.AudioOutDir, SampleRate: synthesisSampleRate}
		log.Printf("writing assistant audio to %s", cfg.AudioOutDir)
	}
	player := tts.NewPlayer(sink, 32)
	player.Start(ctx)

	transport := agent.NewClient(cfg.GatewayWSURL)
	a := agent.New(transport, generator, synth, player, store, agent.Options{
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
	})
	a.OnUserTranscript(func(text string) { log.Printf("user: %s", text) })
	a.OnAssistantSentence(func(text string) { log.Printf("assistant: %s", text) })
	a.OnOrder(func(o orders.Order) { log.Printf("order %s extracted (%d items)", o.ID, len(o.Items)) })

	if err := a.Start(ctx); err != nil {
		log.Fatalf("agent start failed: %v", err)
	}
	log.Printf("conversation %s started against %s", a.ConversationID(), cfg.GatewayWSURL)

	// Feed stdin microphone audio until EOF or shutdown.
	micDone := make(chan struct{})
	go func() {
		defer close(micDone)
		buf := make([]byte, micChunkBytes)
		for {
			n, err := io.ReadFull(os.Stdin, buf)
			if n > 0 {
				a.QueueAudio(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		log.Printf("shutdown signal received")
	case <-micDone:
		log.Printf("microphone input ended")
		a.Finish(ctx)
		// Give in-flight generation and playback a moment to settle.
		time.Sleep(time.Second)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		log.Printf("agent stop: %v", err)
	}
	player.Close()
	log.Printf("conversation finished")
}
