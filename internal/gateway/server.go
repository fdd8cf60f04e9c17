// Package gateway exposes the stream registry over HTTP and websocket: a
// REST surface for stream lifecycle and a realtime surface for audio plus
// control commands.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/voxline/voxline/internal/asr"
	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/internal/observability"
	"github.com/voxline/voxline/internal/protocol"
)

type Server struct {
	cfg      config.Config
	registry *asr.Registry
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, registry *asr.Registry, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser clients unless explicitly opened
				// up. Non-browser clients omit Origin and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/streams", s.handleCreateStream)
	r.Get("/v1/streams", s.handleListStreams)
	r.Get("/v1/streams/{id}", s.handleGetStream)
	r.Delete("/v1/streams/{id}", s.handleDeleteStream)
	r.Post("/v1/streams/{id}/audio", s.handleStreamAudio)
	r.Post("/v1/streams/{id}/vad", s.handleConfigureVAD)
	r.Post("/v1/streams/{id}/stop", s.handleStopStream)

	r.Get("/ws", s.handleControlWS)
	r.Get("/ws/audio/{stream_id}", s.handleAudioWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"streams": s.registry.Len(),
	})
}

type createStreamRequest struct {
	StreamID string `json:"stream_id"`
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess := s.registry.Create(strings.TrimSpace(req.StreamID))
	s.observeStreams("created")
	snap, _ := s.registry.Snapshot(sess.ID)
	respondJSON(w, http.StatusCreated, snapshotResponse(snap))
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"streams": s.registry.IDs()})
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "stream_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snapshotResponse(snap))
}

func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.registry.Delete(id) {
		respondError(w, http.StatusNotFound, "stream_not_found", "no such stream: "+id)
		return
	}
	s.observeStreams("deleted")
	respondJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleStreamAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	defer r.Body.Close()
	pcm, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.processAudio(r.Context(), id, pcm)
	if err != nil {
		respondError(w, http.StatusBadRequest, "process_failed", err.Error())
		return
	}
	s.observeStreams("audio")
	respondJSON(w, http.StatusOK, transcriptionReply(res))
}

type vadRequest struct {
	Threshold    *float64 `json:"threshold"`
	SpeechPadMs  *int     `json:"speech_pad_ms"`
	MinSpeechMs  *int     `json:"min_speech_ms"`
	MinSilenceMs *int     `json:"min_silence_ms"`
	MaxSilenceMs *int     `json:"max_silence_ms"`
}

func (s *Server) handleConfigureVAD(w http.ResponseWriter, r *http.Request) {
	var req vadRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	err := s.registry.ConfigureVAD(chi.URLParam(r, "id"), asr.VADUpdate{
		Threshold:    req.Threshold,
		SpeechPadMs:  req.SpeechPadMs,
		MinSpeechMs:  req.MinSpeechMs,
		MinSilenceMs: req.MinSilenceMs,
		MaxSilenceMs: req.MaxSilenceMs,
	})
	if err != nil {
		respondError(w, http.StatusNotFound, "stream_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"configured": chi.URLParam(r, "id")})
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	fin, err := s.registry.Stop(r.Context(), id)
	if err != nil {
		if errors.Is(err, asr.ErrStreamNotFound) {
			respondError(w, http.StatusNotFound, "stream_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "transcribe_failed", err.Error())
		return
	}
	s.observeStreams("stopped")
	respondJSON(w, http.StatusOK, finalReply(fin))
}

// handleControlWS serves the full-duplex control socket. Text frames are
// commands, binary frames are PCM16LE audio for the stream started on this
// connection. The owned stream is removed when the socket closes.
func (s *Server) handleControlWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.StreamEvents.WithLabelValues("ws_connected").Inc()

	conn.SetReadLimit(2 << 20)

	var streamID string
	defer func() {
		if streamID != "" && s.registry.Delete(streamID) {
			s.observeStreams("ws_disconnected")
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if streamID == "" {
				s.writeReply(conn, protocol.NewErrorReply("", errors.New("no stream started on this connection")))
				continue
			}
			res, err := s.processAudio(r.Context(), streamID, data)
			if err != nil {
				s.writeReply(conn, protocol.NewErrorReply(streamID, err))
				continue
			}
			s.writeReply(conn, transcriptionReply(res))
		case websocket.TextMessage:
			cmd, err := protocol.ParseCommand(data)
			if err != nil {
				s.writeReply(conn, protocol.NewErrorReply(streamID, err))
				continue
			}
			s.metrics.WSMessages.WithLabelValues("inbound", string(cmd.Command)).Inc()
			streamID = s.dispatchCommand(r, conn, cmd, streamID)
		}
	}
}

// dispatchCommand executes one control command and returns the possibly
// updated owned stream id.
func (s *Server) dispatchCommand(r *http.Request, conn *websocket.Conn, cmd protocol.Command, streamID string) string {
	targetID := cmd.StreamID
	if targetID == "" {
		targetID = streamID
	}
	switch cmd.Command {
	case protocol.CommandStart:
		sess := s.registry.Create(cmd.StreamID)
		s.observeStreams("created")
		s.writeReply(conn, protocol.NewControlReply("started", sess.ID))
		return sess.ID
	case protocol.CommandStop:
		fin, err := s.registry.Stop(r.Context(), targetID)
		if err != nil {
			s.writeReply(conn, protocol.NewErrorReply(targetID, err))
			return streamID
		}
		s.observeStreams("stopped")
		s.writeReply(conn, finalReply(fin))
	case protocol.CommandReset:
		if err := s.registry.Reset(targetID); err != nil {
			s.writeReply(conn, protocol.NewErrorReply(targetID, err))
			return streamID
		}
		s.writeReply(conn, protocol.NewControlReply("reset", targetID))
	case protocol.CommandConfigureVAD:
		err := s.registry.ConfigureVAD(targetID, asr.VADUpdate{
			Threshold:    cmd.Threshold,
			SpeechPadMs:  cmd.SpeechPadMs,
			MinSpeechMs:  cmd.MinSpeechMs,
			MinSilenceMs: cmd.MinSilenceMs,
			MaxSilenceMs: cmd.MaxSilenceMs,
		})
		if err != nil {
			s.writeReply(conn, protocol.NewErrorReply(targetID, err))
			return streamID
		}
		s.writeReply(conn, protocol.NewControlReply("vad_configured", targetID))
	case protocol.CommandGetState:
		snap, err := s.registry.Snapshot(targetID)
		if err != nil {
			s.writeReply(conn, protocol.NewErrorReply(targetID, err))
			return streamID
		}
		s.writeReply(conn, stateReply(snap))
	}
	return streamID
}

// handleAudioWS serves the shared audio-only socket. Streams fed through it
// are auto-created and survive the connection, so several producers can feed
// the same stream and the reaper handles cleanup.
func (s *Server) handleAudioWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stream_id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "missing_stream_id", "stream_id path parameter is required")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.StreamEvents.WithLabelValues("ws_audio_connected").Inc()

	conn.SetReadLimit(2 << 20)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		res, err := s.processAudio(r.Context(), id, data)
		if err != nil {
			s.writeReply(conn, protocol.NewErrorReply(id, err))
			continue
		}
		s.observeStreams("audio")
		s.writeReply(conn, transcriptionReply(res))
	}
}

// processAudio funnels every audio ingest path through the same metrics.
func (s *Server) processAudio(ctx context.Context, id string, pcm []byte) (asr.ProcessResult, error) {
	start := time.Now()
	res, err := s.registry.ProcessAudio(ctx, id, pcm)
	if err != nil {
		s.metrics.TranscribeErrors.Inc()
		return res, err
	}
	s.metrics.AudioChunks.Inc()
	s.metrics.ObserveTranscribeDuration(time.Since(start))
	if res.IsFinal {
		s.metrics.UtteranceDuration.Observe(res.AudioSeconds)
	}
	return res, nil
}

func (s *Server) writeReply(conn *websocket.Conn, v any) {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(v); err != nil {
		return
	}
	if t, err := replyTypeOf(v); err == nil {
		s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
	}
}

func (s *Server) observeStreams(event string) {
	s.metrics.ActiveStreams.Set(float64(s.registry.Len()))
	s.metrics.StreamEvents.WithLabelValues(event).Inc()
}

func transcriptionReply(res asr.ProcessResult) protocol.TranscriptionReply {
	return protocol.TranscriptionReply{
		Type:         protocol.ReplyTranscription,
		StreamID:     res.StreamID,
		IsSpeech:     res.IsSpeech,
		UtteranceEnd: res.UtteranceEnd,
		IsFinal:      res.IsFinal,
		Transcript:   res.Transcript,
		Utterances:   res.Utterances,
	}
}

func stateReply(snap asr.StateSnapshot) protocol.StateReply {
	return protocol.StateReply{
		Type:          protocol.ReplyState,
		StreamID:      snap.StreamID,
		CorrelationID: snap.CorrelationID,
		Active:        snap.Active,
		IsSpeech:      snap.IsSpeech,
		UtteranceSeen: snap.UtteranceSeen,
		Transcript:    snap.Transcript,
		InProgress:    snap.InProgress,
		AudioSeconds:  snap.AudioSeconds,
		SpeechSeconds: snap.SpeechSeconds,
	}
}

func finalReply(fin asr.FinalResult) protocol.FinalReply {
	return protocol.FinalReply{
		Type:          protocol.ReplyFinal,
		StreamID:      fin.StreamID,
		Transcript:    fin.Transcript,
		UtteranceSeen: fin.UtteranceSeen,
	}
}

func replyTypeOf(v any) (protocol.ReplyType, error) {
	switch m := v.(type) {
	case protocol.ControlReply:
		return m.Type, nil
	case protocol.TranscriptionReply:
		return m.Type, nil
	case protocol.StateReply:
		return m.Type, nil
	case protocol.FinalReply:
		return m.Type, nil
	case protocol.ErrorReply:
		return m.Type, nil
	default:
		return "", errors.New("unknown reply type")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

type streamStateResponse struct {
	StreamID      string    `json:"stream_id"`
	CorrelationID string    `json:"correlation_id"`
	Active        bool      `json:"active"`
	IsSpeech      bool      `json:"is_speech"`
	UtteranceSeen int       `json:"utterances_seen"`
	Transcript    string    `json:"transcript,omitempty"`
	AudioSeconds  float64   `json:"audio_seconds"`
	SpeechSeconds float64   `json:"speech_seconds"`
	LastActivity  time.Time `json:"last_activity"`
}

func snapshotResponse(snap asr.StateSnapshot) streamStateResponse {
	return streamStateResponse{
		StreamID:      snap.StreamID,
		CorrelationID: snap.CorrelationID,
		Active:        snap.Active,
		IsSpeech:      snap.IsSpeech,
		UtteranceSeen: snap.UtteranceSeen,
		Transcript:    snap.Transcript,
		AudioSeconds:  snap.AudioSeconds,
		SpeechSeconds: snap.SpeechSeconds,
		LastActivity:  snap.LastActivity,
	}
}
