// Package protocol defines the JSON message surface shared by the websocket
// gateway and its clients. Commands flow client to server; replies flow back
// tagged with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandName identifies a client command.
type CommandName string

const (
	CommandStart        CommandName = "start"
	CommandStop         CommandName = "stop"
	CommandReset        CommandName = "reset"
	CommandConfigureVAD CommandName = "configure_vad"
	CommandGetState     CommandName = "get_state"
)

// ReplyType identifies a server reply.
type ReplyType string

const (
	ReplyControl       ReplyType = "control"
	ReplyTranscription ReplyType = "transcription"
	ReplyState         ReplyType = "state"
	ReplyFinal         ReplyType = "final"
	ReplyError         ReplyType = "error"
)

// ErrUnknownCommand is returned by ParseCommand for command names the
// gateway does not implement.
var ErrUnknownCommand = errors.New("unknown command")

// Command is a client request over the control websocket. Pointer fields in
// the VAD tuning block distinguish absent from zero.
type Command struct {
	Command      CommandName `json:"command"`
	StreamID     string      `json:"stream_id,omitempty"`
	Threshold    *float64    `json:"threshold,omitempty"`
	SpeechPadMs  *int        `json:"speech_pad_ms,omitempty"`
	MinSpeechMs  *int        `json:"min_speech_ms,omitempty"`
	MinSilenceMs *int        `json:"min_silence_ms,omitempty"`
	MaxSilenceMs *int        `json:"max_silence_ms,omitempty"`
}

// ParseCommand decodes and validates a raw client frame.
func ParseCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	switch cmd.Command {
	case CommandStart, CommandStop, CommandReset, CommandConfigureVAD, CommandGetState:
		return cmd, nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command)
	}
}

// ControlReply acknowledges a lifecycle command.
type ControlReply struct {
	Type     ReplyType `json:"type"`
	Event    string    `json:"event"`
	StreamID string    `json:"stream_id"`
}

// NewControlReply builds an acknowledgement for the given event.
func NewControlReply(event, streamID string) ControlReply {
	return ControlReply{Type: ReplyControl, Event: event, StreamID: streamID}
}

// TranscriptionReply carries per-chunk speech activity plus either an
// interim transcript or, when final, the committed one with the full
// utterance history.
type TranscriptionReply struct {
	Type         ReplyType `json:"type"`
	StreamID     string    `json:"stream_id"`
	IsSpeech     bool      `json:"is_speech"`
	UtteranceEnd bool      `json:"utterance_end"`
	IsFinal      bool      `json:"is_final"`
	Transcript   string    `json:"transcript,omitempty"`
	Utterances   []string  `json:"utterances,omitempty"`
}

// StateReply is a point-in-time snapshot of one stream.
type StateReply struct {
	Type          ReplyType `json:"type"`
	StreamID      string    `json:"stream_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Active        bool      `json:"active"`
	IsSpeech      bool      `json:"is_speech"`
	UtteranceSeen int       `json:"utterances_seen"`
	Transcript    string    `json:"transcript,omitempty"`
	InProgress    string    `json:"in_progress,omitempty"`
	AudioSeconds  float64   `json:"audio_seconds"`
	SpeechSeconds float64   `json:"speech_seconds"`
}

// FinalReply closes out a stream with its accumulated transcript.
type FinalReply struct {
	Type          ReplyType `json:"type"`
	StreamID      string    `json:"stream_id"`
	Transcript    string    `json:"transcript"`
	UtteranceSeen int       `json:"utterances_seen"`
}

// ErrorReply reports a recoverable per-message failure; the connection
// stays open after one is sent.
type ErrorReply struct {
	Type     ReplyType `json:"type"`
	StreamID string    `json:"stream_id,omitempty"`
	Message  string    `json:"message"`
}

// NewErrorReply wraps err for transmission.
func NewErrorReply(streamID string, err error) ErrorReply {
	return ErrorReply{Type: ReplyError, StreamID: streamID, Message: err.Error()}
}

// Envelope is the minimal shape a client needs to route a server reply.
type Envelope struct {
	Type ReplyType `json:"type"`
}

// PeekType extracts the reply discriminator without decoding the body.
func PeekType(raw []byte) (ReplyType, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode reply envelope: %w", err)
	}
	return env.Type, nil
}
