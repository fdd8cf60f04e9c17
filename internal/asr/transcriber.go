package asr

import "context"

// Transcriber converts one utterance of normalized samples into text.
// Implementations may block on network inference and must honor ctx.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error)
}

// TranscriberFunc adapts a plain function to the Transcriber interface.
type TranscriberFunc func(ctx context.Context, samples []float32, sampleRate int) (string, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	return f(ctx, samples, sampleRate)
}

// MockTranscriber returns canned text and is used in tests and local runs
// without an inference backend.
type MockTranscriber struct {
	Text string
	Err  error
}

func (m *MockTranscriber) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Err != nil {
		return "", m.Err
	}
	return m.Text, nil
}
