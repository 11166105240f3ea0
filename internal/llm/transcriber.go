package llm

import (
	"context"

	"github.com/lazypower/questlog/internal/errs"
)

// Audio is a recorded voice entry.
type Audio struct {
	Data     []byte
	MIMEType string
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

// Unavailable is the transcriber used when no speech service is configured.
// Voice entries then rely on the caller's live preview text.
type Unavailable struct{}

func (Unavailable) Transcribe(context.Context, Audio) (string, error) {
	return "", errs.Errorf(errs.KindServer, "llm.Transcribe", "no transcription service configured")
}

// MockTranscriber returns a fixed transcript or error.
type MockTranscriber struct {
	Text string
	Err  error
}

func (m MockTranscriber) Transcribe(context.Context, Audio) (string, error) {
	return m.Text, m.Err
}
