package asr

import (
	"context"
)

// Engine opens streaming speech-to-text sessions. Different engines can
// implement this interface to support various speech services like Deepgram,
// Google Speech, AWS Transcribe, etc.
type Engine interface {
	// Name returns the engine's identifier, used in logs and metrics.
	Name() string

	// Open starts a new streaming recognition session with the given
	// configuration. The context cancels the whole session, not just the
	// dial.
	Open(ctx context.Context, config Config) (Stream, error)
}

// Stream is one live bidirectional recognition session.
type Stream interface {
	// Send pushes raw audio data to the recognition service. Audio must
	// match the format declared in Config.
	Send(audio []byte) error

	// Recv blocks until the next transcript result is available. It
	// returns io.EOF once the stream has ended and all results have been
	// delivered.
	Recv() (Result, error)

	// CloseSend signals end-of-audio to the service. The service may
	// still flush final results through Recv afterwards. It is safe to
	// call more than once.
	CloseSend() error
}

// Config holds engine-agnostic session configuration.
type Config struct {
	// SampleRate is the audio sample rate in Hz (e.g. 16000).
	SampleRate int

	// LanguageCode specifies the language for transcription (e.g. "en-US").
	LanguageCode string

	// InterimResults indicates whether partial (non-final) results should
	// be delivered through Recv.
	InterimResults bool
}

// Result is a single transcript fragment.
type Result struct {
	// Text is the transcribed text.
	Text string

	// IsFinal reports whether the service considers this fragment final.
	// This is the service's own indicator, passed through untouched.
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available.
	Confidence float32
}
