package google

import (
	"context"
	"errors"
	"io"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rohanrana/vonage-voip/asr"
)

const engineName = "google"

// streamingRecognizeClient is a local interface that wraps the methods we need
// from speechpb.Speech_StreamingRecognizeClient to enable easier testing
type streamingRecognizeClient interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// Engine implements the asr.Engine interface for Google Speech-to-Text API.
type Engine struct {
	client *speech.Client
}

// NewEngine creates a new Google Speech engine with the given client.
func NewEngine(client *speech.Client) *Engine {
	return &Engine{
		client: client,
	}
}

// Name returns the name of the engine.
func (e *Engine) Name() string {
	return engineName
}

// Open starts a new Google Speech recognition session.
func (e *Engine) Open(ctx context.Context, config asr.Config) (asr.Stream, error) {
	stream, err := e.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, err
	}

	// Send initial configuration
	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz: int32(config.SampleRate),
					LanguageCode:    config.LanguageCode,
				},
				InterimResults: config.InterimResults,
			},
		},
	}

	if err := stream.Send(req); err != nil {
		stream.CloseSend()
		return nil, err
	}

	return &Stream{
		stream: stream,
		ctx:    ctx,
	}, nil
}

// Stream implements the asr.Stream interface for Google Speech-to-Text API.
type Stream struct {
	stream streamingRecognizeClient
	ctx    context.Context
}

// Send sends audio data to the Google Speech stream.
func (s *Stream) Send(audio []byte) error {
	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	}
	return s.stream.Send(req)
}

// Recv receives transcription results from the Google Speech stream.
// It blocks until a result with at least one alternative is available.
func (s *Stream) Recv() (asr.Result, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return asr.Result{}, io.EOF
		}
		if err != nil {
			return asr.Result{}, err
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			alt := result.Alternatives[0]
			if alt.Transcript == "" {
				continue
			}
			return asr.Result{
				Text:       alt.Transcript,
				IsFinal:    result.IsFinal,
				Confidence: alt.Confidence,
			}, nil
		}
		// Continue loop if the response carried no usable results
	}
}

// CloseSend ends the audio side of the Google Speech stream.
func (s *Stream) CloseSend() error {
	return s.stream.CloseSend()
}
