package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/rohanrana/vonage-voip/asr"
)

const engineName = "deepgram"

// dgWriter is a local interface that wraps the methods we need
// from listenv1ws.WSCallback to enable easier testing
type dgWriter interface {
	io.Writer
	Stop()
}

// ChannelHandler implements the LiveMessageChan interface for receiving Deepgram messages
type ChannelHandler struct {
	openChan          chan *api.OpenResponse
	messageChan       chan *api.MessageResponse
	metadataChan      chan *api.MetadataResponse
	speechStartedChan chan *api.SpeechStartedResponse
	utteranceEndChan  chan *api.UtteranceEndResponse
	closeChan         chan *api.CloseResponse
	errorChan         chan *api.ErrorResponse
	unhandledChan     chan *[]byte
}

// NewChannelHandler creates a new handler with initialized channels
func NewChannelHandler() *ChannelHandler {
	return &ChannelHandler{
		openChan:          make(chan *api.OpenResponse, 1),
		messageChan:       make(chan *api.MessageResponse, 10),
		metadataChan:      make(chan *api.MetadataResponse, 1),
		speechStartedChan: make(chan *api.SpeechStartedResponse, 1),
		utteranceEndChan:  make(chan *api.UtteranceEndResponse, 1),
		closeChan:         make(chan *api.CloseResponse, 1),
		errorChan:         make(chan *api.ErrorResponse, 1),
		unhandledChan:     make(chan *[]byte, 1),
	}
}

// GetOpen returns slice of channels for open events
func (ch *ChannelHandler) GetOpen() []*chan *api.OpenResponse {
	return []*chan *api.OpenResponse{&ch.openChan}
}

// GetMessage returns slice of channels for message events
func (ch *ChannelHandler) GetMessage() []*chan *api.MessageResponse {
	return []*chan *api.MessageResponse{&ch.messageChan}
}

// GetMetadata returns slice of channels for metadata events
func (ch *ChannelHandler) GetMetadata() []*chan *api.MetadataResponse {
	return []*chan *api.MetadataResponse{&ch.metadataChan}
}

// GetSpeechStarted returns slice of channels for speech started events
func (ch *ChannelHandler) GetSpeechStarted() []*chan *api.SpeechStartedResponse {
	return []*chan *api.SpeechStartedResponse{&ch.speechStartedChan}
}

// GetUtteranceEnd returns slice of channels for utterance end events
func (ch *ChannelHandler) GetUtteranceEnd() []*chan *api.UtteranceEndResponse {
	return []*chan *api.UtteranceEndResponse{&ch.utteranceEndChan}
}

// GetClose returns slice of channels for close events
func (ch *ChannelHandler) GetClose() []*chan *api.CloseResponse {
	return []*chan *api.CloseResponse{&ch.closeChan}
}

// GetError returns slice of channels for error events
func (ch *ChannelHandler) GetError() []*chan *api.ErrorResponse {
	return []*chan *api.ErrorResponse{&ch.errorChan}
}

// GetUnhandled returns slice of channels for unhandled events
func (ch *ChannelHandler) GetUnhandled() []*chan *[]byte {
	return []*chan *[]byte{&ch.unhandledChan}
}

// Engine implements the asr.Engine interface for Deepgram's speech-to-text API.
type Engine struct {
	apiKey string
}

// NewEngine creates a new Deepgram engine with the given API key.
func NewEngine(apiKey string) *Engine {
	client.InitWithDefault()

	return &Engine{
		apiKey: apiKey,
	}
}

// Name returns the name of the engine.
func (e *Engine) Name() string {
	return engineName
}

// Open starts a new Deepgram recognition session.
func (e *Engine) Open(ctx context.Context, config asr.Config) (asr.Stream, error) {
	cOptions := &interfaces.ClientOptions{
		APIKey:          e.apiKey,
		EnableKeepAlive: true,
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          "nova-3",
		Language:       config.LanguageCode,
		Punctuate:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     config.SampleRate,
		VadEvents:      true,
		InterimResults: config.InterimResults,
		UtteranceEndMs: "1000",
	}

	channelHandler := NewChannelHandler()

	dgClient, err := client.NewWSUsingChan(ctx, "", cOptions, tOptions, channelHandler)
	if err != nil {
		return nil, err
	}

	stream := &Stream{
		ctx:            ctx,
		client:         dgClient,
		channelHandler: channelHandler,
		interim:        config.InterimResults,
	}

	if success := dgClient.Connect(); !success {
		return nil, errors.New("failed to connect to deepgram")
	}

	return stream, nil
}

// Stream implements the asr.Stream interface for Deepgram's speech-to-text API.
type Stream struct {
	ctx            context.Context
	client         dgWriter
	channelHandler *ChannelHandler
	interim        bool
}

// Send sends audio data to the Deepgram stream.
func (s *Stream) Send(audio []byte) error {
	_, err := s.client.Write(audio)
	return err
}

// Recv receives transcription results from the Deepgram stream.
// It blocks until a result is available or an error occurs.
func (s *Stream) Recv() (asr.Result, error) {
	for {
		select {
		case msg := <-s.channelHandler.messageChan:
			if msg == nil {
				continue
			}
			result := s.processMessage(msg)
			if result != nil {
				return *result, nil
			}
		case err := <-s.channelHandler.errorChan:
			if err != nil {
				return asr.Result{}, fmt.Errorf("%s", err)
			}
		case <-s.channelHandler.closeChan:
			// Connection closed by Deepgram
			return asr.Result{}, io.EOF
		case <-s.channelHandler.openChan:
			// Consume open events (no action needed)
		case <-s.channelHandler.metadataChan:
			// Consume metadata events (no action needed)
		case <-s.channelHandler.speechStartedChan:
			// Consume speech started events (no action needed)
		case <-s.channelHandler.utteranceEndChan:
			// Consume utterance end events (no action needed)
		case <-s.channelHandler.unhandledChan:
			// Consume unhandled events (no action needed)
		case <-s.ctx.Done():
			if s.ctx.Err() == context.Canceled {
				return asr.Result{}, io.EOF
			}
			return asr.Result{}, s.ctx.Err()
		}
	}
}

// processMessage converts a single Deepgram message to a result, or returns
// nil if it carries nothing worth forwarding.
func (s *Stream) processMessage(msg *api.MessageResponse) *asr.Result {
	if len(msg.Channel.Alternatives) == 0 {
		return nil
	}

	alternative := msg.Channel.Alternatives[0]
	sentence := strings.TrimSpace(alternative.Transcript)
	if sentence == "" {
		return nil
	}

	// IsFinal is Deepgram's own flag, passed through as-is.
	if !msg.IsFinal && !s.interim {
		return nil
	}

	return &asr.Result{
		Text:       sentence,
		IsFinal:    msg.IsFinal,
		Confidence: float32(alternative.Confidence),
	}
}

// CloseSend ends the audio side of the Deepgram stream.
func (s *Stream) CloseSend() error {
	if s.client != nil {
		s.client.Stop()
	}

	// Closing the handler channels manually leads to race conditions because
	// the deepgram client still tries to send any in-flight messages to those
	// channels. Even the deepgram demo doesn't close the channels. So we
	// leave them be.

	return nil
}
