package voip

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rohanrana/vonage-voip/asr"
	"github.com/rohanrana/vonage-voip/audio"
)

const (
	// subsessionQueueDepth bounds the push side of the push-to-pull audio
	// bridge. At ~100ms per chunk this is well over a minute of backlog;
	// a full queue means the backend stopped consuming.
	subsessionQueueDepth = 512

	// keepAliveInterval is how long a subsession tolerates a gap in real
	// audio before injecting synthetic silence. The streaming backend
	// drops sessions whose audio goes quiet for too long.
	keepAliveInterval = 100 * time.Millisecond

	// silenceFrameBytes is 160 samples of PCM16 silence, 10ms at 16kHz.
	silenceFrameBytes = 320
)

// Subsession wraps one streaming-ASR connection for one speaker of one call.
// It bridges push-based transport audio into the backend's pull-based stream
// through a buffered channel, keeps the stream alive with silence padding
// during capture gaps, and forwards transcript results to the fan-out
// callback until the backend signals end of stream.
type Subsession struct {
	callID  string
	speaker Speaker
	stream  asr.Stream
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
	audioQ chan []byte

	wg sync.WaitGroup
}

func newSubsession(callID string, speaker Speaker, stream asr.Stream, onTranscript func(TranscriptEvent), log zerolog.Logger) *Subsession {
	s := &Subsession{
		callID:  callID,
		speaker: speaker,
		stream:  stream,
		log:     log.With().Str("callId", callID).Str("speaker", string(speaker)).Logger(),
		audioQ:  make(chan []byte, subsessionQueueDepth),
	}

	s.wg.Add(2)
	go s.feed()
	go s.results(onTranscript)

	return s
}

// Write queues an audio chunk for the backend. It never blocks: after Close
// it is a no-op, and if the bridge queue is full the chunk is dropped with a
// warning rather than stalling the transport's read loop.
func (s *Subsession) Write(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.audioQ <- chunk:
	default:
		s.log.Warn().Int("bytes", len(chunk)).Msg("subsession queue full, dropping audio")
	}
}

// Close ends the audio source. The bridge drains whatever is already queued,
// then signals end-of-audio so the backend can flush final results.
// Idempotent; Write after Close is a no-op.
func (s *Subsession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.audioQ)
	s.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *Subsession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Wait blocks until both pumps have exited. Used by shutdown and tests.
func (s *Subsession) Wait() {
	s.wg.Wait()
}

// feed pulls queued audio into the backend stream. When the queue stays
// empty past the keep-alive interval it sends a fixed silence frame instead.
func (s *Subsession) feed() {
	defer s.wg.Done()
	defer func() {
		if err := s.stream.CloseSend(); err != nil {
			s.log.Debug().Err(err).Msg("close send failed")
		}
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	lastAudio := time.Now()
	for {
		select {
		case chunk, ok := <-s.audioQ:
			if !ok {
				return
			}
			lastAudio = time.Now()
			if err := s.stream.Send(chunk); err != nil {
				s.log.Warn().Err(err).Msg("audio send failed")
			}
		case <-ticker.C:
			if time.Since(lastAudio) > keepAliveInterval {
				if err := s.stream.Send(audio.Silence(silenceFrameBytes)); err != nil {
					s.log.Debug().Err(err).Msg("silence send failed")
				}
			}
		}
	}
}

// results consumes the backend's transcript stream until EOF, tagging each
// non-empty fragment with the call, speaker and a wall-clock timestamp.
func (s *Subsession) results(onTranscript func(TranscriptEvent)) {
	defer s.wg.Done()

	for {
		res, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("transcript stream error")
			return
		}
		if res.Text == "" {
			continue
		}

		if res.IsFinal {
			DefaultMetrics.TranscriptsFinal.Inc()
		} else {
			DefaultMetrics.TranscriptsPartial.Inc()
		}

		onTranscript(TranscriptEvent{
			CallID:    s.callID,
			Speaker:   s.speaker,
			Text:      res.Text,
			IsFinal:   res.IsFinal,
			Timestamp: time.Now().UTC(),
		})
	}
}
