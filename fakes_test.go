package voip

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rohanrana/vonage-voip/asr"
)

// fakeStream is a hand-rolled asr.Stream: Send records chunks, Recv serves
// results pushed through emit() and returns io.EOF once CloseSend (or
// finish) has run.
type fakeStream struct {
	mu       sync.Mutex
	sent     [][]byte
	sendErr  error
	closed   bool
	results  chan asr.Result
	finished chan struct{}
	once     sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		results:  make(chan asr.Result, 16),
		finished: make(chan struct{}),
	}
}

func (f *fakeStream) Send(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeStream) Recv() (asr.Result, error) {
	select {
	case res := <-f.results:
		return res, nil
	case <-f.finished:
		// Drain anything emitted before the stream ended.
		select {
		case res := <-f.results:
			return res, nil
		default:
			return asr.Result{}, io.EOF
		}
	}
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.finish()
	return nil
}

// emit pushes one transcript result to the Recv side.
func (f *fakeStream) emit(res asr.Result) {
	f.results <- res
}

// finish makes Recv return io.EOF once pending results are drained.
func (f *fakeStream) finish() {
	f.once.Do(func() { close(f.finished) })
}

func (f *fakeStream) sentChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// audioChunks returns sent chunks with keep-alive silence filtered out.
func (f *fakeStream) audioChunks() [][]byte {
	var out [][]byte
	for _, c := range f.sentChunks() {
		if isSilence(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (f *fakeStream) closeSendCalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func isSilence(chunk []byte) bool {
	if len(chunk) != silenceFrameBytes {
		return false
	}
	for _, b := range chunk {
		if b != 0 {
			return false
		}
	}
	return true
}

// fakeEngine hands out fakeStreams and can be told to fail the next opens.
type fakeEngine struct {
	mu       sync.Mutex
	streams  []*fakeStream
	failNext int
	opens    int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{}
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Open(context.Context, asr.Config) (asr.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opens++
	if e.failNext > 0 {
		e.failNext--
		return nil, errors.New("backend unavailable")
	}
	st := newFakeStream()
	e.streams = append(e.streams, st)
	return st, nil
}

func (e *fakeEngine) openCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens
}

func (e *fakeEngine) stream(i int) *fakeStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.streams) {
		return nil
	}
	return e.streams[i]
}

func (e *fakeEngine) streamCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

// fakeLink records everything the coordinator sends to a leg.
type fakeLink struct {
	mu          sync.Mutex
	audio       [][]byte
	transcripts []TranscriptEvent
	ended       []string
	closed      bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{}
}

func (l *fakeLink) SendAudio(pcm []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	l.audio = append(l.audio, cp)
	return nil
}

func (l *fakeLink) SendTranscript(ev TranscriptEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transcripts = append(l.transcripts, ev)
	return nil
}

func (l *fakeLink) SendCallEnded(callID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended = append(l.ended, reason)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) audioFrames() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.audio))
	copy(out, l.audio)
	return out
}

func (l *fakeLink) transcriptEvents() []TranscriptEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TranscriptEvent, len(l.transcripts))
	copy(out, l.transcripts)
	return out
}

func (l *fakeLink) endedReasons() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.ended))
	copy(out, l.ended)
	return out
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
