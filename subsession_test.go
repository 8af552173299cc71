package voip

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohanrana/vonage-voip/asr"
)

type transcriptRecorder struct {
	mu     sync.Mutex
	events []TranscriptEvent
}

func (r *transcriptRecorder) record(ev TranscriptEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *transcriptRecorder) all() []TranscriptEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TranscriptEvent, len(r.events))
	copy(out, r.events)
	return out
}

func TestSubsessionDrainsThenClosesSend(t *testing.T) {
	stream := newFakeStream()
	rec := &transcriptRecorder{}
	sub := newSubsession("c1", SpeakerPhone, stream, rec.record, zerolog.Nop())

	want := [][]byte{chunk(1), chunk(2), chunk(3)}
	for _, c := range want {
		sub.Write(c)
	}
	sub.Close()
	sub.Wait()

	assert.Equal(t, want, stream.audioChunks(), "queued audio must reach the backend before end of stream")
	assert.True(t, stream.closeSendCalled())
}

func TestSubsessionCloseIdempotent(t *testing.T) {
	stream := newFakeStream()
	sub := newSubsession("c1", SpeakerPhone, stream, func(TranscriptEvent) {}, zerolog.Nop())

	sub.Close()
	sub.Close()
	sub.Close()
	sub.Wait()

	assert.True(t, sub.Closed())
}

func TestSubsessionWriteAfterCloseIsNoOp(t *testing.T) {
	stream := newFakeStream()
	sub := newSubsession("c1", SpeakerPhone, stream, func(TranscriptEvent) {}, zerolog.Nop())

	sub.Close()
	sub.Write(chunk(9))
	sub.Wait()

	assert.Empty(t, stream.audioChunks())
}

func TestSubsessionSilenceKeepAlive(t *testing.T) {
	stream := newFakeStream()
	sub := newSubsession("c1", SpeakerPhone, stream, func(TranscriptEvent) {}, zerolog.Nop())
	defer func() {
		sub.Close()
		sub.Wait()
	}()

	// No real audio at all; the feed pump must pad the stream.
	assert.Eventually(t, func() bool {
		for _, c := range stream.sentChunks() {
			if isSilence(c) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "expected synthetic silence during a capture gap")
}

func TestSubsessionTagsTranscripts(t *testing.T) {
	stream := newFakeStream()
	rec := &transcriptRecorder{}
	sub := newSubsession("c7", SpeakerBrowser, stream, rec.record, zerolog.Nop())

	before := time.Now().UTC()
	stream.emit(asr.Result{Text: "partial", IsFinal: false})
	stream.emit(asr.Result{Text: ""}) // empty fragments are skipped
	stream.emit(asr.Result{Text: "final text", IsFinal: true, Confidence: 0.87})

	require.Eventually(t, func() bool {
		return len(rec.all()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	sub.Close()
	sub.Wait()

	events := rec.all()
	assert.Equal(t, "partial", events[0].Text)
	assert.False(t, events[0].IsFinal)
	assert.Equal(t, "final text", events[1].Text)
	assert.True(t, events[1].IsFinal)
	for _, ev := range events {
		assert.Equal(t, "c7", ev.CallID)
		assert.Equal(t, SpeakerBrowser, ev.Speaker)
		assert.False(t, ev.Timestamp.Before(before))
	}
}

func TestSubsessionResultsStopAtEOF(t *testing.T) {
	stream := newFakeStream()
	rec := &transcriptRecorder{}
	sub := newSubsession("c1", SpeakerPhone, stream, rec.record, zerolog.Nop())

	stream.emit(asr.Result{Text: "last words", IsFinal: true})
	sub.Close()
	sub.Wait()

	require.Len(t, rec.all(), 1)
	assert.Equal(t, "last words", rec.all()[0].Text)
}
