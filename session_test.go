package voip

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohanrana/vonage-voip/asr"
)

func newTestStore(engine asr.Engine, threshold int) *SessionStore {
	return NewSessionStore(engine, asr.Config{SampleRate: 16000, InterimResults: true}, threshold, zerolog.Nop())
}

func chunk(b byte) []byte {
	return []byte{b, b, b, b}
}

func TestAudioBuffersUntilThreshold(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 3)

	store.RegisterPhone("c1", newFakeLink())

	store.Audio("c1", SpeakerPhone, chunk(1))
	store.Audio("c1", SpeakerPhone, chunk(2))
	assert.Equal(t, 0, engine.openCount(), "subsession must not start below threshold")

	store.Audio("c1", SpeakerPhone, chunk(3))
	require.Equal(t, 1, engine.openCount(), "subsession must start at threshold")
}

func TestAudioBufferedThenLiveOrder(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 3)

	store.RegisterPhone("c1", newFakeLink())

	var want [][]byte
	for i := byte(1); i <= 5; i++ {
		store.Audio("c1", SpeakerPhone, chunk(i))
		want = append(want, chunk(i))
	}

	require.Equal(t, 1, engine.streamCount())
	stream := engine.stream(0)
	assert.Eventually(t, func() bool {
		return len(stream.audioChunks()) == len(want)
	}, 2*time.Second, 10*time.Millisecond, "all chunks must reach the stream")
	assert.Equal(t, want, stream.audioChunks(), "buffered chunks must precede live chunks, in arrival order")
}

func TestAudioStartFailureDropsBufferAndRetries(t *testing.T) {
	engine := newFakeEngine()
	engine.failNext = 1
	store := newTestStore(engine, 2)

	store.RegisterPhone("c1", newFakeLink())

	store.Audio("c1", SpeakerPhone, chunk(1))
	store.Audio("c1", SpeakerPhone, chunk(2))
	require.Equal(t, 1, engine.openCount())
	require.Equal(t, 0, engine.streamCount(), "failed open must not create a stream")

	// The dropped buffer means the next threshold's worth of audio is the
	// retry, and only those chunks are flushed.
	store.Audio("c1", SpeakerPhone, chunk(3))
	assert.Equal(t, 1, engine.openCount(), "one chunk is below threshold again")
	store.Audio("c1", SpeakerPhone, chunk(4))
	require.Equal(t, 2, engine.openCount())
	require.Equal(t, 1, engine.streamCount())

	stream := engine.stream(0)
	assert.Eventually(t, func() bool {
		return len(stream.audioChunks()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]byte{chunk(3), chunk(4)}, stream.audioChunks())
}

func TestAudioPassThroughIndependentOfSubsession(t *testing.T) {
	engine := newFakeEngine()
	engine.failNext = 100
	store := newTestStore(engine, 2)

	browser := newFakeLink()
	phone := newFakeLink()
	store.RegisterBrowser("c1", browser)
	store.RegisterPhone("c1", phone)

	// Subsession starts keep failing; forwarding must keep working.
	for i := byte(1); i <= 6; i++ {
		store.Audio("c1", SpeakerPhone, chunk(i))
		store.Audio("c1", SpeakerBrowser, chunk(i+10))
	}

	assert.Len(t, browser.audioFrames(), 6, "phone audio forwards to browser")
	assert.Len(t, phone.audioFrames(), 6, "browser audio forwards to phone")
	assert.Equal(t, chunk(1), browser.audioFrames()[0])
	assert.Equal(t, chunk(11), phone.audioFrames()[0])
}

func TestPhoneTranscriptionSurvivesBrowserDisconnect(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 1)

	store.RegisterBrowser("c1", newFakeLink())
	store.RegisterPhone("c1", newFakeLink())
	store.Audio("c1", SpeakerPhone, chunk(1))
	require.Equal(t, 1, engine.streamCount())

	store.DisconnectBrowser("c1")
	store.Audio("c1", SpeakerPhone, chunk(2))
	store.Audio("c1", SpeakerPhone, chunk(3))

	stream := engine.stream(0)
	assert.Eventually(t, func() bool {
		return len(stream.audioChunks()) == 3
	}, 2*time.Second, 10*time.Millisecond,
		"phone audio must keep reaching its stream after the browser leg is gone")
	assert.False(t, stream.closeSendCalled())
}

func TestAudioUnknownCallDropped(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 1)

	store.Audio("nope", SpeakerPhone, chunk(1))
	assert.Equal(t, 0, engine.openCount())
	assert.Equal(t, 0, store.Len())
}

func TestBothSpeakersGetOwnSubsession(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 1)

	store.RegisterBrowser("c1", newFakeLink())
	store.RegisterPhone("c1", newFakeLink())

	store.Audio("c1", SpeakerPhone, chunk(1))
	store.Audio("c1", SpeakerBrowser, chunk(2))

	require.Equal(t, 2, engine.streamCount(), "each speaker gets an independent stream")
}

func TestTranscriptFanOutToBrowser(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 1)

	browser := newFakeLink()
	store.RegisterBrowser("c1", browser)
	store.RegisterPhone("c1", newFakeLink())
	store.Audio("c1", SpeakerPhone, chunk(1))

	require.Equal(t, 1, engine.streamCount())
	engine.stream(0).emit(asr.Result{Text: "hello there", IsFinal: true, Confidence: 0.9})

	require.Eventually(t, func() bool {
		return len(browser.transcriptEvents()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ev := browser.transcriptEvents()[0]
	assert.Equal(t, "c1", ev.CallID)
	assert.Equal(t, SpeakerPhone, ev.Speaker)
	assert.Equal(t, "hello there", ev.Text)
	assert.True(t, ev.IsFinal)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestTranscriptDroppedWithoutBrowser(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 1)

	store.RegisterPhone("c1", newFakeLink())
	store.Audio("c1", SpeakerPhone, chunk(1))

	require.Equal(t, 1, engine.streamCount())
	// No browser leg; delivery must be a silent drop, not a panic.
	engine.stream(0).emit(asr.Result{Text: "unheard", IsFinal: true})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, store.Len())
}

func TestPhoneDisconnectNotifiesBrowser(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 1)

	browser := newFakeLink()
	store.RegisterBrowser("c1", browser)
	store.RegisterPhone("c1", newFakeLink())
	store.Audio("c1", SpeakerPhone, chunk(1))

	store.DisconnectPhone("c1")

	require.Len(t, browser.endedReasons(), 1)
	assert.Equal(t, 1, store.Len(), "session survives while the browser leg remains")

	stream := engine.stream(0)
	require.NotNil(t, stream)
	assert.Eventually(t, stream.closeSendCalled, 2*time.Second, 10*time.Millisecond,
		"phone subsession must be drained and closed")
}

func TestBrowserDisconnectDoesNotNotifyAnyone(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 1)

	phone := newFakeLink()
	store.RegisterBrowser("c1", newFakeLink())
	store.RegisterPhone("c1", phone)

	store.DisconnectBrowser("c1")
	assert.Empty(t, phone.endedReasons())
	assert.Equal(t, 1, store.Len())
}

func TestSessionRemovedWhenNothingLeft(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 1)

	store.RegisterBrowser("c1", newFakeLink())
	store.RegisterPhone("c1", newFakeLink())
	store.Audio("c1", SpeakerPhone, chunk(1))
	store.Audio("c1", SpeakerBrowser, chunk(2))

	store.DisconnectPhone("c1")
	assert.True(t, store.Has("c1"))

	store.DisconnectBrowser("c1")
	assert.False(t, store.Has("c1"), "no links and no subsessions means the session is gone")
	assert.Equal(t, 0, store.Len())
}

func TestDisconnectIdempotent(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 1)

	store.RegisterBrowser("c1", newFakeLink())
	store.RegisterPhone("c1", newFakeLink())

	store.DisconnectPhone("c1")
	store.DisconnectPhone("c1")
	store.DisconnectBrowser("c1")
	store.DisconnectBrowser("c1")
	store.DisconnectPhone("c1")

	assert.Equal(t, 0, store.Len())
}

func TestReRegisterAfterEndIsFreshSession(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 2)

	store.RegisterPhone("c1", newFakeLink())
	store.Audio("c1", SpeakerPhone, chunk(1))
	store.DisconnectPhone("c1")
	require.Equal(t, 0, store.Len())

	// Audio between sessions is dropped, and the new session's buffer
	// starts empty.
	store.Audio("c1", SpeakerPhone, chunk(2))
	store.RegisterPhone("c1", newFakeLink())
	store.Audio("c1", SpeakerPhone, chunk(3))
	assert.Equal(t, 0, engine.openCount())
	store.Audio("c1", SpeakerPhone, chunk(4))
	require.Equal(t, 1, engine.streamCount())

	stream := engine.stream(0)
	assert.Eventually(t, func() bool {
		return len(stream.audioChunks()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]byte{chunk(3), chunk(4)}, stream.audioChunks())
}

func TestHangupClosesBothLinks(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 1)

	browser := newFakeLink()
	phone := newFakeLink()
	store.RegisterBrowser("c1", browser)
	store.RegisterPhone("c1", phone)
	store.Audio("c1", SpeakerPhone, chunk(1))

	store.Hangup("c1")

	assert.True(t, phone.isClosed())
	assert.True(t, browser.isClosed())
	assert.Len(t, browser.endedReasons(), 1)
	assert.Equal(t, 0, store.Len())
}

func TestShutdownTearsDownAllSessions(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 1)

	for _, id := range []string{"c1", "c2", "c3"} {
		store.RegisterPhone(id, newFakeLink())
		store.Audio(id, SpeakerPhone, chunk(1))
	}
	require.Equal(t, 3, store.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store.Shutdown(ctx)

	assert.Equal(t, 0, store.Len())
}

func TestShutdownWaitsForSubsessionPumps(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 1)

	store.RegisterPhone("c1", newFakeLink())
	store.Audio("c1", SpeakerPhone, chunk(1))
	require.Equal(t, 1, engine.openCount())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store.Shutdown(ctx)

	// By the time Shutdown returns the pumps have exited, so the stream
	// must already have seen end-of-audio. No polling.
	assert.True(t, engine.stream(0).closeSendCalled())
	assert.Equal(t, 0, store.Len())
}

func TestAudioOnRemovedSessionDropsChunk(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 1)

	store.RegisterPhone("c1", newFakeLink())
	s, ok := store.get("c1")
	require.True(t, ok)

	store.DisconnectPhone("c1")
	require.False(t, store.Has("c1"))

	// Route a chunk through the stale pointer, the way a reader that
	// looked the session up just before the disconnect would.
	store.routeAudio(s, SpeakerPhone, chunk(1))

	assert.Equal(t, 0, engine.openCount(), "no subsession may start on a finished session")
}

func TestAudioRacingPhoneDisconnectLeaksNothing(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(engine, 1)

	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("c%d", i)
		store.RegisterPhone(id, newFakeLink())

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			store.Audio(id, SpeakerPhone, chunk(1))
		}()
		go func() {
			defer wg.Done()
			store.DisconnectPhone(id)
		}()
		wg.Wait()
	}

	assert.Equal(t, 0, store.Len())
	require.Eventually(t, func() bool {
		for i := 0; i < engine.streamCount(); i++ {
			if !engine.stream(i).closeSendCalled() {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "every stream opened during the race must be closed")
}
