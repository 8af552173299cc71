package voip

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rohanrana/vonage-voip/asr"
)

// Speaker identifies the party an audio chunk or transcript belongs to,
// independent of which transport it traveled on.
type Speaker string

const (
	SpeakerPhone   Speaker = "phone"
	SpeakerBrowser Speaker = "browser"
)

// peer returns the other party.
func (s Speaker) peer() Speaker {
	if s == SpeakerPhone {
		return SpeakerBrowser
	}
	return SpeakerPhone
}

// TranscriptEvent is one transcript fragment produced by a subsession.
// Events are delivered at most once to the browser link connected at the
// time of emission; there is no replay.
type TranscriptEvent struct {
	CallID    string    `json:"callId"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	IsFinal   bool      `json:"isFinal"`
	Timestamp time.Time `json:"timestamp"`
}

// maxPendingChunks caps a speaker's pre-start audio buffer so repeated
// subsession start failures cannot grow it without bound.
const maxPendingChunks = 100

// CallSession holds one active call: its two transport links, up to two
// transcription subsessions, and the per-speaker audio buffers used while a
// subsession is still starting. All transitions for one call serialize on
// its mutex; the two legs deliver events from independent goroutines.
type CallSession struct {
	callID string

	mu          sync.Mutex
	browserLink Link
	phoneLink   Link
	subs        map[Speaker]*Subsession
	pending     map[Speaker][][]byte

	// removed is set under mu at the transition into the gone state, before
	// the registry entry is deleted. Callers that looked the session up
	// before that transition must re-check it after locking and treat the
	// session as dead; otherwise audio racing a disconnect could start a
	// subsession on a session no teardown path will ever see again.
	removed bool
}

// goneLocked reports the sole termination condition: no link set and no
// subsession open. Callers hold s.mu.
func (s *CallSession) goneLocked() bool {
	return s.browserLink == nil && s.phoneLink == nil && len(s.subs) == 0
}

// SessionStore is the process-wide registry mapping call ids to sessions.
// The store mutex guards only the map; each session's own mutex serializes
// that call's transitions, so calls never contend with each other.
type SessionStore struct {
	log            zerolog.Logger
	engine         asr.Engine
	asrConfig      asr.Config
	startThreshold int

	mu       sync.Mutex
	sessions map[string]*CallSession
}

// NewSessionStore creates an empty registry. startThreshold is the number of
// buffered audio chunks that triggers a speaker's subsession start.
func NewSessionStore(engine asr.Engine, asrConfig asr.Config, startThreshold int, log zerolog.Logger) *SessionStore {
	if startThreshold <= 0 {
		startThreshold = 10
	}
	return &SessionStore{
		log:            log,
		engine:         engine,
		asrConfig:      asrConfig,
		startThreshold: startThreshold,
		sessions:       make(map[string]*CallSession),
	}
}

func (st *SessionStore) getOrCreate(callID string) *CallSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[callID]; ok {
		return s
	}
	s := &CallSession{
		callID:  callID,
		subs:    make(map[Speaker]*Subsession),
		pending: make(map[Speaker][][]byte),
	}
	st.sessions[callID] = s
	DefaultMetrics.SessionsTotal.Inc()
	DefaultMetrics.SessionsActive.Inc()
	st.log.Info().Str("callId", callID).Msg("session created")
	return s
}

func (st *SessionStore) get(callID string) (*CallSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[callID]
	return s, ok
}

// remove deletes the session only if it is still the registered one, so a
// session recreated under the same call id is never torn down by a stale
// cleanup.
func (st *SessionStore) remove(callID string, s *CallSession) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sessions[callID] != s {
		return
	}
	delete(st.sessions, callID)
	DefaultMetrics.SessionsActive.Dec()
	st.log.Info().Str("callId", callID).Msg("session removed")
}

// Has reports whether a session exists for the call id.
func (st *SessionStore) Has(callID string) bool {
	_, ok := st.get(callID)
	return ok
}

// Len returns the number of active sessions.
func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// RegisterBrowser attaches the browser leg to the call, creating the session
// if this leg arrives first.
func (st *SessionStore) RegisterBrowser(callID string, link Link) {
	for {
		s := st.getOrCreate(callID)
		s.mu.Lock()
		if s.removed {
			// Lost a race with the final disconnect; the registry entry is
			// about to vanish. Retry against a fresh session.
			s.mu.Unlock()
			continue
		}
		s.browserLink = link
		s.mu.Unlock()
		break
	}
	st.log.Info().Str("callId", callID).Msg("browser leg registered")
}

// RegisterPhone attaches the telephony leg to the call, creating the session
// if this leg arrives first. The call id may have been discovered from a
// control frame rather than the connection URL.
func (st *SessionStore) RegisterPhone(callID string, link Link) {
	for {
		s := st.getOrCreate(callID)
		s.mu.Lock()
		if s.removed {
			s.mu.Unlock()
			continue
		}
		s.phoneLink = link
		s.mu.Unlock()
		break
	}
	st.log.Info().Str("callId", callID).Msg("phone leg registered")
}

// Audio routes one inbound audio chunk from the given speaker: pass-through
// to the opposite leg if connected, and into the speaker's transcription
// subsession, buffering until the start threshold is reached. Chunks for
// unknown call ids are dropped; a finished call must re-register before it
// is heard again.
func (st *SessionStore) Audio(callID string, speaker Speaker, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s, ok := st.get(callID)
	if !ok {
		st.log.Debug().Str("callId", callID).Msg("audio for unknown call dropped")
		return
	}
	DefaultMetrics.AudioBytesReceived.WithLabelValues(string(speaker)).Add(float64(len(chunk)))
	st.routeAudio(s, speaker, chunk)
}

// routeAudio forwards and buffers one chunk on an already looked-up session.
// The lookup and the lock are not atomic, so a disconnect can remove the
// session in between; the removed flag is the tiebreaker.
func (st *SessionStore) routeAudio(s *CallSession, speaker Speaker, chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		st.log.Debug().Str("callId", s.callID).Msg("audio for finished call dropped")
		return
	}

	// Pass-through to the peer leg, best-effort. Failure to forward is
	// never fatal to the call.
	peer := s.phoneLink
	if speaker == SpeakerPhone {
		peer = s.browserLink
	}
	if peer != nil {
		if err := peer.SendAudio(chunk); err != nil {
			st.log.Debug().Err(err).Str("callId", s.callID).Str("speaker", string(speaker)).Msg("pass-through failed")
		}
	} else {
		DefaultMetrics.ForwardDrops.WithLabelValues(string(speaker.peer())).Inc()
	}

	// Route to the speaker's subsession, or buffer while it has not
	// started yet.
	if sub, ok := s.subs[speaker]; ok {
		sub.Write(chunk)
		return
	}

	q := append(s.pending[speaker], chunk)
	if len(q) > maxPendingChunks {
		q = q[1:]
	}
	s.pending[speaker] = q

	if len(q) >= st.startThreshold {
		st.startSubsessionLocked(s, speaker)
	}
}

// startSubsessionLocked opens the ASR stream for the speaker and flushes the
// buffered chunks in arrival order. The session mutex is held throughout, so
// no live chunk can slip in ahead of the flushed backlog.
// A rejected start drops the buffer; the next threshold's worth of audio is
// the retry.
func (st *SessionStore) startSubsessionLocked(s *CallSession, speaker Speaker) {
	stream, err := st.engine.Open(context.Background(), st.asrConfig)
	if err != nil {
		DefaultMetrics.SubsessionStartErrors.Inc()
		st.log.Error().Err(err).Str("callId", s.callID).Str("speaker", string(speaker)).
			Msg("failed to start transcription subsession")
		s.pending[speaker] = nil
		return
	}
	DefaultMetrics.SubsessionsStarted.Inc()
	st.log.Info().Str("callId", s.callID).Str("speaker", string(speaker)).
		Str("engine", st.engine.Name()).Int("buffered", len(s.pending[speaker])).
		Msg("transcription subsession started")

	sub := newSubsession(s.callID, speaker, stream, st.deliverTranscript, st.log)
	for _, chunk := range s.pending[speaker] {
		sub.Write(chunk)
	}
	s.pending[speaker] = nil
	s.subs[speaker] = sub
}

// deliverTranscript fans a transcript event out to the browser link
// connected right now, if any. No replay: without a browser the event is
// dropped.
func (st *SessionStore) deliverTranscript(ev TranscriptEvent) {
	s, ok := st.get(ev.CallID)
	if !ok {
		DefaultMetrics.TranscriptsDropped.Inc()
		return
	}
	s.mu.Lock()
	link := s.browserLink
	s.mu.Unlock()
	if link == nil {
		DefaultMetrics.TranscriptsDropped.Inc()
		return
	}
	if err := link.SendTranscript(ev); err != nil {
		st.log.Debug().Err(err).Str("callId", ev.CallID).Msg("transcript delivery failed")
	}
}

// DisconnectBrowser detaches the browser leg: its speaker's subsession is
// closed, and the session is removed once nothing is left. Safe to call more
// than once.
func (st *SessionStore) DisconnectBrowser(callID string) {
	s, ok := st.get(callID)
	if !ok {
		return
	}
	s.mu.Lock()
	s.browserLink = nil
	if sub, ok := s.subs[SpeakerBrowser]; ok {
		sub.Close()
		delete(s.subs, SpeakerBrowser)
	}
	gone := s.goneLocked()
	if gone {
		s.removed = true
	}
	s.mu.Unlock()

	st.log.Info().Str("callId", callID).Msg("browser leg disconnected")
	if gone {
		st.remove(callID, s)
	}
}

// DisconnectPhone detaches the telephony leg: a still-connected browser is
// told the call ended, the phone speaker's subsession is closed, and the
// session is removed once nothing is left. Safe to call more than once.
func (st *SessionStore) DisconnectPhone(callID string) {
	s, ok := st.get(callID)
	if !ok {
		return
	}
	s.mu.Lock()
	s.phoneLink = nil
	if bl := s.browserLink; bl != nil {
		if err := bl.SendCallEnded(callID, "phone disconnected"); err != nil {
			st.log.Debug().Err(err).Str("callId", callID).Msg("call ended notification failed")
		}
	}
	if sub, ok := s.subs[SpeakerPhone]; ok {
		sub.Close()
		delete(s.subs, SpeakerPhone)
	}
	gone := s.goneLocked()
	if gone {
		s.removed = true
	}
	s.mu.Unlock()

	st.log.Info().Str("callId", callID).Msg("phone leg disconnected")
	if gone {
		st.remove(callID, s)
	}
}

// Hangup ends the call explicitly: both legs are disconnected in sequence
// and their connections closed so the transport read loops unwind.
func (st *SessionStore) Hangup(callID string) {
	st.hangup(callID)
}

// hangup tears the call down and returns the subsessions that were live, so
// shutdown can wait for their pumps to drain. The regular hangup path does
// not wait; a stuck engine must never pin an API handler.
func (st *SessionStore) hangup(callID string) []*Subsession {
	s, ok := st.get(callID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	phone, browser := s.phoneLink, s.browserLink
	subs := make([]*Subsession, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	st.DisconnectPhone(callID)
	st.DisconnectBrowser(callID)

	if phone != nil {
		phone.Close()
	}
	if browser != nil {
		browser.Close()
	}
	return subs
}

// Shutdown tears down every session, waiting for subsession pumps to flush
// within the context's deadline.
func (st *SessionStore) Shutdown(ctx context.Context) {
	st.mu.Lock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	st.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, id := range ids {
			for _, sub := range st.hangup(id) {
				sub.Wait()
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		st.log.Warn().Msg("session shutdown grace period expired")
	}
}
