package voip

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// errLinkClosed is returned by writes on a link whose connection is gone.
var errLinkClosed = errors.New("link closed")

// errLinkBackpressure is returned when the link's outbound queue is full.
// The frame is dropped rather than blocking the caller.
var errLinkBackpressure = errors.New("link outbound queue full")

// Link is one side of a call's media path as seen by the coordinator. The
// registry holds a non-owning reference; the connection itself belongs to the
// transport handler, and may become invalid at any time. All writes are
// queued and best-effort, so inbound frame handling never blocks on peer I/O.
type Link interface {
	// SendAudio forwards a raw PCM frame to this leg.
	SendAudio(pcm []byte) error

	// SendTranscript delivers a transcript event to this leg. Legs that
	// have no transcript surface ignore it.
	SendTranscript(ev TranscriptEvent) error

	// SendCallEnded tells this leg the call is over.
	SendCallEnded(callID, reason string) error

	// Close tears down the underlying connection. Idempotent.
	Close() error
}

const linkQueueDepth = 64

type outboundFrame struct {
	messageType int
	data        []byte
}

// wsLink wraps a gorilla websocket connection with a single writer goroutine
// fed by a bounded queue. Gorilla connections allow only one concurrent
// writer, and the coordinator must never wait on a slow peer.
type wsLink struct {
	conn *websocket.Conn
	log  zerolog.Logger
	leg  string

	mu     sync.Mutex
	closed bool
	out    chan outboundFrame
}

func newWSLink(conn *websocket.Conn, log zerolog.Logger, leg string) *wsLink {
	l := &wsLink{
		conn: conn,
		log:  log.With().Str("leg", leg).Logger(),
		leg:  leg,
		out:  make(chan outboundFrame, linkQueueDepth),
	}
	go l.writer()
	return l
}

func (l *wsLink) writer() {
	for frame := range l.out {
		if err := l.conn.WriteMessage(frame.messageType, frame.data); err != nil {
			l.log.Debug().Err(err).Msg("link write failed")
			// Keep draining so enqueuers never block on a dead conn.
		}
	}
}

func (l *wsLink) enqueue(messageType int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errLinkClosed
	}
	select {
	case l.out <- outboundFrame{messageType: messageType, data: data}:
		return nil
	default:
		DefaultMetrics.ForwardDrops.WithLabelValues(l.leg).Inc()
		return errLinkBackpressure
	}
}

func (l *wsLink) enqueueJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return l.enqueue(websocket.TextMessage, data)
}

// Close marks the link closed, stops the writer and closes the connection.
func (l *wsLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.out)
	l.mu.Unlock()
	return l.conn.Close()
}

// browserEvent is the JSON envelope for every frame on the browser channel,
// both directions.
type browserEvent struct {
	Event     string `json:"event"`
	CallID    string `json:"callId,omitempty"`
	Audio     string `json:"audio,omitempty"` // base64 PCM16LE
	Size      int    `json:"size,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Speaker   string `json:"speaker,omitempty"`
	Text      string `json:"text,omitempty"`
	IsFinal   bool   `json:"isFinal,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// browserLink delivers frames to the browser leg as JSON events.
type browserLink struct {
	*wsLink
}

func newBrowserLink(conn *websocket.Conn, log zerolog.Logger) *browserLink {
	return &browserLink{wsLink: newWSLink(conn, log, "browser")}
}

func (l *browserLink) SendAudio(pcm []byte) error {
	return l.enqueueJSON(browserEvent{
		Event: "audio:data",
		Audio: base64.StdEncoding.EncodeToString(pcm),
		Size:  len(pcm),
	})
}

func (l *browserLink) SendTranscript(ev TranscriptEvent) error {
	return l.enqueueJSON(browserEvent{
		Event:     "transcription",
		Speaker:   string(ev.Speaker),
		Text:      ev.Text,
		IsFinal:   ev.IsFinal,
		Timestamp: ev.Timestamp.Format(time.RFC3339Nano),
	})
}

func (l *browserLink) SendCallEnded(callID, reason string) error {
	return l.enqueueJSON(browserEvent{
		Event:  "call:ended",
		CallID: callID,
		Reason: reason,
	})
}

func (l *browserLink) sendRegistered(callID string) error {
	return l.enqueueJSON(browserEvent{
		Event:  "registered",
		CallID: callID,
		Status: "connected",
	})
}

// phoneLink delivers raw binary PCM to the telephony media relay. The relay
// has no transcript or call-ended surface; those writes are no-ops.
type phoneLink struct {
	*wsLink
}

func newPhoneLink(conn *websocket.Conn, log zerolog.Logger) *phoneLink {
	return &phoneLink{wsLink: newWSLink(conn, log, "phone")}
}

func (l *phoneLink) SendAudio(pcm []byte) error {
	return l.enqueue(websocket.BinaryMessage, pcm)
}

func (l *phoneLink) SendTranscript(TranscriptEvent) error { return nil }

func (l *phoneLink) SendCallEnded(string, string) error { return nil }

func (l *phoneLink) sendControl(v any) error {
	return l.enqueueJSON(v)
}
