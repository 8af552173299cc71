package voip

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

// handleBrowserSocket serves the browser media channel. Every frame is a
// JSON event; audio rides base64-encoded inside microphone:data events.
func (s *Server) handleBrowserSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("browser websocket upgrade failed")
		return
	}

	link := newBrowserLink(conn, s.log)
	var callID string

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Str("callId", callID).Msg("browser websocket read error")
			}
			break
		}

		var ev browserEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			s.log.Debug().Err(err).Msg("malformed browser frame ignored")
			continue
		}

		switch ev.Event {
		case "register":
			if ev.CallID == "" {
				s.log.Debug().Msg("register without call id ignored")
				continue
			}
			callID = ev.CallID
			s.store.RegisterBrowser(callID, link)
			link.sendRegistered(callID)

		case "microphone:data":
			id := ev.CallID
			if id == "" {
				id = callID
			}
			if id == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(ev.Audio)
			if err != nil {
				s.log.Debug().Err(err).Str("callId", id).Msg("bad microphone payload ignored")
				continue
			}
			s.store.Audio(id, SpeakerBrowser, pcm)

		default:
			s.log.Debug().Str("event", ev.Event).Msg("ignoring unknown browser event")
		}
	}

	link.Close()
	if callID != "" {
		s.store.DisconnectBrowser(callID)
	}
}
