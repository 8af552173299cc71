package voip

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

// phoneControlFrame is a JSON control message on the telephony media socket.
// Anything that fails to parse as one of these is raw binary PCM audio.
type phoneControlFrame struct {
	Event   string `json:"event"`
	CallID  string `json:"callId"`
	Headers struct {
		CallID string `json:"callId"`
	} `json:"headers"`
}

// handlePhoneSocket serves the telephony provider's media websocket. The
// call id usually arrives as a query parameter, but the provider may instead
// deliver it inside the first control frame.
func (s *Server) handlePhoneSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("phone websocket upgrade failed")
		return
	}

	callID := r.URL.Query().Get("callId")
	link := newPhoneLink(conn, s.log)

	if callID != "" {
		s.store.RegisterPhone(callID, link)
		link.sendControl(map[string]string{
			"event":  "connection_acknowledged",
			"callId": callID,
		})
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Str("callId", callID).Msg("phone websocket read error")
			}
			break
		}
		if len(message) == 0 {
			continue
		}

		if messageType == websocket.TextMessage {
			var ctrl phoneControlFrame
			if err := json.Unmarshal(message, &ctrl); err == nil {
				if ctrl.Event != "" {
					callID = s.handlePhoneControl(callID, link, ctrl)
				} else {
					// JSON without an event is a malformed control frame,
					// never audio.
					s.log.Debug().Str("callId", callID).Msg("control frame without event ignored")
				}
				continue
			}
			// Not JSON; fall through and treat as audio.
		}

		if callID == "" {
			s.log.Debug().Msg("phone audio before call id known, dropped")
			continue
		}
		s.store.Audio(callID, SpeakerPhone, message)
	}

	link.Close()
	if callID != "" {
		s.store.DisconnectPhone(callID)
	}
}

// handlePhoneControl processes one JSON control frame and returns the
// (possibly newly discovered) call id. Unknown events are ignored, not
// errors.
func (s *Server) handlePhoneControl(callID string, link *phoneLink, ctrl phoneControlFrame) string {
	switch ctrl.Event {
	case "websocket:connected", "connected":
		if callID == "" {
			callID = ctrl.CallID
			if callID == "" {
				callID = ctrl.Headers.CallID
			}
			if callID != "" {
				s.log.Info().Str("callId", callID).Msg("call id extracted from control frame")
				s.store.RegisterPhone(callID, link)
			}
		}
		link.sendControl(map[string]string{"event": "websocket:connected:ack"})
	case "audio:start":
		s.log.Info().Str("callId", callID).Msg("phone audio stream started")
	case "audio:stop":
		s.log.Info().Str("callId", callID).Msg("phone audio stream stopped")
	case "websocket:error", "error":
		s.log.Warn().Str("callId", callID).Msg("phone websocket reported an error")
	default:
		s.log.Debug().Str("event", ctrl.Event).Msg("ignoring unknown phone control event")
	}
	return callID
}
