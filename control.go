package voip

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rohanrana/vonage-voip/config"
)

// callControl places, answers and ends calls through the Vonage voice REST
// API, authenticating with short-lived RS256 application JWTs. The media
// path never depends on it; a call that is already connected keeps flowing
// even if the control plane is misconfigured.
type callControl struct {
	cfg   *config.Config
	log   zerolog.Logger
	key   *rsa.PrivateKey
	httpc *http.Client
}

func newCallControl(cfg *config.Config, log zerolog.Logger) (*callControl, error) {
	pem, err := os.ReadFile(cfg.VonagePrivateKey)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &callControl{
		cfg:   cfg,
		log:   log,
		key:   key,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// appJWT mints a short-lived application token for the voice API.
func (c *callControl) appJWT() (string, error) {
	now := time.Now().Unix()
	claims := jwt.MapClaims{
		"application_id": c.cfg.VonageApplicationID,
		"iat":            now,
		"exp":            now + 15*60,
		"jti":            uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
}

// clientJWT mints a one-hour token for the browser SDK, scoped to the
// standard conversation ACL paths.
func (c *callControl) clientJWT(sub string) (string, error) {
	now := time.Now().Unix()
	paths := map[string]struct{}{}
	for _, p := range []string{
		"/*/users/**", "/*/conversations/**", "/*/sessions/**",
		"/*/devices/**", "/*/image/**", "/*/media/**",
		"/*/push/**", "/*/knocking/**", "/*/legs/**",
	} {
		paths[p] = struct{}{}
	}
	claims := jwt.MapClaims{
		"application_id": c.cfg.VonageApplicationID,
		"iat":            now,
		"nbf":            now,
		"exp":            now + 60*60,
		"jti":            uuid.NewString(),
		"sub":            sub,
		"acl":            map[string]any{"paths": paths},
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
}

type callRequest struct {
	To         string `json:"to"`
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
	SessionID  string `json:"session_id"`
}

// handleCall places an outbound call. The freshly minted call id rides on
// the answer webhook URL, so it is agreed on before the media leg connects.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.To == "" {
		http.Error(w, "`to` field is required", http.StatusBadRequest)
		return
	}

	callID := uuid.NewString()
	answerURL := fmt.Sprintf("%s/answer?callId=%s&from_user_id=%s&to_user_id=%s&session_id=%s",
		s.cfg.PublicURL, callID,
		url.QueryEscape(req.FromUserID), url.QueryEscape(req.ToUserID), url.QueryEscape(req.SessionID))

	body := map[string]any{
		"to":         []map[string]string{{"type": "phone", "number": req.To}},
		"from":       map[string]string{"type": "phone", "number": s.cfg.VonageNumber},
		"answer_url": []string{answerURL},
		"event_url":  []string{s.cfg.PublicURL + "/event"},
	}

	status, result, err := s.control.voiceAPI(http.MethodPost, "/v1/calls", body)
	if err != nil {
		s.log.Error().Err(err).Msg("outbound call request failed")
		http.Error(w, "failed to place call", http.StatusBadGateway)
		return
	}
	if status < 200 || status >= 300 {
		s.log.Error().Int("status", status).Msg("voice API rejected outbound call")
		writeJSON(w, status, map[string]any{"error": "failed to place call", "details": result})
		return
	}

	s.log.Info().Str("callId", callID).Str("to", req.To).Msg("outbound call placed")
	response := map[string]any{"callId": callID}
	for k, v := range result {
		response[k] = v
	}
	writeJSON(w, http.StatusOK, response)
}

// ncco builds the answer payload: a short announcement, then a websocket
// connect pointing the provider's media relay back at this process with the
// call id in both the URI and the headers.
type nccoAction map[string]any

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	callID := q.Get("callId")
	if callID == "" {
		http.Error(w, "callId missing", http.StatusBadRequest)
		return
	}

	wsURL := fmt.Sprintf("%s/socket/vonage?callId=%s&sessionId=%s&fromUserId=%s&toUserId=%s",
		s.cfg.WSBaseURL, callID,
		url.QueryEscape(q.Get("session_id")), url.QueryEscape(q.Get("from_user_id")), url.QueryEscape(q.Get("to_user_id")))

	ncco := []nccoAction{
		{
			"action":  "talk",
			"text":    "Connecting your call",
			"bargeIn": false,
		},
		{
			"action":  "connect",
			"timeout": 60,
			"from":    s.cfg.VonageNumber,
			"endpoint": []map[string]any{{
				"type":         "websocket",
				"uri":          wsURL,
				"content-type": "audio/l16;rate=16000",
				"headers":      map[string]string{"callId": callID},
			}},
		},
	}

	s.log.Info().Str("callId", callID).Msg("answer webhook served")
	writeJSON(w, http.StatusOK, ncco)
}

// handleEvent is the provider's call status webhook; events are logged and
// acknowledged, nothing more.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev map[string]any
	if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
		s.log.Info().Interface("event", ev).Msg("call event")
	}
	w.WriteHeader(http.StatusOK)
}

type hangupRequest struct {
	CallUUID string `json:"call_uuid"`
	CallID   string `json:"call_id,omitempty"`
}

// handleHangup tells the provider to end the leg, then tears down any local
// session state for the call id if one was supplied.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req hangupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.CallUUID == "" {
		http.Error(w, "call_uuid is required", http.StatusBadRequest)
		return
	}

	status, result, err := s.control.voiceAPI(http.MethodPut, "/v1/calls/"+req.CallUUID, map[string]string{"action": "hangup"})
	if err != nil {
		s.log.Error().Err(err).Str("callUuid", req.CallUUID).Msg("hangup request failed")
		http.Error(w, "failed to hang up call", http.StatusBadGateway)
		return
	}
	if status < 200 || status >= 300 {
		writeJSON(w, status, map[string]any{"error": "failed to hang up call", "details": result})
		return
	}

	if req.CallID != "" {
		s.store.Hangup(req.CallID)
	}

	s.log.Info().Str("callUuid", req.CallUUID).Msg("call hung up")
	writeJSON(w, http.StatusOK, map[string]any{"message": "call successfully hung up"})
}

// handleToken mints a browser SDK token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	sub := r.URL.Query().Get("user")
	if sub == "" {
		sub = "voip_user_1"
	}
	token, err := s.control.clientJWT(sub)
	if err != nil {
		s.log.Error().Err(err).Msg("token generation failed")
		http.Error(w, "token generation failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// voiceAPI performs an authenticated request against the Vonage voice API
// and decodes whatever JSON comes back.
func (c *callControl) voiceAPI(method, path string, body any) (int, map[string]any, error) {
	token, err := c.appJWT()
	if err != nil {
		return 0, nil, fmt.Errorf("mint app jwt: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequest(method, c.cfg.VonageAPIURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var result map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			result = map[string]any{"raw": string(data)}
		}
	}
	return resp.StatusCode, result, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
