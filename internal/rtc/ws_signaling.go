package rtc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/chadiek/call-coach/internal/middleware"
)

// realtimeWSMessage is a minimal signaling message format compatible with common Realtime APIs.
// Types: "auth", "offer", "answer", "candidate", "ice-complete", "bye", "error".
type realtimeWSMessage struct {
	Type string `json:"type"`
	// auth
	Password string `json:"password,omitempty"`
	// offer/answer
	SDP string `json:"sdp,omitempty"`
	// offer: scenario
	Context    string   `json:"context,omitempty"`
	Objections []string `json:"objections,omitempty"`
	Resistance string   `json:"resistance,omitempty"`
	UserID     string   `json:"userId,omitempty"`
	ProductID  string   `json:"productId,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	// session
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (m realtimeWSMessage) offer() Offer {
	return Offer{
		SessionDescription: SessionDescription{Type: "offer", SDP: m.SDP},
		Context:            m.Context,
		Objections:         m.Objections,
		Resistance:         m.Resistance,
		UserID:             m.UserID,
		ProductID:          m.ProductID,
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsWriter serializes writes; candidates are written from pion callbacks.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) write(m realtimeWSMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(m)
}

func (w *wsWriter) fail(err error) {
	_ = w.write(realtimeWSMessage{Type: "error", Error: err.Error()})
}

// ServeWebSocket upgrades to WebSocket and performs offer/answer plus trickle
// ICE signaling. Expected client order: auth (optional), offer, candidates.
// The socket stays open until the call ends.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("ws upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()
	out := &wsWriter{conn: conn}

	// Browsers cannot set headers on a WebSocket, so a first auth message is
	// accepted as well.
	if !middleware.Authorized(r, h.AuthPassword) {
		m, err := readMessage(conn)
		if err != nil || strings.ToLower(m.Type) != "auth" || !middleware.CheckPassword(m.Password, h.AuthPassword) {
			out.fail(errors.New("unauthorized"))
			return
		}
	}

	var offer Offer
	for {
		m, err := readMessage(conn)
		if errors.Is(err, errBadMessage) {
			continue
		}
		if err != nil {
			h.Logger.Debug("ws closed before offer", "err", err)
			return
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			if m.SDP == "" {
				continue
			}
			offer = m.offer()
		case "bye":
			return
		default:
			continue
		}
		break
	}

	pc, outTrack, err := h.newPeer()
	if err != nil {
		out.fail(err)
		return
	}
	c, err := h.attach(pc, outTrack, offer.scenario())
	if err != nil {
		_ = pc.Close()
		out.fail(err)
		return
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			_ = out.write(realtimeWSMessage{Type: "ice-complete"})
			return
		}
		init := cand.ToJSON()
		_ = out.write(realtimeWSMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})

	go func() {
		for {
			m, err := readMessage(conn)
			if err != nil {
				if errors.Is(err, errBadMessage) {
					continue
				}
				return
			}
			switch strings.ToLower(m.Type) {
			case "candidate":
				if m.Candidate == "" {
					continue
				}
				if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}); err != nil {
					c.log.Debug("remote candidate rejected", "err", err)
				}
			case "bye":
				c.teardown()
				return
			}
		}
	}()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		out.fail(err)
		c.teardown()
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		out.fail(err)
		c.teardown()
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		out.fail(err)
		c.teardown()
		return
	}
	local := pc.LocalDescription()
	if local == nil {
		out.fail(errors.New("no local description"))
		c.teardown()
		return
	}
	if err := out.write(realtimeWSMessage{Type: "answer", SDP: local.SDP, SessionID: c.sess.ID()}); err != nil {
		c.log.Warn("ws write answer", "err", err)
		c.teardown()
		return
	}

	<-c.done
	_ = out.write(realtimeWSMessage{Type: "bye"})
}

var errBadMessage = errors.New("rtc: bad signaling message")

func readMessage(conn *websocket.Conn) (realtimeWSMessage, error) {
	var m realtimeWSMessage
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return m, err
	}
	if mt != websocket.TextMessage {
		return m, errBadMessage
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, errBadMessage
	}
	return m, nil
}
