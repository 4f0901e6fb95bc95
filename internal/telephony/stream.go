package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	log "log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/call-coach/internal/agent"
	"github.com/chadiek/call-coach/internal/audio"
)

const (
	sampleRate = 8000
	// Twilio sends 20ms frames; the session gets 100ms chunks.
	chunkBytes = 800
	frameBytes = 160
)

var inputFormat = audio.Format{Encoding: audio.EncodingMulaw, SampleRate: sampleRate}

// streamMessage covers the Media Streams events in both directions.
type streamMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Start     *streamStart `json:"start,omitempty"`
	Media     *streamMedia `json:"media,omitempty"`
	Mark      *streamMark  `json:"mark,omitempty"`
}

type streamStart struct {
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type streamMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type streamMark struct {
	Name string `json:"name"`
}

// Handler serves the TwiML webhook and the media stream.
type Handler struct {
	Engine *agent.Engine
	// Synthesizer must produce 8kHz mu-law.
	Synthesizer agent.Synthesizer
	// PublicURL is the externally reachable base URL of this server.
	PublicURL string
	Logger    *log.Logger
	// CloseDelay lets Twilio play the last frames before the stream closes.
	CloseDelay time.Duration
}

func NewHandler(engine *agent.Engine, synth agent.Synthesizer, publicURL string, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		Engine:      engine,
		Synthesizer: synth,
		PublicURL:   strings.TrimRight(publicURL, "/"),
		Logger:      logger,
		CloseDelay:  time.Second,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeHTTP handles one Media Streams connection, which is one call.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("media stream upgrade failed", "err", err)
		return
	}
	s := &stream{h: h, ws: ws, log: h.Logger}
	defer s.close()
	s.run()
}

type stream struct {
	h   *Handler
	ws  *websocket.Conn
	log *log.Logger

	mu        sync.Mutex
	sid       string
	sess      *agent.Session
	closeOnce sync.Once
}

func (s *stream) run() {
	var buf []byte
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.end("stream closed")
			return
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("bad media stream message", "err", err)
			continue
		}
		switch msg.Event {
		case "connected":
		case "start":
			if s.sess != nil || msg.Start == nil {
				continue
			}
			if err := s.start(msg.StreamSid, *msg.Start); err != nil {
				s.log.Error("call session start failed", "err", err)
				return
			}
		case "media":
			if s.sess == nil || msg.Media == nil || (msg.Media.Track != "" && msg.Media.Track != "inbound") {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			buf = append(buf, raw...)
			for len(buf) >= chunkBytes {
				chunk := buf[:chunkBytes]
				s.sess.PushAudio(chunk, audio.Level(audio.MulawToPCM16(chunk)))
				buf = append(buf[:0], buf[chunkBytes:]...)
			}
		case "mark":
			if msg.Mark != nil {
				s.log.Debug("playback reached mark", "mark", msg.Mark.Name)
			}
		case "stop":
			s.end("caller hung up")
			return
		}
	}
}

func (s *stream) start(sid string, st streamStart) error {
	p := st.CustomParameters
	sc := agent.Scenario{
		ID:         p["productId"],
		UserID:     p["userId"],
		Context:    p["context"],
		Resistance: agent.ParseResistance(p["resistance"]),
	}
	if obj := strings.TrimSpace(p["objections"]); obj != "" {
		for _, o := range strings.Split(obj, "|") {
			if o = strings.TrimSpace(o); o != "" {
				sc.Objections = append(sc.Objections, o)
			}
		}
	}

	opts := []agent.SessionOption{agent.WithInputFormat(inputFormat)}
	if s.h.Synthesizer != nil {
		opts = append(opts, agent.WithSynthesizer(s.h.Synthesizer))
	}
	sess := s.h.Engine.NewSession(sc, opts...)
	events, err := s.h.Engine.Registry().Subscribe(sess.ID())
	if err != nil {
		sess.End(context.Background())
		return err
	}
	s.sid = sid
	s.sess = sess
	s.log = s.h.Logger.With("session", sess.ID(), "call_sid", st.CallSid)

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		s.forward(events)
	}()
	if err := sess.Start(context.Background()); err != nil {
		sess.End(context.Background())
		<-forwarded
		return err
	}
	s.log.Info("call session started")
	go func() {
		<-forwarded
		time.Sleep(s.h.CloseDelay)
		s.close()
	}()
	return nil
}

// forward sends replies as 20ms media frames followed by a mark, and clears
// Twilio's playback buffer on barge-in.
func (s *stream) forward(events <-chan agent.Event) {
	replies := 0
	for ev := range events {
		switch ev.Type {
		case agent.EventAudio:
			if ev.Speech == nil {
				continue
			}
			if f := ev.Speech.Format; f.Encoding != audio.EncodingMulaw || f.SampleRate != sampleRate {
				s.log.Warn("speech not playable on a call", "encoding", f.Encoding, "rate", f.SampleRate)
				continue
			}
			replies++
			for _, fr := range frames(ev.Speech.Audio) {
				s.write(streamMessage{Event: "media", StreamSid: s.sid, Media: &streamMedia{Payload: base64.StdEncoding.EncodeToString(fr)}})
			}
			s.write(streamMessage{Event: "mark", StreamSid: s.sid, Mark: &streamMark{Name: fmt.Sprintf("reply-%d", replies)}})
		case agent.EventInterrupted:
			s.write(streamMessage{Event: "clear", StreamSid: s.sid})
		case agent.EventHangUp:
			s.log.Info("prospect hanging up")
		case agent.EventComplete:
			if ev.Result != nil {
				s.log.Info("call scored", "score", ev.Result.Score)
			}
		}
	}
}

func frames(b []byte) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		n := min(frameBytes, len(b))
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}

func (s *stream) write(m streamMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.ws.WriteJSON(m); err != nil {
		s.log.Debug("media stream write", "err", err)
	}
}

func (s *stream) end(reason string) {
	if s.sess == nil {
		return
	}
	s.log.Info("ending call session", "reason", reason)
	go s.sess.End(context.Background())
}

func (s *stream) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.mu.Unlock()
		_ = s.ws.Close()
	})
}
