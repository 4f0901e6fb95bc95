// Package transport is the browser session transport: one WebSocket per
// training session carrying microphone audio in and prospect audio plus JSON
// events out.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	log "log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/call-coach/internal/agent"
	"github.com/chadiek/call-coach/internal/audio"
)

// Inbound message types. Dashed spellings are accepted too.
const (
	msgStart = "start_simulation"
	msgLevel = "level"
	msgAudio = "audio_chunk"
	msgEnd   = "end_simulation"
	msgPing  = "ping"
)

// inbound is any client text frame.
type inbound struct {
	Type string `json:"type"`

	// start_simulation
	Context     string   `json:"context,omitempty"`
	Objections  []string `json:"objections,omitempty"`
	Resistance  string   `json:"resistance,omitempty"`
	UserID      string   `json:"userId,omitempty"`
	ProductID   string   `json:"productId,omitempty"`
	AudioFormat string   `json:"audioFormat,omitempty"`
	SampleRate  int      `json:"sampleRate,omitempty"`

	// level
	Level float64 `json:"level,omitempty"`
	// audio_chunk
	Data string `json:"data,omitempty"`
}

// outbound is every JSON frame sent to the client.
type outbound struct {
	Type       string               `json:"type"`
	SessionID  string               `json:"sessionId,omitempty"`
	State      string               `json:"state,omitempty"`
	Text       string               `json:"text,omitempty"`
	Turn       *agent.Turn          `json:"turn,omitempty"`
	Result     *agent.ScoringResult `json:"result,omitempty"`
	Format     string               `json:"format,omitempty"`
	DurationMs int64                `json:"durationMs,omitempty"`
	Time       int64                `json:"time,omitempty"`
	Error      string               `json:"error,omitempty"`
}

func normalizeType(t string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(t)), "-", "_")
}

// Handler serves one training session per WebSocket connection.
type Handler struct {
	Engine *agent.Engine
	// Synthesizer renders replies in a format browsers can decode.
	Synthesizer agent.Synthesizer
	Logger      *log.Logger

	PingInterval    time.Duration
	WriteTimeout    time.Duration
	CloseDelay      time.Duration
	MaxMessageBytes int64
	CheckOrigin     func(*http.Request) bool
}

func NewHandler(engine *agent.Engine, synth agent.Synthesizer, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		Engine:          engine,
		Synthesizer:     synth,
		Logger:          logger,
		PingInterval:    20 * time.Second,
		WriteTimeout:    5 * time.Second,
		CloseDelay:      500 * time.Millisecond,
		MaxMessageBytes: 1 << 20,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  65536,
		WriteBufferSize: 65536,
		CheckOrigin:     h.CheckOrigin,
	}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("ws upgrade failed", "err", err)
		return
	}
	c := newConn(ws, h.Logger.With("remote", r.RemoteAddr))
	defer c.close()
	ws.SetReadLimit(h.MaxMessageBytes)
	go c.writePump(h.PingInterval, h.WriteTimeout)

	h.serve(r.Context(), c)
}

func (h *Handler) serve(ctx context.Context, c *conn) {
	var (
		sess   *agent.Session
		format audio.Format
	)
	endSession := func() {
		if sess != nil {
			go sess.End(context.Background())
		}
	}

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if sess != nil {
				c.log.Info("client disconnected, ending session", "session", sess.ID())
			}
			endSession()
			return
		}

		if mt == websocket.BinaryMessage {
			if sess == nil {
				continue
			}
			pushAudio(sess, format, data)
			continue
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendJSON(outbound{Type: "error", Error: "invalid message"})
			continue
		}
		switch normalizeType(msg.Type) {
		case msgPing:
			c.sendJSON(outbound{Type: "pong", Time: time.Now().UnixMilli()})
		case msgStart:
			if sess != nil {
				c.sendJSON(outbound{Type: "error", Error: "session already started"})
				continue
			}
			s, f, err := h.start(ctx, c, msg)
			if err != nil {
				c.sendJSON(outbound{Type: "error", Error: "simulation could not start"})
				c.closeAfter(h.CloseDelay)
				return
			}
			sess, format = s, f
		case msgLevel:
			if sess != nil {
				sess.PushLevel(msg.Level)
			}
		case msgAudio:
			if sess == nil {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				c.sendJSON(outbound{Type: "error", Error: "invalid audio chunk"})
				continue
			}
			pushAudio(sess, format, raw)
		case msgEnd:
			if sess == nil {
				c.closeAfter(h.CloseDelay)
				return
			}
			endSession()
		default:
			c.log.Debug("unknown message type", "type", msg.Type)
		}
	}
}

// start creates and starts the session and forwards its events. The
// connection closes shortly after the complete event has been written.
func (h *Handler) start(ctx context.Context, c *conn, msg inbound) (*agent.Session, audio.Format, error) {
	format := h.Engine.Config().InputFormat
	if msg.AudioFormat != "" {
		format = audio.Format{Encoding: audio.ParseEncoding(strings.ToLower(msg.AudioFormat)), SampleRate: msg.SampleRate}
		if format.IsRaw() && format.SampleRate <= 0 {
			format.SampleRate = 16000
		}
	}
	sc := agent.Scenario{
		ID:         msg.ProductID,
		UserID:     msg.UserID,
		Context:    msg.Context,
		Objections: msg.Objections,
		Resistance: agent.ParseResistance(msg.Resistance),
	}

	opts := []agent.SessionOption{agent.WithInputFormat(format)}
	if h.Synthesizer != nil {
		opts = append(opts, agent.WithSynthesizer(h.Synthesizer))
	}
	sess := h.Engine.NewSession(sc, opts...)
	events, err := h.Engine.Registry().Subscribe(sess.ID())
	if err != nil {
		return nil, format, err
	}

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		h.forward(c, events)
	}()

	c.sendJSON(outbound{Type: "session", SessionID: sess.ID()})
	if err := sess.Start(ctx); err != nil {
		c.log.Error("session start failed", "session", sess.ID(), "err", err)
		sess.End(context.Background())
		<-forwarded
		return nil, format, err
	}
	c.log.Info("simulation started", "session", sess.ID(), "user", sc.UserID, "product", sc.ID, "format", format.Encoding)

	go func() {
		<-forwarded
		c.closeAfter(h.CloseDelay)
	}()
	return sess, format, nil
}

// forward translates session events into frames until the channel closes.
func (h *Handler) forward(c *conn, events <-chan agent.Event) {
	for ev := range events {
		switch ev.Type {
		case agent.EventAudio:
			if ev.Speech == nil {
				continue
			}
			payload, format, err := playable(*ev.Speech)
			if err != nil {
				c.log.Warn("speech not sent", "err", err)
				continue
			}
			c.sendJSON(outbound{Type: string(ev.Type), Text: ev.Text, Format: format, DurationMs: ev.Speech.Duration.Milliseconds()})
			c.send(frame{kind: websocket.BinaryMessage, data: payload})
		case agent.EventState:
			c.sendJSON(outbound{Type: string(ev.Type), State: ev.State.String()})
		case agent.EventTurn:
			c.sendJSON(outbound{Type: string(ev.Type), Turn: ev.Turn})
		case agent.EventComplete:
			c.sendJSON(outbound{Type: string(ev.Type), Result: ev.Result, DurationMs: ev.Duration.Milliseconds()})
		default:
			c.sendJSON(outbound{Type: string(ev.Type), Text: ev.Text})
		}
	}
}

// playable wraps raw PCM in WAV so the browser can decode it directly.
func playable(sp agent.Speech) ([]byte, string, error) {
	switch sp.Format.Encoding {
	case audio.EncodingPCM16:
		b, err := audio.EncodeWAV(sp.Audio, sp.Format.SampleRate)
		return b, "wav", err
	case audio.EncodingMulaw:
		b, err := audio.EncodeWAV(audio.MulawToPCM16(sp.Audio), sp.Format.SampleRate)
		return b, "wav", err
	case "":
		return sp.Audio, "mp3", nil
	default:
		return sp.Audio, string(sp.Format.Encoding), nil
	}
}

// pushAudio measures raw PCM on the server; encoded chunks rely on level
// messages from the client.
func pushAudio(s *agent.Session, f audio.Format, data []byte) {
	switch f.Encoding {
	case audio.EncodingPCM16:
		s.PushAudio(data, audio.Level(data))
	case audio.EncodingMulaw:
		s.PushAudio(data, audio.Level(audio.MulawToPCM16(data)))
	default:
		s.PushChunk(data)
	}
}

type frame struct {
	kind int
	data []byte
}

// conn serializes writes: gorilla allows one concurrent writer.
type conn struct {
	ws   *websocket.Conn
	out  chan frame
	done chan struct{}
	once sync.Once
	log  *log.Logger
}

func newConn(ws *websocket.Conn, logger *log.Logger) *conn {
	return &conn{ws: ws, out: make(chan frame, 256), done: make(chan struct{}), log: logger}
}

func (c *conn) send(f frame) bool {
	select {
	case c.out <- f:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) sendJSON(v outbound) {
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal outbound", "err", err)
		return
	}
	c.send(frame{kind: websocket.TextMessage, data: b})
}

func (c *conn) writePump(pingInterval, writeTimeout time.Duration) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				c.log.Debug("ws write failed", "err", err)
				c.close()
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		}
	}
}

// closeAfter drains pending frames, waits d and closes normally.
func (c *conn) closeAfter(d time.Duration) {
	deadline := time.Now().Add(d)
	for len(c.out) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case <-time.After(time.Until(deadline)):
	case <-c.done:
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "simulation complete")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.close()
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
