// Package rtc is the WebRTC session transport: Opus microphone audio in,
// paced Opus replies out, session events over a data channel.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	log "log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/chadiek/call-coach/internal/agent"
	"github.com/chadiek/call-coach/internal/audio"
)

const (
	inputRate        = 16000
	pcm16kChunkBytes = 3200 // 100ms at 16kHz
)

var inputFormat = audio.Format{Encoding: audio.EncodingPCM16, SampleRate: inputRate}

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Offer is an SDP offer plus the scenario the simulation runs.
type Offer struct {
	SessionDescription
	Context    string   `json:"context,omitempty"`
	Objections []string `json:"objections,omitempty"`
	Resistance string   `json:"resistance,omitempty"`
	UserID     string   `json:"userId,omitempty"`
	ProductID  string   `json:"productId,omitempty"`
}

func (o Offer) scenario() agent.Scenario {
	return agent.Scenario{
		ID:         o.ProductID,
		UserID:     o.UserID,
		Context:    o.Context,
		Objections: o.Objections,
		Resistance: agent.ParseResistance(o.Resistance),
	}
}

// Handler manages WebRTC peer connections, one session each.
type Handler struct {
	Engine *agent.Engine
	// Synthesizer must produce 48kHz PCM16.
	Synthesizer  agent.Synthesizer
	ICEServers   []webrtc.ICEServer
	AuthPassword string
	Logger       *log.Logger
	// DrainDelay lets queued frames play out before the peer is closed.
	DrainDelay time.Duration
}

func NewHandler(engine *agent.Engine, synth agent.Synthesizer, iceServersJSON string, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		Engine:      engine,
		Synthesizer: synth,
		ICEServers:  parseICEServers(iceServersJSON),
		Logger:      logger,
		DrainDelay:  400 * time.Millisecond,
	}
}

// HandleOffer accepts an SDP offer and returns an SDP answer once ICE
// gathering is complete.
func (h *Handler) HandleOffer(ctx context.Context, offer Offer) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}
	pc, outTrack, err := h.newPeer()
	if err != nil {
		return SessionDescription{}, err
	}
	c, err := h.attach(pc, outTrack, offer.scenario())
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}

	fail := func(err error) (SessionDescription, error) {
		c.teardown()
		return SessionDescription{}, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return fail(err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	local := pc.LocalDescription()
	if local == nil {
		return fail(errors.New("no local description"))
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// newPeer prepares a PeerConnection with default codecs and interceptors and
// an Opus sender track.
func (h *Handler) newPeer() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.ICEServers})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: outputRate, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

// player is the playback side of a call.
type player interface {
	WritePCM([]byte)
	FlushTail()
	Reset()
}

// call binds one peer connection to one session.
type call struct {
	h       *Handler
	pc      *webrtc.PeerConnection
	sess    *agent.Session
	paced   *OpusPacedWriter
	channel atomic.Pointer[webrtc.DataChannel]
	started atomic.Bool
	log     *log.Logger

	once sync.Once
	done chan struct{}
}

// attach creates the session and wires peer callbacks. The session starts
// when the remote audio track arrives.
func (h *Handler) attach(pc *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample, sc agent.Scenario) (*call, error) {
	paced, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		return nil, err
	}
	opts := []agent.SessionOption{agent.WithInputFormat(inputFormat)}
	if h.Synthesizer != nil {
		opts = append(opts, agent.WithSynthesizer(h.Synthesizer))
	}
	sess := h.Engine.NewSession(sc, opts...)
	events, err := h.Engine.Registry().Subscribe(sess.ID())
	if err != nil {
		paced.Close()
		sess.End(context.Background())
		return nil, err
	}

	c := &call{
		h:     h,
		pc:    pc,
		sess:  sess,
		paced: paced,
		log:   h.Logger.With("session", sess.ID()),
		done:  make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Info("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			c.teardown()
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.log.Debug("ice state", "state", state.String())
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" && dc.Label() != "events" {
			return
		}
		c.log.Debug("data channel opened", "label", dc.Label())
		c.channel.Store(dc)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			c.command(string(msg.Data))
		})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.log.Info("remote audio track received", "codec", remote.Codec().MimeType)
		c.onTrack(remote)
	})

	go func() {
		forward(events, paced, c.send, c.log)
		time.AfterFunc(h.DrainDelay, c.teardown)
	}()
	return c, nil
}

func (c *call) onTrack(remote *webrtc.TrackRemote) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	dec, err := opus.NewDecoder(inputRate, 1)
	if err != nil {
		c.log.Error("opus decoder", "err", err)
		c.teardown()
		return
	}
	if err := c.sess.Start(context.Background()); err != nil {
		c.log.Error("session start failed", "err", err)
		c.teardown()
		return
	}
	go c.readMic(remote, dec)
}

// readMic decodes Opus packets to 16kHz PCM and pushes 100ms chunks.
func (c *call) readMic(remote *webrtc.TrackRemote, dec *opus.Decoder) {
	samples := make([]int16, 1920)
	buf := make([]byte, 0, pcm16kChunkBytes*4)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			c.log.Debug("rtp read ended", "err", err)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			c.log.Debug("opus decode", "err", err)
			continue
		}
		buf = append(buf, audio.Bytes(samples[:n])...)
		for len(buf) >= pcm16kChunkBytes {
			chunk := buf[:pcm16kChunkBytes]
			c.sess.PushAudio(chunk, audio.Level(chunk))
			buf = append(buf[:0], buf[pcm16kChunkBytes:]...)
		}
	}
}

// command handles text sent by the client on the control channel.
func (c *call) command(raw string) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "stop", "stop-speaking", "cancel":
		c.paced.Reset()
	case "end", "end_simulation", "end-simulation", "bye":
		go c.sess.End(context.Background())
	default:
		c.log.Debug("unknown control command", "cmd", raw)
	}
}

func (c *call) send(b []byte) {
	dc := c.channel.Load()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	if err := dc.SendText(string(b)); err != nil {
		c.log.Debug("data channel send", "err", err)
	}
}

// teardown ends the session, lets queued audio drain and closes the peer.
func (c *call) teardown() {
	c.once.Do(func() {
		go func() {
			c.sess.End(context.Background())
			time.Sleep(c.h.DrainDelay)
			c.paced.Close()
			_ = c.pc.Close()
			close(c.done)
		}()
	})
}

// eventMessage is the JSON form of a session event on the data channel.
type eventMessage struct {
	Type       string               `json:"type"`
	State      string               `json:"state,omitempty"`
	Text       string               `json:"text,omitempty"`
	Turn       *agent.Turn          `json:"turn,omitempty"`
	Result     *agent.ScoringResult `json:"result,omitempty"`
	DurationMs int64                `json:"durationMs,omitempty"`
}

// forward plays audio events and relays every event as JSON until the
// session's channel closes.
func forward(events <-chan agent.Event, p player, send func([]byte), logger *log.Logger) {
	for ev := range events {
		msg := eventMessage{Type: string(ev.Type), Text: ev.Text}
		switch ev.Type {
		case agent.EventAudio:
			if ev.Speech == nil {
				continue
			}
			if f := ev.Speech.Format; f.Encoding != audio.EncodingPCM16 || f.SampleRate != outputRate {
				logger.Warn("speech not playable on webrtc", "encoding", f.Encoding, "rate", f.SampleRate)
			} else {
				p.WritePCM(ev.Speech.Audio)
				p.FlushTail()
			}
			msg.DurationMs = ev.Speech.Duration.Milliseconds()
		case agent.EventInterrupted:
			p.Reset()
		case agent.EventState:
			msg.State = ev.State.String()
		case agent.EventTurn:
			msg.Turn = ev.Turn
		case agent.EventComplete:
			msg.Result = ev.Result
			msg.DurationMs = ev.Duration.Milliseconds()
		}
		b, err := json.Marshal(msg)
		if err != nil {
			logger.Error("marshal event", "err", err)
			continue
		}
		send(b)
	}
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
