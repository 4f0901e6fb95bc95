package telephony

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/call-coach/internal/agent"
	"github.com/chadiek/call-coach/internal/audio"
	"github.com/chadiek/call-coach/internal/vad"
)

type stubRecognizer struct{}

func (stubRecognizer) Transcribe(context.Context, audio.Clip, string) (string, error) {
	return "Bonjour, je vous appelle pour votre contrat", nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(context.Context, []agent.Turn, string) (string, error) {
	return `{"text":"Ça ne m'intéresse pas.","hangUp":false}`, nil
}

type stubSynth struct{ bytes int }

func (s stubSynth) Synthesize(context.Context, string, agent.Voice) (agent.Speech, error) {
	f := audio.Format{Encoding: audio.EncodingMulaw, SampleRate: 8000}
	b := make([]byte, s.bytes)
	for i := range b {
		b[i] = 0xFF
	}
	return agent.Speech{Audio: b, Format: f, Duration: audio.Duration(f, len(b))}, nil
}

func newEngine(t *testing.T) *agent.Engine {
	t.Helper()
	cfg := agent.DefaultConfig()
	cfg.VAD = vad.Config{VolumeThreshold: 25, SilenceTimeout: 60 * time.Millisecond, MaxSegment: 2 * time.Second}
	cfg.EvaluationInterval = 10 * time.Millisecond
	cfg.SpeakingLockMargin = 10 * time.Millisecond
	engine, err := agent.NewEngine(cfg, agent.Deps{
		Recognizer:  stubRecognizer{},
		Generator:   stubGenerator{},
		Synthesizer: stubSynth{bytes: 400},
	})
	require.NoError(t, err)
	return engine
}

func TestVoice_TwiML(t *testing.T) {
	h := NewHandler(nil, nil, "https://coach.example.com/", nil)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice?context=Assurance+auto&resistance=high", strings.NewReader("CallSid=CA1"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("twilioParams", map[string]string{"CallSid": "CA1", "From": "+33600000000"})

	require.NoError(t, h.Voice(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get(echo.HeaderContentType))
	body := rec.Body.String()
	assert.Contains(t, body, "<Connect")
	assert.Contains(t, body, "wss://coach.example.com/twilio/stream")
	assert.Contains(t, body, "Assurance auto")
	assert.Contains(t, body, "<Hangup")
	assert.Less(t, strings.Index(body, "<Connect"), strings.Index(body, "<Hangup"))
}

func TestStreamURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/twilio/voice", nil)
	r.Host = "abc.ngrok.app"
	assert.Equal(t, "wss://abc.ngrok.app/twilio/stream", (&Handler{}).streamURL(r))
	assert.Equal(t, "ws://localhost:8080/base/twilio/stream", (&Handler{PublicURL: "http://localhost:8080/base"}).streamURL(r))
}

func TestFrames(t *testing.T) {
	fs := frames(make([]byte, 400))
	require.Len(t, fs, 3)
	assert.Len(t, fs[0], 160)
	assert.Len(t, fs[2], 80)
	assert.Empty(t, frames(nil))
}

func loudMulaw(n int) string {
	b := make([]byte, n)
	for i := range b {
		if i%2 == 0 {
			b[i] = 0x00
		} else {
			b[i] = 0x80
		}
	}
	return base64.StdEncoding.EncodeToString(b)
}

func TestStream_Call(t *testing.T) {
	engine := newEngine(t)
	h := NewHandler(engine, nil, "", nil)
	h.CloseDelay = 50 * time.Millisecond
	srv := httptest.NewServer(h)
	defer srv.Close()

	cli, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.WriteJSON(map[string]any{"event": "connected"}))
	require.NoError(t, cli.WriteJSON(map[string]any{
		"event":     "start",
		"streamSid": "MZ1",
		"start": map[string]any{
			"callSid":          "CA1",
			"customParameters": map[string]string{"context": "Assurance auto", "resistance": "low"},
		},
	}))

	// Greeting: 400 bytes become three media frames and a mark.
	readEvents := func(until string) []streamMessage {
		var got []streamMessage
		_ = cli.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			var m streamMessage
			require.NoError(t, cli.ReadJSON(&m))
			got = append(got, m)
			if m.Event == until {
				return got
			}
		}
	}
	greeting := readEvents("mark")
	require.Len(t, greeting, 4)
	for _, m := range greeting {
		assert.Equal(t, "MZ1", m.StreamSid)
	}
	assert.Equal(t, "reply-1", greeting[3].Mark.Name)

	require.Eventually(t, func() bool {
		for _, s := range engine.Registry().Sessions() {
			return s.State() == agent.StateListening
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, cli.WriteJSON(map[string]any{"event": "media", "streamSid": "MZ1", "media": map[string]string{"track": "inbound", "payload": loudMulaw(160)}}))
	}
	reply := readEvents("mark")
	assert.Equal(t, "reply-2", reply[len(reply)-1].Mark.Name)

	require.NoError(t, cli.WriteJSON(map[string]any{"event": "stop", "streamSid": "MZ1"}))
	require.Eventually(t, func() bool { return engine.Registry().Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}
