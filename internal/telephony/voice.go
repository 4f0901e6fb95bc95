// Package telephony runs training sessions over phone calls: a TwiML webhook
// connects the call to a Media Streams WebSocket carrying 8kHz mu-law both
// ways.
package telephony

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/twiml"
)

// Scenario keys passed from the webhook query to the stream as custom
// parameters.
var scenarioParams = []string{"context", "objections", "resistance", "userId", "productId"}

// StreamPath is where Media Streams connect.
const StreamPath = "/twilio/stream"

// Voice answers the incoming-call webhook. The call is connected to the
// media stream and hung up when the stream closes.
func (h *Handler) Voice(c echo.Context) error {
	params, _ := c.Get("twilioParams").(map[string]string)
	h.Logger.Info("incoming call", "from", params["From"], "call_sid", params["CallSid"])

	stream := &twiml.VoiceStream{Url: h.streamURL(c.Request())}
	for _, key := range scenarioParams {
		if v := strings.TrimSpace(c.QueryParam(key)); v != "" {
			stream.InnerElements = append(stream.InnerElements, &twiml.VoiceParameter{Name: key, Value: v})
		}
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	response, err := twiml.Voice([]twiml.Element{connect, &twiml.VoiceHangup{}})
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

// streamURL derives the wss address from PublicURL, or from the request
// host when no public URL is configured.
func (h *Handler) streamURL(r *http.Request) string {
	base := h.PublicURL
	if base == "" {
		base = "https://" + r.Host
	}
	u, err := url.Parse(base)
	if err != nil {
		return "wss://" + r.Host + StreamPath
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + StreamPath
	return u.String()
}
