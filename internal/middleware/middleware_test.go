package middleware

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorized(t *testing.T) {
	assert.True(t, Authorized(nil, ""))
	assert.False(t, Authorized(nil, "secret"))

	cases := []struct {
		name   string
		target string
		header map[string]string
		want   bool
	}{
		{"query", "/?password=secret", nil, true},
		{"wrong query", "/?password=wrong", nil, false},
		{"bearer", "/", map[string]string{"Authorization": "Bearer secret"}, true},
		{"lowercase bearer", "/", map[string]string{"Authorization": "bearer secret"}, true},
		{"wrong bearer", "/", map[string]string{"Authorization": "Bearer nope"}, false},
		{"x-auth-token", "/", map[string]string{"X-Auth-Token": "secret"}, true},
		{"wrong x-auth-token", "/", map[string]string{"X-Auth-Token": "nope"}, false},
		{"nothing", "/", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.target, nil)
			for k, v := range tc.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, Authorized(r, "secret"))
		})
	}
}

func TestPasswordAuth(t *testing.T) {
	e := echo.New()
	e.Use(PasswordAuth("secret"))
	e.GET("/x", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x?password=secret", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTwilioAuth(t *testing.T) {
	const token = "twilio-token"
	form := url.Values{"CallSid": {"CA1"}, "From": {"+33600000000"}}
	params := map[string]string{"CallSid": "CA1", "From": "+33600000000"}

	e := echo.New()
	e.POST("/twilio/voice", func(c echo.Context) error {
		p := c.Get("twilioParams").(map[string]string)
		body, _ := io.ReadAll(c.Request().Body)
		return c.String(http.StatusOK, p["CallSid"]+"|"+string(body))
	}, TwilioAuth(token, "https://coach.example.com/"))

	newReq := func(sig string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/twilio/voice?resistance=high", strings.NewReader(form.Encode()))
		r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
		r.Header.Set("X-Twilio-Signature", sig)
		return r
	}

	sig := sign(token, "https://coach.example.com/twilio/voice?resistance=high", params)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, newReq(sig))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CA1|"+form.Encode(), rec.Body.String())

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, newReq("bogus"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidateTwilioSignature_Empty(t *testing.T) {
	assert.False(t, ValidateTwilioSignature("", "sig", "https://x", nil))
	assert.False(t, ValidateTwilioSignature("tok", "", "https://x", nil))
}

// sign computes the signature Twilio sends: base64 HMAC-SHA1 of the URL
// followed by the sorted parameters.
func sign(authToken, fullURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
