// Package httpserver mounts every session transport on one echo server.
package httpserver

import (
	"context"
	"fmt"
	log "log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/chadiek/call-coach/internal/agent"
	"github.com/chadiek/call-coach/internal/config"
	"github.com/chadiek/call-coach/internal/metrics"
	guard "github.com/chadiek/call-coach/internal/middleware"
	"github.com/chadiek/call-coach/internal/rtc"
	"github.com/chadiek/call-coach/internal/telephony"
)

// History lists a trainee's recent scored sessions, newest first.
type History interface {
	Recent(ctx context.Context, userID string, n int) ([]agent.SessionRecord, error)
}

// Deps are the handlers and stores the server exposes. Nil members leave
// their routes unmounted.
type Deps struct {
	Engine    *agent.Engine
	Browser   http.Handler
	RTC       *rtc.Handler
	Telephony *telephony.Handler
	History   History
	Metrics   *metrics.Metrics
	Logger    *log.Logger
}

const (
	defaultHistory = 10
	maxHistory     = 50
)

// New creates a configured Echo server instance.
func New(cfg config.Config, d Deps) *echo.Echo {
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(d.Logger))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-Auth-Token"},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		n := 0
		if d.Engine != nil {
			n = d.Engine.Registry().Len()
		}
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "sessions": n})
	})
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics.Handler()))
	}

	limit := rateLimiter(cfg.RateLimitPerMin)
	auth := guard.PasswordAuth(cfg.AuthPassword)

	if d.Browser != nil {
		e.GET("/ws/session", echo.WrapHandler(d.Browser), auth, limit)
	}
	if d.RTC != nil {
		e.POST("/call", callHandler(d.RTC), auth, limit)
		// Authenticates itself so a first auth message can carry the password.
		e.GET("/rtc/ws", echo.WrapHandler(http.HandlerFunc(d.RTC.ServeWebSocket)), limit)
	}
	if d.Telephony != nil {
		e.POST("/twilio/voice", d.Telephony.Voice, guard.TwilioAuth(cfg.TwilioAuthToken, cfg.PublicURL))
		e.GET(telephony.StreamPath, echo.WrapHandler(d.Telephony), limit, guard.TwilioStreamAuth(cfg.TwilioAuthToken, cfg.PublicURL))
	}
	if d.History != nil {
		e.GET("/results/:userID", historyHandler(d.History), auth)
	}
	return e
}

func callHandler(h *rtc.Handler) echo.HandlerFunc {
	return func(c echo.Context) error {
		var offer rtc.Offer
		if err := c.Bind(&offer); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid offer"})
		}
		answer, err := h.HandleOffer(c.Request().Context(), offer)
		if err != nil {
			c.Logger().Errorf("webrtc handle offer failed: %v", err)
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, answer)
	}
}

type historyItem struct {
	SessionID    string    `json:"sessionId"`
	ProductID    string    `json:"productId,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	DurationSec  int       `json:"durationSec"`
	Turns        int       `json:"turns"`
	Score        int       `json:"score"`
	Feedback     string    `json:"feedback"`
	Strengths    []string  `json:"strengths"`
	Improvements []string  `json:"improvements"`
}

func historyHandler(h History) echo.HandlerFunc {
	return func(c echo.Context) error {
		n := defaultHistory
		if v := c.QueryParam("limit"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed <= 0 {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			}
			n = min(parsed, maxHistory)
		}
		recs, err := h.Recent(c.Request().Context(), c.Param("userID"), n)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		items := make([]historyItem, 0, len(recs))
		for _, r := range recs {
			it := historyItem{
				SessionID:   r.SessionID,
				ProductID:   r.ScenarioID,
				StartedAt:   r.StartedAt,
				DurationSec: int(r.Duration.Round(time.Second).Seconds()),
				Turns:       len(r.History),
			}
			if r.Result != nil {
				it.Score = r.Result.Score
				it.Feedback = r.Result.Feedback
				it.Strengths = r.Result.Strengths
				it.Improvements = r.Result.Improvements
			}
			items = append(items, it)
		}
		return c.JSON(http.StatusOK, items)
	}
}

// rateLimiter allows perMinute session starts per client IP.
func rateLimiter(perMinute int) echo.MiddlewareFunc {
	if perMinute <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(perMinute) / 60),
		Burst:     perMinute,
		ExpiresIn: 3 * time.Minute,
	})
	retryAfter := strconv.Itoa(int((time.Minute / time.Duration(perMinute)).Seconds()) + 1)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, id string, err error) error {
			c.Response().Header().Set("Retry-After", retryAfter)
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "client not identified"})
		},
	})
}

func requestLogger(logger *log.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := log.LevelInfo
			switch {
			case v.Status >= 500 || v.Error != nil:
				level = log.LevelError
			case v.Status >= 400:
				level = log.LevelWarn
			}
			attrs := []log.Attr{
				log.String("method", v.Method),
				log.String("path", v.URIPath),
				log.Int("status", v.Status),
				log.Duration("latency", v.Latency),
				log.String("remote", v.RemoteIP),
			}
			if v.Error != nil {
				attrs = append(attrs, log.String("err", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	})
}
