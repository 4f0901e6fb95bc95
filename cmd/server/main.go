package main

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/call-coach/internal/agent"
	"github.com/chadiek/call-coach/internal/config"
	"github.com/chadiek/call-coach/internal/httpserver"
	"github.com/chadiek/call-coach/internal/llm"
	"github.com/chadiek/call-coach/internal/logging"
	"github.com/chadiek/call-coach/internal/metrics"
	"github.com/chadiek/call-coach/internal/results"
	"github.com/chadiek/call-coach/internal/rtc"
	"github.com/chadiek/call-coach/internal/scoring"
	"github.com/chadiek/call-coach/internal/telephony"
	"github.com/chadiek/call-coach/internal/transcript"
	"github.com/chadiek/call-coach/internal/transport"
	"github.com/chadiek/call-coach/internal/tts"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	logger := logging.Setup(os.Stderr, cfg.LogLevel, cfg.NoColor)

	ctx := context.Background()
	completer, err := newCompleter(ctx, cfg)
	if err != nil {
		return err
	}
	voice := tts.Options{Provider: cfg.TTSProvider, APIKey: cfg.TTSAPIKey, Voice: cfg.TTSVoice}
	browserSynth, err := tts.New(voice, tts.BrowserFormat)
	if err != nil {
		return err
	}
	rtcSynth, err := tts.New(voice, tts.WebRTCFormat)
	if err != nil {
		return err
	}
	phoneSynth, err := tts.New(voice, tts.TelephonyFormat)
	if err != nil {
		return err
	}

	sink, history, err := newSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	m := metrics.New()

	engine, err := agent.NewEngine(cfg.Session, agent.Deps{
		Recognizer: transcript.NewWhisperClient(cfg.STTAPIKey, cfg.STTBaseURL, cfg.STTModel,
			transcript.NewFilter(cfg.HallucinationPhrases, cfg.Session.MinTranscriptChars)),
		Generator:   llm.NewGenerator(completer, llm.DefaultGenerationOptions),
		Synthesizer: browserSynth,
		Scorer:      scoring.New(completer),
		Sink:        sink,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	rtcHandler := rtc.NewHandler(engine, rtcSynth, cfg.ICEServersJSON, logger)
	rtcHandler.AuthPassword = cfg.AuthPassword
	e := httpserver.New(cfg, httpserver.Deps{
		Engine:    engine,
		Browser:   transport.NewHandler(engine, browserSynth, logger),
		RTC:       rtcHandler,
		Telephony: telephony.NewHandler(engine, phoneSynth, cfg.PublicURL, logger),
		History:   history,
		Metrics:   m,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddress, "llm", cfg.LLMProvider, "tts", cfg.TTSProvider)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions did not finish before shutdown", "err", err, "live", engine.Registry().Len())
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
		_ = server.Close()
	}
	return nil
}

func newCompleter(ctx context.Context, cfg config.Config) (llm.Completer, error) {
	if cfg.LLMProvider == "gemini" {
		return llm.NewGeminiClient(ctx, cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel)
	}
	base := cfg.LLMBaseURL
	if base == "" {
		base = llm.BaseURLFor(cfg.LLMProvider)
	}
	if base == "" {
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q: set LLM_BASE_URL", cfg.LLMProvider)
	}
	return llm.NewChatClient(cfg.LLMAPIKey, base, cfg.LLMModel), nil
}

// newSinks wires the configured result stores. Redis also serves the
// per-trainee history endpoint.
func newSinks(ctx context.Context, cfg config.Config, logger *log.Logger) (agent.ResultSink, httpserver.History, error) {
	var (
		sinks   results.Multi
		history httpserver.History
	)
	if cfg.SupabaseURL != "" {
		s, err := results.NewSupabaseSink(results.SupabaseConfig{URL: cfg.SupabaseURL, ServiceRoleKey: cfg.SupabaseKey, Table: cfg.SupabaseTable})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.RedisURL != "" {
		client, err := results.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis not reachable, history may be incomplete", "err", err)
		}
		r := results.NewRedisSink(client)
		sinks = append(sinks, r)
		history = r
	}
	switch len(sinks) {
	case 0:
		logger.Warn("no result store configured, scores are not persisted")
		return nil, history, nil
	case 1:
		return sinks[0], history, nil
	}
	return sinks, history, nil
}
