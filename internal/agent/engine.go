package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/chadiek/call-coach/internal/audio"
)

// Engine holds the adapters shared by every session and the registry that
// transports subscribe through.
type Engine struct {
	cfg      Config
	deps     Deps
	registry *Registry
}

// NewEngine validates the configuration and required collaborators.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Recognizer == nil || deps.Generator == nil || deps.Synthesizer == nil {
		return nil, errors.New("agent: recognizer, generator and synthesizer are required")
	}
	return &Engine{cfg: cfg, deps: deps, registry: NewRegistry()}, nil
}

// Config returns the engine's session configuration.
func (e *Engine) Config() Config { return e.cfg }

// Registry returns the live session registry.
func (e *Engine) Registry() *Registry { return e.registry }

type sessionOptions struct {
	id          string
	synthesizer Synthesizer
	format      *audio.Format
}

// SessionOption customizes one session.
type SessionOption func(*sessionOptions)

// WithID fixes the session identifier instead of generating one.
func WithID(id string) SessionOption {
	return func(o *sessionOptions) { o.id = id }
}

// WithSynthesizer overrides the synthesizer, typically to match the output
// encoding a transport can play.
func WithSynthesizer(s Synthesizer) SessionOption {
	return func(o *sessionOptions) { o.synthesizer = s }
}

// WithInputFormat declares how inbound chunks are encoded.
func WithInputFormat(f audio.Format) SessionOption {
	return func(o *sessionOptions) { o.format = &f }
}

// NewSession creates and registers a session. The caller starts it.
func (e *Engine) NewSession(sc Scenario, opts ...SessionOption) *Session {
	var o sessionOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	cfg := e.cfg
	if o.format != nil {
		cfg.InputFormat = *o.format
	}
	deps := e.deps
	if o.synthesizer != nil {
		deps.Synthesizer = o.synthesizer
	}
	s := newSession(o.id, sc, cfg, deps)
	s.onEnd = e.registry.Register(s)
	return s
}

// Shutdown ends every live session and waits for them to finish or for ctx
// to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	sessions := e.registry.Sessions()
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.End(ctx)
		}(s)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
