package agent

import (
	"errors"
	"time"

	"github.com/chadiek/call-coach/internal/audio"
	"github.com/chadiek/call-coach/internal/reply"
	"github.com/chadiek/call-coach/internal/segment"
	"github.com/chadiek/call-coach/internal/vad"
)

// Config holds per-session tuning. Engine copies it into every session.
type Config struct {
	VAD                vad.Config
	EvaluationInterval time.Duration
	SegmentBufferSize  int
	// PreRollSegments bounds how much leading silence a capture keeps.
	PreRollSegments    int
	SpeakingLockMargin time.Duration
	HangUpGrace        time.Duration
	AdapterTimeout     time.Duration
	MinTranscriptChars int
	// CharsPerSecond estimates playback when the synthesizer reports no duration.
	CharsPerSecond float64
	EventBuffer    int

	Language      string
	Greeting      string
	PresenceReply string
	Voice         Voice
	Prompt        PromptConfig
	Reply         reply.Parser
	InputFormat   audio.Format
}

// DefaultConfig returns the tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		VAD:                vad.DefaultConfig(),
		EvaluationInterval: 50 * time.Millisecond,
		SegmentBufferSize:  segment.DefaultCapacity,
		PreRollSegments:    4,
		SpeakingLockMargin: 800 * time.Millisecond,
		HangUpGrace:        1500 * time.Millisecond,
		AdapterTimeout:     15 * time.Second,
		MinTranscriptChars: 2,
		CharsPerSecond:     15,
		EventBuffer:        128,
		Language:           "fr",
		Greeting:           "Allô ?",
		PresenceReply:      "Oui ? Je vous écoute...",
		Voice:              Voice{Rate: 1.05},
		Prompt:             DefaultPromptConfig(),
		Reply:              reply.NewParser(),
		InputFormat:        audio.Format{Encoding: audio.EncodingWebM},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.VAD.Validate(); err != nil {
		return err
	}
	var errs []error
	if c.EvaluationInterval <= 0 {
		errs = append(errs, errors.New("agent: evaluation interval must be positive"))
	}
	if c.AdapterTimeout <= 0 {
		errs = append(errs, errors.New("agent: adapter timeout must be positive"))
	}
	if c.SpeakingLockMargin < 0 || c.HangUpGrace < 0 {
		errs = append(errs, errors.New("agent: lock margin and hang-up grace must not be negative"))
	}
	if c.CharsPerSecond <= 0 {
		errs = append(errs, errors.New("agent: chars per second must be positive"))
	}
	return errors.Join(errs...)
}
