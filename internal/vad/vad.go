// Package vad classifies a stream of amplitude frames into speech and
// silence spans and reports when a span should be finalized.
package vad

import (
	"fmt"
	"time"
)

// Config holds the detector thresholds. Levels use the 0-255 mean amplitude
// scale produced by audio.Level and by browser analysers.
type Config struct {
	VolumeThreshold float64
	SilenceTimeout  time.Duration
	MaxSegment      time.Duration
}

// DefaultConfig returns the tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		VolumeThreshold: 25,
		SilenceTimeout:  800 * time.Millisecond,
		MaxSegment:      20 * time.Second,
	}
}

// ValidationError reports a bad Config field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("vad: invalid %s: %s", e.Field, e.Message)
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.VolumeThreshold <= 0 {
		return &ValidationError{Field: "VolumeThreshold", Message: "must be positive"}
	}
	if c.SilenceTimeout <= 0 {
		return &ValidationError{Field: "SilenceTimeout", Message: "must be positive"}
	}
	if c.MaxSegment <= c.SilenceTimeout {
		return &ValidationError{Field: "MaxSegment", Message: "must exceed SilenceTimeout"}
	}
	return nil
}

// Event is what a single evaluation produced.
type Event int

const (
	EventNone Event = iota
	EventSpeechStart
	EventFinalize
)

func (e Event) String() string {
	switch e {
	case EventSpeechStart:
		return "speech_start"
	case EventFinalize:
		return "finalize"
	default:
		return "none"
	}
}

// Reason explains a finalize.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonSilence
	ReasonMaxSegment
)

func (r Reason) String() string {
	switch r {
	case ReasonSilence:
		return "silence"
	case ReasonMaxSegment:
		return "max_segment"
	default:
		return "none"
	}
}

// Result is returned from every evaluation.
type Result struct {
	Event  Event
	Reason Reason
	// Speech is the length of the finalized span.
	Speech time.Duration
}

// Detector is the energy-threshold VAD. It is not safe for concurrent use;
// a session's event loop owns it.
type Detector struct {
	cfg         Config
	speaking    bool
	speechStart time.Time
	lastVoice   time.Time
}

// New returns a Detector. The config should already be validated.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Config returns the detector thresholds.
func (d *Detector) Config() Config { return d.cfg }

// Speaking reports whether a speech span is open.
func (d *Detector) Speaking() bool { return d.speaking }

// Voiced reports whether a level crosses the threshold.
func (d *Detector) Voiced(level float64) bool { return level > d.cfg.VolumeThreshold }

// Process evaluates one amplitude frame observed at time at.
func (d *Detector) Process(level float64, at time.Time) Result {
	if d.Voiced(level) {
		if !d.speaking {
			d.speaking = true
			d.speechStart = at
			d.lastVoice = at
			return Result{Event: EventSpeechStart}
		}
		d.lastVoice = at
		return d.checkMax(at)
	}
	return d.Tick(at)
}

// Tick evaluates timers without a new frame, so a client that stops sending
// audio mid-utterance still gets its segment finalized.
func (d *Detector) Tick(at time.Time) Result {
	if !d.speaking {
		return Result{}
	}
	if r := d.checkMax(at); r.Event == EventFinalize {
		return r
	}
	if at.Sub(d.lastVoice) >= d.cfg.SilenceTimeout {
		return d.finalize(at, ReasonSilence)
	}
	return Result{}
}

// Arm opens a speech span at the given time without a voiced frame. The
// controller uses it when replayed audio already contains speech, so that the
// span is finalized once the trainee stays quiet for the silence timeout.
func (d *Detector) Arm(at time.Time) {
	if d.speaking {
		return
	}
	d.speaking = true
	d.speechStart = at
	d.lastVoice = at
}

// Reset drops any open span.
func (d *Detector) Reset() {
	d.speaking = false
	d.speechStart = time.Time{}
	d.lastVoice = time.Time{}
}

func (d *Detector) checkMax(at time.Time) Result {
	if at.Sub(d.speechStart) >= d.cfg.MaxSegment {
		return d.finalize(at, ReasonMaxSegment)
	}
	return Result{}
}

func (d *Detector) finalize(at time.Time, reason Reason) Result {
	speech := at.Sub(d.speechStart)
	d.Reset()
	return Result{Event: EventFinalize, Reason: reason, Speech: speech}
}
