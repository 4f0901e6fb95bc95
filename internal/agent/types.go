package agent

import (
	"context"
	"strings"
	"time"

	"github.com/chadiek/call-coach/internal/audio"
	"github.com/chadiek/call-coach/internal/reply"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleTrainee  Role = "trainee"
	RoleProspect Role = "prospect"
)

// Turn is one utterance in the conversation history. Turns are immutable
// once appended.
type Turn struct {
	Role     Role   `json:"role"`
	Text     string `json:"text"`
	Position int    `json:"position"`
}

// Resistance is how hard the prospect pushes back.
type Resistance string

const (
	ResistanceLow    Resistance = "Low"
	ResistanceMedium Resistance = "Medium"
	ResistanceHigh   Resistance = "High"
)

// ParseResistance accepts English and French level names and defaults to
// Medium.
func ParseResistance(s string) Resistance {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "faible", "basse":
		return ResistanceLow
	case "high", "forte", "haute", "élevée", "elevee":
		return ResistanceHigh
	default:
		return ResistanceMedium
	}
}

// Scenario is the training context a session is started with.
type Scenario struct {
	ID         string     `json:"scenario_id"`
	UserID     string     `json:"user_id"`
	Context    string     `json:"context"`
	Objections []string   `json:"objections"`
	Resistance Resistance `json:"resistance"`
}

// GenerationResult is the normalized output of one generation call.
type GenerationResult = reply.Result

// ScoringResult is the post-session critique.
type ScoringResult struct {
	Score        int      `json:"score"`
	Feedback     string   `json:"feedback"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
}

// DefaultScoringResult is returned when scoring fails.
func DefaultScoringResult() *ScoringResult {
	return &ScoringResult{
		Score:        50,
		Feedback:     "Impossible d'analyser la conversation.",
		Strengths:    []string{},
		Improvements: []string{"Veuillez réessayer"},
	}
}

// Voice carries prosody parameters for synthesis. Zero values mean provider
// defaults.
type Voice struct {
	Rate  float64
	Pitch float64
}

// Speech is synthesized audio.
type Speech struct {
	Audio  []byte
	Format audio.Format
	// Duration is the playback length when the adapter knows it.
	Duration time.Duration
}

// Recognizer turns one utterance into text. Implementations filter known
// hallucinations and return "" for no speech.
type Recognizer interface {
	Transcribe(ctx context.Context, clip audio.Clip, language string) (string, error)
}

// Generator produces the raw prospect reply for the history so far.
type Generator interface {
	Generate(ctx context.Context, history []Turn, instruction string) (string, error)
}

// Synthesizer renders reply text as audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice Voice) (Speech, error)
}

// Scorer critiques a finished conversation.
type Scorer interface {
	Score(ctx context.Context, history []Turn, scenario string) (*ScoringResult, error)
}

// SessionRecord is handed to the persistence collaborator when a session ends.
type SessionRecord struct {
	SessionID  string         `json:"session_id"`
	UserID     string         `json:"user_id"`
	ScenarioID string         `json:"scenario_id"`
	History    []Turn         `json:"history"`
	Result     *ScoringResult `json:"result,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
}

// ResultSink persists session records. The engine only emits them.
type ResultSink interface {
	Record(ctx context.Context, rec SessionRecord) error
}
