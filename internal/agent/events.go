package agent

import "time"

// EventType names an outbound session event.
type EventType string

const (
	EventAudio             EventType = "audio_chunk"
	EventState             EventType = "state"
	EventTranscriptInterim EventType = "transcript_interim"
	EventTurn              EventType = "turn"
	EventInterrupted       EventType = "interrupted"
	EventHangUp            EventType = "prospect_hangup"
	EventComplete          EventType = "simulation_complete"
)

// Event is delivered on a session's outbound channel. Only the fields that
// belong to Type are set.
type Event struct {
	Type      EventType
	SessionID string
	At        time.Time

	Speech *Speech
	State  State
	Text   string
	Turn   *Turn
	// Result is nil on a complete event when the session was too short to score.
	Result   *ScoringResult
	Duration time.Duration
}
