// Package results persists finished sessions. The engine hands each scored
// session to a Sink; sinks here write it to Supabase and Redis.
package results

import (
	"context"
	"errors"
	"math"

	"github.com/chadiek/call-coach/internal/agent"
)

// Message is one transcript line as stored in the simulations table.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Row is one simulations table row.
type Row struct {
	UserID       string    `json:"user_id,omitempty"`
	ProductID    string    `json:"product_id,omitempty"`
	Transcript   []Message `json:"transcript"`
	Score        int       `json:"score"`
	Feedback     string    `json:"feedback"`
	Strengths    []string  `json:"strengths"`
	Improvements []string  `json:"improvements"`
	// Duration is in whole seconds.
	Duration int `json:"duration"`
}

// BuildRow maps a session record onto a table row. Trainee turns are stored
// with the user role and prospect turns with the assistant role.
func BuildRow(rec agent.SessionRecord) Row {
	row := Row{
		UserID:       rec.UserID,
		ProductID:    rec.ScenarioID,
		Transcript:   make([]Message, 0, len(rec.History)),
		Strengths:    []string{},
		Improvements: []string{},
		Duration:     int(math.Round(rec.Duration.Seconds())),
	}
	for _, t := range rec.History {
		role := "user"
		if t.Role == agent.RoleProspect {
			role = "assistant"
		}
		row.Transcript = append(row.Transcript, Message{Role: role, Content: t.Text})
	}
	if r := rec.Result; r != nil {
		row.Score = r.Score
		row.Feedback = r.Feedback
		if r.Strengths != nil {
			row.Strengths = r.Strengths
		}
		if r.Improvements != nil {
			row.Improvements = r.Improvements
		}
	}
	return row
}

// Multi fans a record out to every sink and joins their errors.
type Multi []agent.ResultSink

func (m Multi) Record(ctx context.Context, rec agent.SessionRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
