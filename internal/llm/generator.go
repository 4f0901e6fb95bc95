package llm

import (
	"context"

	"github.com/chadiek/call-coach/internal/agent"
)

// DefaultGenerationOptions match a lively, varied prospect.
var DefaultGenerationOptions = Options{Temperature: 0.9, MaxTokens: 1024}

// Generator adapts a Completer to the session's dialogue generation port.
// The turn instruction is the system message; trainee turns are sent as the
// user and prospect turns as the assistant.
type Generator struct {
	Completer Completer
	Options   Options
}

func NewGenerator(c Completer, opts Options) *Generator {
	return &Generator{Completer: c, Options: opts}
}

func (g *Generator) Generate(ctx context.Context, history []agent.Turn, instruction string) (string, error) {
	return g.Completer.Complete(ctx, Messages(history, instruction), g.Options)
}

// Messages builds the chat transcript for a generation request.
func Messages(history []agent.Turn, instruction string) []Message {
	msgs := make([]Message, 0, len(history)+1)
	if instruction != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: instruction})
	}
	for _, t := range history {
		role := RoleUser
		if t.Role == agent.RoleProspect {
			role = RoleAssistant
		}
		msgs = append(msgs, Message{Role: role, Content: t.Text})
	}
	return msgs
}
