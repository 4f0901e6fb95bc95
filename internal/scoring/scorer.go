// Package scoring critiques a finished conversation with one chat completion.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/chadiek/call-coach/internal/agent"
	"github.com/chadiek/call-coach/internal/llm"
	"github.com/chadiek/call-coach/internal/reply"
)

// ErrMalformed is returned when the completion holds no usable result.
var ErrMalformed = errors.New("scoring: malformed result")

// DefaultOptions keep the critique stable between runs.
var DefaultOptions = llm.Options{Temperature: 0.3, MaxTokens: 1024}

// Criterion is one weighted grading axis.
type Criterion struct {
	Name   string
	Weight int
}

// DefaultCriteria sum to 100.
var DefaultCriteria = []Criterion{
	{"Accroche et présentation", 20},
	{"Écoute active et reformulation", 20},
	{"Argumentation et bénéfices client", 30},
	{"Gestion des objections", 20},
	{"Conclusion et appel à l'action", 10},
}

type Scorer struct {
	Completer llm.Completer
	Options   llm.Options
	Criteria  []Criterion
}

func New(c llm.Completer) *Scorer {
	return &Scorer{Completer: c, Options: DefaultOptions, Criteria: DefaultCriteria}
}

// Score implements agent.Scorer. Errors are returned as is; the session
// substitutes the default result.
func (s *Scorer) Score(ctx context.Context, history []agent.Turn, scenario string) (*agent.ScoringResult, error) {
	prompt := BuildPrompt(history, scenario, s.Criteria)
	raw, err := s.Completer.Complete(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, s.Options)
	if err != nil {
		return nil, fmt.Errorf("scoring: completion: %w", err)
	}
	return ParseResult(raw)
}

// BuildPrompt renders the coaching prompt. Trainee lines are labeled AGENT
// and prospect lines PROSPECT.
func BuildPrompt(history []agent.Turn, scenario string, criteria []Criterion) string {
	var b strings.Builder
	b.WriteString("Tu es un coach expert en vente par téléphone. Analyse cette conversation commerciale et attribue un score.\n\n")
	fmt.Fprintf(&b, "CONTEXTE DU PRODUIT: %s\n\n", scenario)
	b.WriteString("CONVERSATION:\n")
	for _, t := range history {
		label := "AGENT"
		if t.Role == agent.RoleProspect {
			label = "PROSPECT"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, t.Text)
	}
	b.WriteString(`
Réponds UNIQUEMENT au format JSON suivant (sans markdown, juste le JSON):
{
    "score": <nombre entre 0 et 100>,
    "feedback": "<résumé en 2-3 phrases de la performance globale>",
    "strengths": ["<point fort 1>", "<point fort 2>"],
    "improvements": ["<axe d'amélioration 1>", "<axe d'amélioration 2>"]
}
`)
	if len(criteria) > 0 {
		b.WriteString("\nCRITÈRES DE NOTATION:\n")
		for _, c := range criteria {
			fmt.Fprintf(&b, "- %s (%d%%)\n", c.Name, c.Weight)
		}
	}
	return b.String()
}

// ParseResult reads the first JSON object of a completion. The score is
// clamped to 0..100 and may be given as a number or a numeric string.
func ParseResult(raw string) (*agent.ScoringResult, error) {
	obj, ok := reply.ExtractObject(reply.StripFences(raw))
	if !ok || !gjson.Valid(obj) {
		return nil, ErrMalformed
	}
	doc := gjson.Parse(obj)
	score := doc.Get("score")
	if !score.Exists() {
		return nil, fmt.Errorf("%w: no score", ErrMalformed)
	}
	res := &agent.ScoringResult{
		Score:        min(max(int(score.Int()), 0), 100),
		Feedback:     strings.TrimSpace(doc.Get("feedback").String()),
		Strengths:    stringList(doc.Get("strengths")),
		Improvements: stringList(doc.Get("improvements")),
	}
	return res, nil
}

func stringList(r gjson.Result) []string {
	out := []string{}
	for _, v := range r.Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}
