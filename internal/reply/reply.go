// Package reply turns raw generation output into a prospect reply. Parsing
// runs in two stages: a strict stage that reads the first balanced JSON
// object, and a salvage stage that strips formatting artifacts from the raw
// text when the strict stage fails.
package reply

import (
	"strings"

	"github.com/tidwall/gjson"
)

const (
	// DefaultText replaces an empty text field in an otherwise valid payload.
	DefaultText = "D'accord, je vous écoute."
	// FallbackText is used when nothing usable survives salvaging.
	FallbackText = "Allô ? Je n'ai pas bien compris."
)

// DefaultFarewells are the keywords that imply the prospect is hanging up.
var DefaultFarewells = []string{"au revoir", "raccroche", "goodbye", "bye", "hang up"}

// Result is the normalized generation output.
type Result struct {
	Text   string `json:"text"`
	HangUp bool   `json:"hangUp"`
}

// Parser carries the fallback texts and farewell keywords.
type Parser struct {
	DefaultText  string
	FallbackText string
	Farewells    []string
}

// NewParser returns a Parser with the default texts and keywords.
func NewParser() Parser {
	return Parser{DefaultText: DefaultText, FallbackText: FallbackText, Farewells: DefaultFarewells}
}

// Parse never fails: malformed output is salvaged.
func (p Parser) Parse(raw string) Result {
	if r, ok := p.Strict(raw); ok {
		return r
	}
	return p.Salvage(raw)
}

// Strict extracts the first balanced object and reads text and hangUp from
// it. A missing hangUp flag is inferred from farewell keywords.
func (p Parser) Strict(raw string) (Result, bool) {
	obj, ok := ExtractObject(raw)
	if !ok || !gjson.Valid(obj) {
		return Result{}, false
	}
	doc := gjson.Parse(obj)
	text := doc.Get("text")
	if !text.Exists() {
		return Result{}, false
	}
	r := Result{Text: strings.TrimSpace(text.String())}
	if r.Text == "" {
		r.Text = p.DefaultText
	}
	hang := doc.Get("hangUp")
	if !hang.Exists() {
		hang = doc.Get("hang_up")
	}
	if hang.Exists() {
		r.HangUp = hang.Bool()
	} else {
		r.HangUp = ImpliesHangUp(r.Text, p.Farewells)
	}
	return r, true
}

// Salvage cleans the raw text and infers the hang-up flag from it.
func (p Parser) Salvage(raw string) Result {
	text := Clean(raw)
	if text == "" {
		return Result{Text: p.FallbackText}
	}
	return Result{Text: text, HangUp: ImpliesHangUp(text, p.Farewells)}
}

// ImpliesHangUp reports whether text contains any farewell keyword. Keywords
// match at the start of a word so "raccroche" also fires on "raccrocher".
// Short single words must match the whole word so "bye" does not fire inside
// "maybe".
func ImpliesHangUp(text string, farewells []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range farewells {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		whole := len(kw) <= wholeWordMax && !strings.Contains(kw, " ")
		if containsWord(lower, kw, whole) {
			return true
		}
	}
	return false
}

// wholeWordMax is the longest single-word keyword that must match whole.
const wholeWordMax = 4

func containsWord(s, kw string, whole bool) bool {
	for from := 0; ; {
		i := strings.Index(s[from:], kw)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(kw)
		if boundary(s, start-1) && (!whole || boundary(s, end)) {
			return true
		}
		from = start + 1
	}
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c >= 0x80)
}
