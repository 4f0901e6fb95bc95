package reply

import (
	"regexp"
	"strings"
)

var (
	textKey    = regexp.MustCompile(`(?i)"?text"?\s*:\s*`)
	hangUpPair = regexp.MustCompile(`(?i),?\s*"?hang_?up"?\s*:\s*(true|false|(?:t(?:r(?:u)?)?|f(?:a(?:l(?:s)?)?)?)\s*$)?`)
)

// Clean strips the artifacts generation output leaves behind when the JSON
// is truncated or malformed: code fences, the text key, the hangUp pair,
// and dangling quotes, braces and commas.
func Clean(raw string) string {
	s := StripFences(raw)
	s = hangUpPair.ReplaceAllString(s, "")
	s = textKey.ReplaceAllString(s, "")
	s = strings.Trim(s, " \t\r\n{}")
	s = strings.TrimRight(s, ` ,"'`)
	s = strings.TrimLeft(s, ` "'`)
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\n`, " ")
	return strings.TrimSpace(s)
}
