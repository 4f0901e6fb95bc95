package transcript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/chadiek/call-coach/internal/audio"
)

const (
	// DefaultBaseURL is Groq's OpenAI-compatible endpoint.
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "whisper-large-v3-turbo"
)

// ErrNoSpeech reports a transcript that is empty, too short or a known
// hallucination.
var ErrNoSpeech = errors.New("transcript: no speech")

// DefaultHallucinations are boilerplate phrases Whisper emits on silence or
// noise, mostly subtitle credits learned from its training data.
var DefaultHallucinations = []string{
	"Sous-titres réalisés par la communauté d'Amara.org",
	"Sous-titres réalisés para la communauté d'Amara.org",
	"Sous-titrage Société Radio-Canada",
	"Sous-titrage ST' 501",
	"Merci d'avoir regardé cette vidéo !",
	"Merci d'avoir regardé",
	"Abonnez-vous !",
	"Thank you for watching!",
	"...",
}

// Filter rejects transcripts that do not carry trainee speech.
type Filter struct {
	Phrases  []string
	MinChars int
}

// NewFilter builds a filter; phrases are compared case and punctuation
// insensitively.
func NewFilter(phrases []string, minChars int) Filter {
	return Filter{Phrases: phrases, MinChars: minChars}
}

// Check returns the trimmed transcript or ErrNoSpeech.
func (f Filter) Check(text string) (string, error) {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < f.MinChars {
		return "", ErrNoSpeech
	}
	norm := normalize(text)
	if norm == "" {
		return "", ErrNoSpeech
	}
	for _, p := range f.Phrases {
		if normalize(p) == norm {
			return "", ErrNoSpeech
		}
	}
	return text, nil
}

func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// WhisperClient transcribes finalized utterances through an OpenAI-compatible
// audio transcription endpoint.
type WhisperClient struct {
	client openai.Client
	Model  string
	Filter Filter
}

// NewWhisperClient returns a client for baseURL. Retries are disabled: a
// failed recognition aborts the turn and the next utterance is the retry.
func NewWhisperClient(apiKey, baseURL, model string, filter Filter, opts ...option.RequestOption) *WhisperClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		option.WithMaxRetries(0),
	}
	return &WhisperClient{
		client: openai.NewClient(append(base, opts...)...),
		Model:  model,
		Filter: filter,
	}
}

// Transcribe uploads one clip. Filtered transcripts come back empty with a
// nil error: silence is not a failure.
func (c *WhisperClient) Transcribe(ctx context.Context, clip audio.Clip, language string) (string, error) {
	if len(clip.Data) == 0 {
		return "", nil
	}
	params := openai.AudioTranscriptionNewParams{
		File:           openai.File(bytes.NewReader(clip.Data), clip.Filename, clip.ContentType),
		Model:          openai.AudioModel(c.Model),
		ResponseFormat: openai.AudioResponseFormatJSON,
	}
	if language != "" {
		params.Language = openai.String(language)
	}
	start := time.Now()
	resp, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcript: whisper request: %w", err)
	}
	text, err := c.Filter.Check(resp.Text)
	if errors.Is(err, ErrNoSpeech) {
		log.Debug("transcript discarded", "raw", resp.Text, "bytes", len(clip.Data))
		return "", nil
	}
	log.Debug("transcript received", "text", text, "took", time.Since(start).Round(time.Millisecond))
	return text, nil
}
