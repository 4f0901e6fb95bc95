package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	log "log/slog"
	"net/http"
	"net/url"

	"github.com/chadiek/call-coach/internal/agent"
	"github.com/chadiek/call-coach/internal/audio"
)

const (
	defaultElevenLabsURL   = "https://api.elevenlabs.io"
	defaultElevenLabsModel = "eleven_flash_v2_5"
)

// ElevenLabsClient synthesizes over the HTTP streaming endpoint.
type ElevenLabsClient struct {
	APIKey     string
	VoiceID    string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	format     audio.Format
}

func NewElevenLabsClient(apiKey, voiceID string, format audio.Format) *ElevenLabsClient {
	return &ElevenLabsClient{
		APIKey:     apiKey,
		VoiceID:    voiceID,
		Model:      defaultElevenLabsModel,
		BaseURL:    defaultElevenLabsURL,
		HTTPClient: &http.Client{Timeout: 0},
		format:     format,
	}
}

// Format returns the encoding of the produced audio.
func (e *ElevenLabsClient) Format() audio.Format { return e.format }

// outputFormat maps the client format to ElevenLabs' output_format names.
func (e *ElevenLabsClient) outputFormat() string {
	if e.format.Encoding == audio.EncodingMulaw {
		return "ulaw_8000"
	}
	return fmt.Sprintf("pcm_%d", e.format.SampleRate)
}

func (e *ElevenLabsClient) Synthesize(ctx context.Context, text string, voice agent.Voice) (agent.Speech, error) {
	pcm, errs := e.Stream(ctx, text, voice)
	return collect(ctx, e.format, pcm, errs)
}

// Stream forwards response body chunks as they arrive.
func (e *ElevenLabsClient) Stream(ctx context.Context, text string, voice agent.Voice) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if e.APIKey == "" || e.VoiceID == "" {
			errCh <- fmt.Errorf("elevenlabs: api key or voice id missing")
			return
		}
		if err := e.httpStream(ctx, text, voice, pcmCh); err != nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (e *ElevenLabsClient) httpStream(ctx context.Context, text string, voice agent.Voice, pcmCh chan<- []byte) error {
	u, err := url.Parse(e.BaseURL)
	if err != nil {
		return fmt.Errorf("elevenlabs: base url: %w", err)
	}
	u = u.JoinPath("v1", "text-to-speech", e.VoiceID, "stream")
	q := u.Query()
	q.Set("output_format", e.outputFormat())
	// 0..4, lower trades quality for latency
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	settings := map[string]any{
		"stability":         0.4,
		"similarity_boost":  0.7,
		"style":             0.0,
		"use_speaker_boost": true,
	}
	if voice.Rate > 0 {
		settings["speed"] = voice.Rate
	}
	body := map[string]any{
		"model_id":       e.Model,
		"text":           text,
		"language_code":  "fr",
		"voice_settings": settings,
	}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs http stream error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("elevenlabs http status=%d body=%s", resp.StatusCode, string(b))
	}

	bufChunk := make([]byte, 4096)
	logged := false
	for {
		n, rerr := resp.Body.Read(bufChunk)
		if n > 0 {
			if !logged {
				log.Debug("elevenlabs receiving audio stream", "first_chunk", n)
				logged = true
			}
			out := make([]byte, n)
			copy(out, bufChunk[:n])
			select {
			case pcmCh <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return fmt.Errorf("elevenlabs http read error: %w", rerr)
		}
	}
}
