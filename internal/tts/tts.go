// Package tts holds the speech synthesis adapters. Each client produces audio
// in one fixed format chosen by the transport that plays it.
package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chadiek/call-coach/internal/agent"
	"github.com/chadiek/call-coach/internal/audio"
)

var errNoAudio = errors.New("tts: provider returned no audio")

// Formats the transports play.
var (
	BrowserFormat   = audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 24000}
	WebRTCFormat    = audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 48000}
	TelephonyFormat = audio.Format{Encoding: audio.EncodingMulaw, SampleRate: 8000}
)

// Options select and configure a provider.
type Options struct {
	Provider string // "elevenlabs" or "deepgram"
	APIKey   string
	Voice    string // ElevenLabs voice id or Deepgram model
}

// New returns a synthesizer producing audio in format f.
func New(o Options, f audio.Format) (agent.Synthesizer, error) {
	switch strings.ToLower(o.Provider) {
	case "elevenlabs", "":
		return NewElevenLabsClient(o.APIKey, o.Voice, f), nil
	case "deepgram":
		return NewDeepgramClient(o.APIKey, o.Voice, f), nil
	default:
		return nil, fmt.Errorf("tts: unknown provider %q", o.Provider)
	}
}

// collect drains a stream into one Speech. An error after some audio arrived
// still fails the utterance.
func collect(ctx context.Context, f audio.Format, pcmCh <-chan []byte, errCh <-chan error) (agent.Speech, error) {
	var buf bytes.Buffer
	for pcmCh != nil || errCh != nil {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				pcmCh = nil
				continue
			}
			buf.Write(b)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return agent.Speech{}, err
			}
		case <-ctx.Done():
			return agent.Speech{}, ctx.Err()
		}
	}
	if buf.Len() == 0 {
		return agent.Speech{}, errNoAudio
	}
	data := buf.Bytes()
	if f.Encoding == audio.EncodingPCM16 && len(data)%2 == 1 {
		data = data[:len(data)-1]
	}
	return agent.Speech{Audio: data, Format: f, Duration: audio.Duration(f, len(data))}, nil
}
