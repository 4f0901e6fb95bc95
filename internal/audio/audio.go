// Package audio holds the small codec helpers shared by the transports and
// the recognition path: amplitude levels, mu-law decoding, WAV packaging and
// playback duration arithmetic.
package audio

import (
	"encoding/binary"
	"time"
)

// Encoding names the byte layout of an audio payload.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16" // signed 16-bit little-endian mono
	EncodingMulaw Encoding = "mulaw" // G.711 mu-law mono
	EncodingWebM  Encoding = "webm"
	EncodingOgg   Encoding = "ogg"
	EncodingMP3   Encoding = "mp3"
	EncodingWAV   Encoding = "wav"
)

// Format describes an inbound or outbound stream.
type Format struct {
	Encoding   Encoding
	SampleRate int
}

// IsContainer reports whether chunks of this format are fragments of a
// container stream whose first chunk carries the header.
func (f Format) IsContainer() bool {
	switch f.Encoding {
	case EncodingWebM, EncodingOgg:
		return true
	}
	return false
}

// IsRaw reports whether the payload is headerless samples.
func (f Format) IsRaw() bool {
	return f.Encoding == EncodingPCM16 || f.Encoding == EncodingMulaw
}

// ParseEncoding maps client-provided names onto an Encoding. Unknown names
// fall back to webm, the MediaRecorder default.
func ParseEncoding(s string) Encoding {
	switch s {
	case "pcm", "pcm16", "linear16", "s16le":
		return EncodingPCM16
	case "mulaw", "ulaw", "pcmu":
		return EncodingMulaw
	case "ogg", "opus":
		return EncodingOgg
	case "mp3", "mpeg":
		return EncodingMP3
	case "wav":
		return EncodingWAV
	default:
		return EncodingWebM
	}
}

// Duration returns the playback length of n bytes of raw audio. Container
// formats return zero; callers estimate those from text instead.
func Duration(f Format, n int) time.Duration {
	if f.SampleRate <= 0 || n <= 0 {
		return 0
	}
	var samples int
	switch f.Encoding {
	case EncodingPCM16:
		samples = n / 2
	case EncodingMulaw:
		samples = n
	default:
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Level returns the mean absolute amplitude of PCM16LE samples on a 0-255
// scale, the same scale browsers report from an AnalyserNode.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum / float64(n) / 32768.0 * 255.0
}

// Int16s converts PCM16LE bytes to samples.
func Int16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// Bytes converts samples to PCM16LE bytes.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
