package audio

import (
	"bytes"
	"errors"
)

// ErrEmptyClip is returned when there is no audio to package.
var ErrEmptyClip = errors.New("audio: empty clip")

// Clip is one utterance ready for upload to a recognizer.
type Clip struct {
	Data        []byte
	Filename    string
	ContentType string
}

// Package joins captured chunks into a single uploadable clip. Raw formats
// are wrapped in WAV; container fragments get the stream header prepended
// when the first chunk is not the header itself.
func Package(f Format, header []byte, chunks [][]byte) (Clip, error) {
	var body bytes.Buffer
	for _, c := range chunks {
		body.Write(c)
	}
	if body.Len() == 0 {
		return Clip{}, ErrEmptyClip
	}
	switch f.Encoding {
	case EncodingPCM16, EncodingMulaw:
		pcm := body.Bytes()
		if f.Encoding == EncodingMulaw {
			pcm = MulawToPCM16(pcm)
		}
		data, err := EncodeWAV(pcm, f.SampleRate)
		if err != nil {
			return Clip{}, err
		}
		return Clip{Data: data, Filename: "input.wav", ContentType: "audio/wav"}, nil
	case EncodingOgg:
		return Clip{Data: withHeader(header, body.Bytes()), Filename: "input.ogg", ContentType: "audio/ogg"}, nil
	case EncodingMP3:
		return Clip{Data: body.Bytes(), Filename: "input.mp3", ContentType: "audio/mpeg"}, nil
	case EncodingWAV:
		return Clip{Data: body.Bytes(), Filename: "input.wav", ContentType: "audio/wav"}, nil
	default:
		return Clip{Data: withHeader(header, body.Bytes()), Filename: "input.webm", ContentType: "audio/webm"}, nil
	}
}

func withHeader(header, data []byte) []byte {
	if len(header) == 0 || bytes.HasPrefix(data, header) {
		return data
	}
	out := make([]byte, 0, len(header)+len(data))
	out = append(out, header...)
	return append(out, data...)
}
