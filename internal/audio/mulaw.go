package audio

// MulawToPCM16 expands G.711 mu-law bytes to PCM16LE.
func MulawToPCM16(b []byte) []byte {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		s := mulawDecode(v)
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

func mulawDecode(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	magnitude := ((int32(mantissa) << 3) + 0x84) << exponent
	magnitude -= 0x84
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}
