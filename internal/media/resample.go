package media

// Resample converts 16-bit little-endian mono PCM from one sample rate to
// another by linear interpolation. Telephony audio is band-limited well
// below 4 kHz, so linear interpolation is adequate for the 16k/24k → 8k
// downsampling this engine performs.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || len(pcm) < 4 {
		return pcm
	}

	ratio := float64(fromRate) / float64(toRate)
	inSamples := len(pcm) / 2
	outSamples := int(float64(inSamples) / ratio)
	out := make([]byte, 0, outSamples*2)

	for i := 0; i < outSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 >= inSamples {
			break
		}

		s1 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s2 := int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		v := int16(float64(s1)*(1-frac) + float64(s2)*frac)

		out = append(out, byte(v&0xFF), byte((v>>8)&0xFF))
	}
	return out
}
