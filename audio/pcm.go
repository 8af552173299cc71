package audio

// Float32ToPCM16LE quantizes [-1,1] float samples to 16-bit little-endian
// PCM. Values outside [-1,1] are clamped here, at the wire boundary; the
// resampler itself never clamps.
func Float32ToPCM16LE(in []float32) []byte {
	out := make([]byte, len(in)*2)
	for i, f := range in {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		v := int16(f * 32767)
		// little-endian
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

// PCM16LEToFloat32 expands 16-bit little-endian PCM back to float samples in
// [-1,1]. A trailing odd byte is ignored.
func PCM16LEToFloat32(in []byte) []float32 {
	out := make([]float32, len(in)/2)
	for i := range out {
		v := int16(in[2*i]) | int16(in[2*i+1])<<8
		out[i] = float32(v) / 32767
	}
	return out
}

// Int16SliceToByteSlice converts int16 audio samples to little-endian bytes.
func Int16SliceToByteSlice(in []int16) []byte {
	out := make([]byte, len(in)*2)
	for i, v := range in {
		// little-endian
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

// Silence returns n bytes of PCM16 silence. 320 bytes is 10ms at 16kHz.
func Silence(n int) []byte {
	return make([]byte, n)
}
