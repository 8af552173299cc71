// Package audio holds the capture-side resampling pipeline and the PCM16
// wire conversions shared by the server and the client.
package audio

import (
	"math"
)

const (
	// DefaultTargetRate is what the telephony and transcription backends
	// expect: 16kHz linear PCM mono.
	DefaultTargetRate = 16000

	// lowPassCutoffHz sits safely below the 8kHz Nyquist frequency of the
	// 16kHz target rate.
	lowPassCutoffHz = 7000.0

	// windowSeconds is the fixed processing window; capture callbacks of
	// arbitrary size are accumulated until one window is full.
	windowSeconds = 0.1
)

// Resampler converts a mono float stream at a native device rate down to a
// fixed target rate. It applies Catmull-Rom cubic interpolation at fractional
// read positions and a single-pole IIR low-pass filter for anti-aliasing.
// Filter state, the fractional read cursor and the last input sample carry
// over across windows, so consecutive windows resample as if they were one
// continuous stream.
//
// A Resampler is not safe for concurrent use; it belongs to a single capture
// goroutine.
type Resampler struct {
	nativeRate int
	targetRate int
	ratio      float64

	filterCoeff float64
	filterState float64
	accumulator float64
	lastSample  float64

	buf          []float32
	nativeWindow int
	maxFrames    int
}

// NewResampler creates a resampler from nativeRate Hz down to targetRate Hz.
// Upsampling is not supported; nativeRate must be >= targetRate.
func NewResampler(nativeRate, targetRate int) *Resampler {
	nativeWindow := int(math.Round(float64(nativeRate) * windowSeconds))
	return &Resampler{
		nativeRate:   nativeRate,
		targetRate:   targetRate,
		ratio:        float64(nativeRate) / float64(targetRate),
		filterCoeff:  lowPassCoeff(lowPassCutoffHz, nativeRate),
		buf:          make([]float32, 0, 2*nativeWindow),
		nativeWindow: nativeWindow,
		maxFrames:    2 * nativeWindow,
	}
}

// NativeRate returns the configured input rate in Hz.
func (r *Resampler) NativeRate() int { return r.nativeRate }

// TargetRate returns the configured output rate in Hz.
func (r *Resampler) TargetRate() int { return r.targetRate }

// Push appends captured samples and returns resampled output for every full
// 100ms native window that became available, or nil if no window filled up
// yet. The capture buffer is capped; samples beyond the cap within one call
// are discarded rather than growing the buffer without bound.
func (r *Resampler) Push(samples []float32) []float32 {
	if len(samples) == 0 {
		return nil
	}

	free := r.maxFrames - len(r.buf)
	if len(samples) > free {
		samples = samples[:free]
	}
	r.buf = append(r.buf, samples...)

	var out []float32
	for len(r.buf) >= r.nativeWindow {
		window := r.buf[:r.nativeWindow]
		out = append(out, r.Resample(window)...)
		r.buf = append(r.buf[:0], r.buf[r.nativeWindow:]...)
	}
	return out
}

// Resample converts one native-rate window directly, for callers that
// already chunk their capture. The output length is floor(N/ratio), possibly
// shorter when the fractional cursor exhausts the input first. An empty
// window returns nil without touching carry-over state.
func (r *Resampler) Resample(in []float32) []float32 {
	n := len(in)
	if n == 0 {
		return nil
	}

	outputLength := int(float64(n) / r.ratio)
	if outputLength == 0 {
		return nil
	}

	out := make([]float32, 0, outputLength)

	inputIndex := r.accumulator
	for len(out) < outputLength && inputIndex < float64(n) {
		intIndex := int(inputIndex)
		frac := inputIndex - float64(intIndex)

		// Neighbors for interpolation. The left edge falls back to the
		// previous window's last sample, the right edge repeats.
		s0 := r.lastSample
		if intIndex > 0 {
			s0 = float64(in[intIndex-1])
		}
		s1 := float64(in[intIndex])
		s2 := s1
		if intIndex+1 < n {
			s2 = float64(in[intIndex+1])
		}
		s3 := s2
		if intIndex+2 < n {
			s3 = float64(in[intIndex+2])
		}

		sample := cubicInterpolate(s0, s1, s2, s3, frac)

		// In-place single-pole low-pass; state advances once per output
		// sample.
		r.filterState += r.filterCoeff * (sample - r.filterState)
		out = append(out, float32(r.filterState))

		inputIndex += r.ratio
	}

	r.accumulator = inputIndex - float64(n)
	r.lastSample = float64(in[n-1])

	return out
}

// lowPassCoeff computes the single-pole low-pass filter coefficient
// dt/(rc+dt) for the given cutoff at the given sample rate.
func lowPassCoeff(cutoffHz float64, sampleRate int) float64 {
	rc := 1.0 / (2.0 * math.Pi * cutoffHz)
	dt := 1.0 / float64(sampleRate)
	return dt / (rc + dt)
}

// cubicInterpolate evaluates a Catmull-Rom spline through y0..y3 at t in
// [0,1) between y1 and y2. The result may transiently overshoot [-1,1];
// clamping happens at the wire-encoding boundary, not here.
func cubicInterpolate(y0, y1, y2, y3, t float64) float64 {
	t2 := t * t
	t3 := t2 * t

	a0 := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
	a1 := y0 - 2.5*y1 + 2.0*y2 - 0.5*y3
	a2 := -0.5*y0 + 0.5*y2
	a3 := y1

	return a0*t3 + a1*t2 + a2*t + a3
}
