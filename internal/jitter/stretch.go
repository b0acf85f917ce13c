package jitter

// Accelerate and PreemptiveExpand implement the two time-stretch
// primitives spec §4.3.2 calls for when the buffer runs chronically
// too full or too empty relative to the delay manager's target: shrink
// a block of PCM by removing one pitch-period-sized chunk with an
// overlap-add crossfade (Accelerate), or grow a block by repeating one
// such chunk the same way (PreemptiveExpand). Both take 16-bit PCM,
// return a newly allocated slice without modifying their input, and
// never change the caller-visible sample rate.

// minChunkSamples / maxChunkSamples bound the period searched for a
// good splice point, corresponding to a 66-400Hz pitch search window
// at a nominal 16kHz... scaled to the buffer's actual sample rate by
// the caller via chunkBounds.
const (
	minPeriodHz = 66
	maxPeriodHz = 400
)

func chunkBounds(sampleRate uint32) (min, max int) {
	if sampleRate == 0 {
		sampleRate = 16000
	}
	min = int(sampleRate) / maxPeriodHz
	max = int(sampleRate) / minPeriodHz
	if min < 1 {
		min = 1
	}
	if max <= min {
		max = min + 1
	}
	return min, max
}

// bestSplice finds the chunk length in [min,max] within pcm that
// minimizes discontinuity energy at the splice boundary, by picking
// the length whose two halves correlate best (a crude normalized
// cross-correlation pitch search, adequate for a concealment splice
// rather than a perceptual-quality vocoder).
func bestSplice(pcm []int16, min, max int) int {
	bestLen := min
	bestScore := -1.0
	for length := min; length <= max && 2*length <= len(pcm); length++ {
		a := pcm[:length]
		b := pcm[length : 2*length]
		score := normalizedCorrelation(a, b)
		if score > bestScore {
			bestScore = score
			bestLen = length
		}
	}
	return bestLen
}

func normalizedCorrelation(a, b []int16) float64 {
	var dot, na, nb float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (sqrt(na) * sqrt(nb))
}

func sqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	// Newton-Raphson; avoids importing math solely for one call site
	// that runs on a tiny (<=maxPeriodSamples) vector per splice.
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// Accelerate removes one pitch-period chunk from pcm, crossfading the
// seam, shrinking playout time without an audible click. Returns a
// newly allocated shortened slice and the number of samples removed;
// pcm itself is not modified.
func Accelerate(pcm []int16, sampleRate uint32) ([]int16, int) {
	min, max := chunkBounds(sampleRate)
	if len(pcm) < 2*max {
		return pcm, 0
	}
	length := bestSplice(pcm, min, max)

	out := make([]int16, len(pcm)-length)
	copy(out, pcm[:len(pcm)-2*length])
	crossfade(out[len(pcm)-2*length:], pcm[len(pcm)-2*length:len(pcm)-length], pcm[len(pcm)-length:])
	return out, length
}

// PreemptiveExpand appends a repeat of pcm's last pitch-period chunk,
// crossfading the end of the original block toward the period before
// it so the seam into the repeated chunk stays continuous, growing
// playout time to relieve an underflowing buffer.
func PreemptiveExpand(pcm []int16, sampleRate uint32) ([]int16, int) {
	min, max := chunkBounds(sampleRate)
	if len(pcm) < 2*max {
		return pcm, 0
	}
	length := bestSplice(pcm, min, max)
	chunk := pcm[len(pcm)-length:]

	out := make([]int16, len(pcm)+length)
	n := copy(out, pcm)
	copy(out[n:], chunk)
	crossfade(out[len(pcm)-length:len(pcm)], chunk, pcm[len(pcm)-2*length:len(pcm)-length])
	return out, length
}

// crossfade linearly blends a into b across dst's length, used at
// splice boundaries to avoid an audible discontinuity.
func crossfade(dst, a, b []int16) {
	n := len(dst)
	if n == 0 || len(a) < n || len(b) < n {
		return
	}
	for i := 0; i < n; i++ {
		w := float64(i) / float64(n)
		dst[i] = int16(float64(a[i])*(1-w) + float64(b[i])*w)
	}
}
