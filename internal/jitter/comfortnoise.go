package jitter

import "math"

// ComfortNoiseGenerator synthesizes concealment audio from a SID
// (silence insertion descriptor) update: a Gaussian noise excitation
// shaped by an all-pole filter whose coefficients come from the SID's
// reflection coefficients via the Levinson-Durbin recursion. This is
// the receive-side half of comfort noise generation described in spec
// §4.3.2 ("comfort noise synthesis (Box-Muller + Levinson-Durbin)").
type ComfortNoiseGenerator struct {
	energy float64 // target RMS energy of the synthesized excitation
	lpc    []float64

	// filter memory, one entry per LPC order, carried across calls so
	// consecutive synthesized blocks stay spectrally continuous.
	history []float64

	rngState uint64
	haveSpare bool
	spare     float64
}

// NewComfortNoiseGenerator seeds a generator from a SID's decoded
// energy level and reflection coefficients (each in (-1, 1)).
func NewComfortNoiseGenerator(energy float64, reflectionCoeffs []float64, seed uint64) *ComfortNoiseGenerator {
	return &ComfortNoiseGenerator{
		energy:   energy,
		lpc:      levinsonDurbin(reflectionCoeffs),
		history:  make([]float64, len(reflectionCoeffs)),
		rngState: seed | 1, // odd seed keeps the xorshift generator out of the 0 fixed point
	}
}

// UpdateSID refreshes the generator's target spectrum from a new SID
// packet without discarding filter memory, keeping the transition
// between consecutive comfort-noise segments smooth.
func (c *ComfortNoiseGenerator) UpdateSID(energy float64, reflectionCoeffs []float64) {
	c.energy = energy
	c.lpc = levinsonDurbin(reflectionCoeffs)
	if len(c.history) != len(reflectionCoeffs) {
		c.history = make([]float64, len(reflectionCoeffs))
	}
}

// Generate fills out with n synthesized PCM samples.
func (c *ComfortNoiseGenerator) Generate(n int) []int16 {
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		excitation := c.energy * c.gaussian()
		sample := excitation
		for j, coeff := range c.lpc {
			if j >= len(c.history) {
				break
			}
			sample += coeff * c.history[j]
		}
		c.pushHistory(sample)
		out[i] = clampToInt16(sample)
	}
	return out
}

func (c *ComfortNoiseGenerator) pushHistory(sample float64) {
	copy(c.history[1:], c.history[:len(c.history)-1])
	if len(c.history) > 0 {
		c.history[0] = sample
	}
}

func clampToInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// gaussian returns a standard-normal sample via the Box-Muller
// transform, drawing its uniform inputs from a deterministic xorshift64
// PRNG so synthesis is reproducible given the same seed.
func (c *ComfortNoiseGenerator) gaussian() float64 {
	if c.haveSpare {
		c.haveSpare = false
		return c.spare
	}
	u1 := c.uniform()
	u2 := c.uniform()
	if u1 <= 1e-12 {
		u1 = 1e-12
	}
	r := math.Sqrt(-2 * math.Log(u1))
	theta := 2 * math.Pi * u2
	c.spare = r * math.Sin(theta)
	c.haveSpare = true
	return r * math.Cos(theta)
}

func (c *ComfortNoiseGenerator) uniform() float64 {
	c.rngState ^= c.rngState << 13
	c.rngState ^= c.rngState >> 7
	c.rngState ^= c.rngState << 17
	return float64(c.rngState>>11) / float64(uint64(1)<<53)
}

// levinsonDurbin converts reflection coefficients (PARCOR values, the
// form a SID packet naturally carries) into direct-form LPC filter
// coefficients via the standard recursive step-up procedure.
func levinsonDurbin(reflection []float64) []float64 {
	order := len(reflection)
	if order == 0 {
		return nil
	}
	a := make([]float64, order)
	prev := make([]float64, order)

	a[0] = reflection[0]
	for i := 1; i < order; i++ {
		copy(prev, a)
		k := reflection[i]
		for j := 0; j < i; j++ {
			a[j] = prev[j] - k*prev[i-1-j]
		}
		a[i] = k
	}
	return a
}
