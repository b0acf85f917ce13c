// Package ratecontrol implements the sender bitrate controller of spec
// §4.5: a PID loop on frame-rate error feeding a bitrate formula with
// jitter-aware damping and hysteresis on reconfiguration.
//
// Grounded on the teacher's sendHealth circuit breaker (client.go): a
// small piece of state reacting to a stream of observations with
// atomic counters and threshold crossings, generalized here from a
// binary trip/reset into continuous PID control.
package ratecontrol

import (
	"log/slog"
	"math"
	"time"
)

// Gains match spec §4.5's stated constants.
const (
	Kp = 0.2
	Ki = 0.05
	Kd = 0.02

	DeadbandFPS  = 0.5
	OutputMin    = 0.0
	OutputMax    = 50.0
	HysteresisPc = 0.20

	MinUpdateInterval = 50 * time.Millisecond
	MaxUpdateInterval = 1000 * time.Millisecond

	WarmupSamples = 3
	FPSHistoryLen = 10
)

// Controller tracks one sender stream's PID state and its last
// reconfigured bitrate.
type Controller struct {
	targetFPS   float64
	idealKbps   float64
	minKbps     float64
	maxKbps     float64

	integral    float64
	lastError   float64
	haveLast    bool
	lastUpdate  time.Time
	haveUpdate  bool

	fpsHistory  []float64
	samples     int

	currentKbps float64
	haveCurrent bool
}

// NewController seeds a controller for one sender stream. idealKbps is
// the codec's nominal bitrate for the current resolution/framerate,
// and every computed sample is clamped to 0.1x-1.5x of it. min/maxKbps
// clamp only the fallback bitrate used when a computed sample is NaN
// or infinite.
func NewController(targetFPS, idealKbps, minKbps, maxKbps float64) *Controller {
	return &Controller{targetFPS: targetFPS, idealKbps: idealKbps, minKbps: minKbps, maxKbps: maxKbps}
}

// Update folds in one diagnostics sample (receivedFPS, observed at
// now) and returns the bitrate the encoder should use next, plus
// whether the caller should actually reconfigure the encoder (the
// 20% hysteresis gate).
func (c *Controller) Update(receivedFPS float64, now time.Time) (kbps float64, reconfigure bool) {
	if !c.haveUpdate {
		c.lastUpdate = now
		c.haveUpdate = true
		c.pushHistory(receivedFPS)
		c.samples++
		return c.currentOrIdeal(), false
	}

	dt := now.Sub(c.lastUpdate)
	if dt < MinUpdateInterval || dt > MaxUpdateInterval {
		return c.currentOrIdeal(), false
	}
	c.lastUpdate = now

	c.pushHistory(receivedFPS)
	c.samples++

	errVal := c.targetFPS - receivedFPS
	if math.Abs(errVal) < DeadbandFPS {
		errVal = 0
	}

	c.integral += errVal * dt.Seconds()
	derivative := 0.0
	if c.haveLast {
		derivative = (errVal - c.lastError) / dt.Seconds()
	}
	c.lastError = errVal
	c.haveLast = true

	pidOutput := Kp*errVal + Ki*c.integral + Kd*derivative
	pidOutput = clamp(pidOutput, OutputMin, OutputMax)

	if c.samples < WarmupSamples {
		// Initialization grace: report the ideal/current bitrate but do
		// not let PID output move it yet.
		return c.currentOrIdeal(), false
	}

	jitter := stddev(c.fpsHistory)
	jitterNorm := 1.0
	if c.targetFPS > 0 {
		jitterNorm = math.Min(1.0, jitter/c.targetFPS*5)
	}

	afterPID := c.idealKbps - 3000*pidOutput
	final := afterPID * (1 - 0.2*jitterNorm)

	if math.IsNaN(final) || math.IsInf(final, 0) {
		final = clamp(c.idealKbps, c.minKbps, c.maxKbps)
		slog.Warn("ratecontrol: NaN/out-of-band bitrate, reverting to clamped ideal", "ideal_kbps", c.idealKbps)
	} else {
		final = clamp(final, 0.1*c.idealKbps, 1.5*c.idealKbps)
	}

	reconfigure = false
	if c.haveCurrent && c.currentKbps > 0 {
		delta := math.Abs(final-c.currentKbps) / c.currentKbps
		reconfigure = delta > HysteresisPc
	} else {
		reconfigure = true
	}

	if reconfigure {
		c.currentKbps = final
		c.haveCurrent = true
	}
	return c.currentKbps, reconfigure
}

func (c *Controller) currentOrIdeal() float64 {
	if c.haveCurrent {
		return c.currentKbps
	}
	return c.idealKbps
}

func (c *Controller) pushHistory(fps float64) {
	c.fpsHistory = append(c.fpsHistory, fps)
	if len(c.fpsHistory) > FPSHistoryLen {
		c.fpsHistory = c.fpsHistory[len(c.fpsHistory)-FPSHistoryLen:]
	}
}

func stddev(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))

	variance := 0.0
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vals))
	return math.Sqrt(variance)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
