package jitter

import "time"

// DelayManager implements spec §4.3.2's adaptive target delay: a
// quantile-tracking histogram of 100 buckets of 20ms, fed not with raw
// jitter but with a running "relative arrival delay" — the cumulative
// sum of (actual inter-arrival - expected inter-arrival), clamped at
// zero — sampled once per resample interval rather than per packet.
type DelayManager struct {
	bucketWidth      time.Duration
	numBuckets       int
	quantile         float64
	forgetFactor     float64
	startupBoost     float64
	startupResamples int
	resampleInterval time.Duration
	minDelay, maxDelay time.Duration

	histogram []float64 // probability mass per bucket, sums to ~1

	relativeDelay time.Duration // running, clamped-at-zero accumulator

	lastArrival   time.Time
	lastTimestamp uint32
	haveLast      bool
	sampleRate    uint32

	intervalStart   time.Time
	intervalMax     time.Duration
	haveInterval    bool
	resamples       int
}

// DelayManagerConfig mirrors spec §4.3.2's named constants.
type DelayManagerConfig struct {
	BucketWidth      time.Duration // 20ms
	NumBuckets       int           // 100
	Quantile         float64       // 0.97
	ForgetFactor     float64       // 0.9993
	StartupBoost     float64       // 2.0x, applied until enough resamples are in
	StartupResamples int           // number of resamples before the boost is dropped
	ResampleInterval time.Duration // 500ms
	MinDelay         time.Duration
	MaxDelay         time.Duration
}

func DefaultDelayManagerConfig() DelayManagerConfig {
	return DelayManagerConfig{
		BucketWidth:      20 * time.Millisecond,
		NumBuckets:       100,
		Quantile:         0.97,
		ForgetFactor:     0.9993,
		StartupBoost:     2.0,
		StartupResamples: 10,
		ResampleInterval: 500 * time.Millisecond,
		MinDelay:         20 * time.Millisecond,
		MaxDelay:         2000 * time.Millisecond,
	}
}

func NewDelayManager(cfg DelayManagerConfig, sampleRate uint32) *DelayManager {
	return &DelayManager{
		bucketWidth:      cfg.BucketWidth,
		numBuckets:       cfg.NumBuckets,
		quantile:         cfg.Quantile,
		forgetFactor:     cfg.ForgetFactor,
		startupBoost:     cfg.StartupBoost,
		startupResamples: cfg.StartupResamples,
		resampleInterval: cfg.ResampleInterval,
		minDelay:         cfg.MinDelay,
		maxDelay:         cfg.MaxDelay,
		histogram:        make([]float64, cfg.NumBuckets),
		sampleRate:       sampleRate,
	}
}

// Update folds in one packet's arrival. It maintains the running
// relative-arrival-delay accumulator and, once per resampleInterval,
// registers the interval's maximum observed value into the histogram.
func (d *DelayManager) Update(ts uint32, arrival time.Time) {
	if !d.haveLast {
		d.lastArrival = arrival
		d.lastTimestamp = ts
		d.haveLast = true
		d.intervalStart = arrival
		d.haveInterval = true
		return
	}

	expectedSamples := int64(ts) - int64(d.lastTimestamp)
	var expectedDur time.Duration
	if d.sampleRate > 0 {
		expectedDur = time.Duration(expectedSamples) * time.Second / time.Duration(d.sampleRate)
	}
	actualDur := arrival.Sub(d.lastArrival)

	d.relativeDelay += actualDur - expectedDur
	if d.relativeDelay < 0 {
		d.relativeDelay = 0
	}
	if d.relativeDelay > d.intervalMax {
		d.intervalMax = d.relativeDelay
	}

	d.lastArrival = arrival
	d.lastTimestamp = ts

	if !d.haveInterval {
		d.intervalStart = arrival
		d.haveInterval = true
	}
	if arrival.Sub(d.intervalStart) >= d.resampleInterval {
		d.registerResample(d.intervalMax)
		d.intervalMax = 0
		d.intervalStart = arrival
	}
}

func (d *DelayManager) registerResample(delay time.Duration) {
	bucket := int(delay / d.bucketWidth)
	if bucket >= d.numBuckets {
		bucket = d.numBuckets - 1
	}
	if bucket < 0 {
		bucket = 0
	}

	sum := 0.0
	for i := range d.histogram {
		d.histogram[i] *= d.forgetFactor
		sum += d.histogram[i]
	}
	d.histogram[bucket] += 1 - d.forgetFactor
	sum += 1 - d.forgetFactor
	if sum > 0 {
		for i := range d.histogram {
			d.histogram[i] /= sum
		}
	}
	d.resamples++
}

// TargetDelay returns (1 + quantile_bucket_index) * bucketWidth,
// clamped to [minDelay, maxDelay], with a startup boost while still
// warming up. The initial target (before any resample) is
// max(80ms, minDelay) per spec §4.3.2.
func (d *DelayManager) TargetDelay() time.Duration {
	if d.resamples == 0 {
		initial := 80 * time.Millisecond
		if d.minDelay > initial {
			initial = d.minDelay
		}
		return d.clamp(initial)
	}

	cumulative := 0.0
	bucket := d.numBuckets - 1
	for i, mass := range d.histogram {
		cumulative += mass
		if cumulative >= d.quantile {
			bucket = i
			break
		}
	}
	target := time.Duration(bucket+1) * d.bucketWidth

	if d.resamples < d.startupResamples {
		target = time.Duration(float64(target) * d.startupBoost)
	}
	return d.clamp(target)
}

func (d *DelayManager) clamp(v time.Duration) time.Duration {
	if d.minDelay > 0 && v < d.minDelay {
		return d.minDelay
	}
	if d.maxDelay > 0 && v > d.maxDelay {
		return d.maxDelay
	}
	return v
}

// Resamples reports how many histogram updates have occurred.
func (d *DelayManager) Resamples() int { return d.resamples }
