// Package jitter implements a per-SSRC NetEQ-style audio jitter
// buffer (spec §4.3.2): insertion with eviction/flush policy, ordered
// peek/pop, an adaptive target-delay manager, time-stretch primitives,
// and comfort-noise synthesis for packet-loss concealment.
//
// It generalizes the ring-buffer jitter idiom of the teacher's
// client/internal/jitter package (priming, sequence-distance tracking,
// stale-stream pruning) into the fuller contract spec.md §4.3.2
// requires: a timestamp-ordered buffer with binary-search insertion,
// duplicate rejection, partial/full flush, and an adaptive delay target.
package jitter

import (
	"sort"
	"time"
)

// Packet is one jitter-buffered audio packet (spec §3 "Jitter-buffered
// packet"): an RTP-style header plus an opaque encoded payload.
type Packet struct {
	Sequence    uint16
	Timestamp   uint32 // RTP timestamp, in sample-rate units
	SSRC        uint32
	PayloadType uint8
	Marker      bool
	Payload     []byte

	SampleRate uint32
	Channels   uint8
	DurationMs uint16

	// arrival is wall-clock arrival time, used for age-based eviction
	// and delay estimation. Not part of the wire format.
	arrival time.Time
}

// Config bounds a Buffer's behavior. All fields have spec-documented
// defaults (spec §4.3.2).
type Config struct {
	MaxPacketAge  time.Duration // evict packets older than this on insert (default 2s)
	MaxPackets    int           // capacity before a full flush is forced
	TargetLevelMs int           // used to size partial-flush retention and span threshold

	// ReplayWindowMs bounds how far behind the last dequeued timestamp
	// an inserted packet may lag before it's rejected as stale, rather
	// than risking a re-delivery of already-played-out audio. 0
	// disables the check.
	ReplayWindowMs int
}

// DefaultConfig matches spec §4.3.2's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxPacketAge:   2 * time.Second,
		MaxPackets:     200,
		TargetLevelMs:  60,
		ReplayWindowMs: 1000,
	}
}

// Buffer is a per-SSRC jitter buffer, ordered by RTP timestamp. Not
// safe for concurrent use — spec §5 assigns one buffer per peer's
// single-threaded receive pipeline.
type Buffer struct {
	cfg Config

	packets        []Packet // sorted ascending by Timestamp
	lastPoppedTS   uint32
	havePopped     bool
	discardedTotal uint64
	overflowEvents uint64
	reorderedTotal uint64
	inOrderTotal   uint64

	nowFn func() time.Time
}

// New creates a Buffer with the given configuration.
func New(cfg Config) *Buffer {
	return &Buffer{cfg: cfg, nowFn: time.Now}
}

// Len returns the number of packets currently buffered.
func (b *Buffer) Len() int { return len(b.packets) }

// SpanMs returns the timestamp span (newest - oldest) converted to
// milliseconds at the given sample rate, or 0 if fewer than 2 packets
// are buffered.
func (b *Buffer) SpanMs(sampleRate uint32) int {
	if len(b.packets) < 2 || sampleRate == 0 {
		return 0
	}
	oldest := b.packets[0].Timestamp
	newest := b.packets[len(b.packets)-1].Timestamp
	diff := newest - oldest
	return int(uint64(diff) * 1000 / uint64(sampleRate))
}

// InsertResult reports what Insert actually did, for diagnostics.
type InsertResult struct {
	Accepted       bool
	Duplicate      bool
	TooOld         bool
	Reordered      bool
	ReorderDist    int
	PartialFlushed int
	FullFlushed    bool
	Evicted        int
}

// Insert applies spec §4.3.2's insertion contract:
//  1. Evict packets older than MaxPacketAge.
//  2. Reject a packet older than the last dequeued timestamp minus the
//     replay window (spec §3: never re-deliver already-played-out audio).
//  3. If span exceeds max(target, 500ms)*3, partial-flush down to target.
//  4. If still at capacity, full-flush (clear all).
//  5. Binary-search insert by timestamp; reject near-duplicates.
func (b *Buffer) Insert(p Packet) InsertResult {
	p.arrival = b.nowFn()
	var res InsertResult

	res.Evicted = b.evictOlderThan(p.arrival.Add(-b.cfg.MaxPacketAge))

	if b.havePopped && b.cfg.ReplayWindowMs > 0 && p.SampleRate > 0 {
		replaySamples := uint32(uint64(b.cfg.ReplayWindowMs) * uint64(p.SampleRate) / 1000)
		if int32(b.lastPoppedTS-p.Timestamp) > int32(replaySamples) {
			res.TooOld = true
			b.discardedTotal++
			return res
		}
	}

	targetMs := b.cfg.TargetLevelMs
	if targetMs < 500 {
		targetMs = 500
	}
	if b.SpanMs(p.SampleRate) > targetMs*3 {
		res.PartialFlushed = b.partialFlush(p.SampleRate)
	}

	if len(b.packets) >= b.cfg.MaxPackets {
		b.fullFlush()
		res.FullFlushed = true
		b.overflowEvents++
	}

	idx := sort.Search(len(b.packets), func(i int) bool {
		return b.packets[i].Timestamp >= p.Timestamp
	})

	if b.isDuplicateNear(idx, p) {
		res.Duplicate = true
		return res
	}

	res.Reordered = idx != len(b.packets)
	if res.Reordered {
		res.ReorderDist = len(b.packets) - idx
		b.reorderedTotal++
	} else {
		b.inOrderTotal++
	}

	b.packets = append(b.packets, Packet{})
	copy(b.packets[idx+1:], b.packets[idx:])
	b.packets[idx] = p
	res.Accepted = true
	return res
}

// isDuplicateNear rejects a packet matching (timestamp, sequence,
// ssrc) on the closest +/-1 neighbor positions, per spec §4.3.2.
func (b *Buffer) isDuplicateNear(idx int, p Packet) bool {
	for _, j := range []int{idx - 1, idx, idx + 1} {
		if j < 0 || j >= len(b.packets) {
			continue
		}
		n := b.packets[j]
		if n.Timestamp == p.Timestamp && n.Sequence == p.Sequence && n.SSRC == p.SSRC {
			return true
		}
	}
	return false
}

func (b *Buffer) evictOlderThan(cutoff time.Time) int {
	n := 0
	for n < len(b.packets) && b.packets[n].arrival.Before(cutoff) {
		n++
	}
	if n > 0 {
		b.discardedTotal += uint64(n)
		b.packets = append([]Packet(nil), b.packets[n:]...)
	}
	return n
}

// partialFlush drops oldest packets until the retained span covers
// at least targetLevelMs (spec §4.3.2 step 2).
func (b *Buffer) partialFlush(sampleRate uint32) int {
	if len(b.packets) == 0 {
		return 0
	}
	targetMs := b.cfg.TargetLevelMs
	dropped := 0
	for len(b.packets) > 1 {
		if targetMs <= 0 {
			break
		}
		// Stop before a drop would leave the retained span under target.
		newest := b.packets[len(b.packets)-1].Timestamp
		if int(uint64(newest-b.packets[1].Timestamp)*1000/uint64(sampleRate)) < targetMs {
			break
		}
		b.packets = b.packets[1:]
		dropped++
	}
	b.discardedTotal += uint64(dropped)
	return dropped
}

func (b *Buffer) fullFlush() {
	b.discardedTotal += uint64(len(b.packets))
	b.packets = nil
}

// PeekNextTimestamp returns the lowest buffered timestamp, or false if
// the buffer is empty.
func (b *Buffer) PeekNextTimestamp() (uint32, bool) {
	if len(b.packets) == 0 {
		return 0, false
	}
	return b.packets[0].Timestamp, true
}

// Pop removes and returns the oldest packet.
func (b *Buffer) Pop() (Packet, bool) {
	if len(b.packets) == 0 {
		return Packet{}, false
	}
	p := b.packets[0]
	b.packets = b.packets[1:]
	b.lastPoppedTS = p.Timestamp
	b.havePopped = true
	return p, true
}

// DiscardBefore evicts all packets with a timestamp strictly older
// than ts (RTP timestamp comparison, not wall-clock).
func (b *Buffer) DiscardBefore(ts uint32) int {
	n := 0
	for n < len(b.packets) && b.packets[n].Timestamp < ts {
		n++
	}
	if n > 0 {
		b.discardedTotal += uint64(n)
		b.packets = append([]Packet(nil), b.packets[n:]...)
	}
	return n
}

// Stats is a snapshot of cumulative buffer counters, used to populate
// DiagnosticsMsg (spec §4.5).
type Stats struct {
	Discarded  uint64
	Overflows  uint64
	Reordered  uint64
	InOrder    uint64
	Buffered   int
}

func (b *Buffer) Stats() Stats {
	return Stats{
		Discarded: b.discardedTotal,
		Overflows: b.overflowEvents,
		Reordered: b.reorderedTotal,
		InOrder:   b.inOrderTotal,
		Buffered:  len(b.packets),
	}
}
