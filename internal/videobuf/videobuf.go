// Package videobuf implements the video reorder buffer of spec
// §4.3.1: a bounded map keyed by sequence number that reorders
// incoming video packets before they reach the decoder, detects sender
// restarts, and fast-forwards past unrecoverable gaps.
//
// The teacher has no video path (it's a voice-only relay), so this
// package is new, but it follows the same bounded-state-with-policy
// idiom as the teacher's cachedDatagram NACK ring in client.go and the
// audio jitter buffer it shares a module with.
package videobuf

import "sort"

// Defaults match spec §4.3.1.
const (
	DefaultMinBuffer      = 5
	DefaultMaxBuffer      = 20
	DefaultMaxSequenceGap = 100
)

// Packet is one buffered video frame.
type Packet struct {
	Sequence  uint32
	Timestamp uint32
	Keyframe  bool
	Payload   []byte
}

// Config bounds a Buffer's behavior.
type Config struct {
	MinBuffer      int
	MaxBuffer      int
	MaxSequenceGap uint32
}

func DefaultConfig() Config {
	return Config{MinBuffer: DefaultMinBuffer, MaxBuffer: DefaultMaxBuffer, MaxSequenceGap: DefaultMaxSequenceGap}
}

// Event reports a side effect Insert caused, so the caller can emit
// RTCP feedback (PLI) or telemetry without the buffer depending on
// those packages directly.
type Event int

const (
	EventNone Event = iota
	EventReset            // keyframe reset: pipeline state cleared, decoder should reinitialize
	EventFastForward      // skipped ahead to the lowest buffered sequence, dropping older entries
	EventSenderRestart    // gap exceeded MaxSequenceGap: treated as a new sender, awaiting keyframe
)

// Buffer reorders one stream's video packets by sequence number.
// Not safe for concurrent use; spec §5 assigns one buffer per peer's
// single-threaded receive pipeline.
type Buffer struct {
	cfg Config

	packets map[uint32]Packet
	current uint32 // highest sequence number observed, valid once haveCurrent
	haveCurrent bool

	awaitingKeyframe bool
}

func New(cfg Config) *Buffer {
	return &Buffer{cfg: cfg, packets: make(map[uint32]Packet), awaitingKeyframe: true}
}

// Insert applies spec §4.3.1's rules in order: sender-restart
// detection, keyframe reset, then ordinary buffering.
func (b *Buffer) Insert(p Packet) Event {
	if b.haveCurrent && seqDelta(p.Sequence, b.current) > b.cfg.MaxSequenceGap {
		b.reset()
		b.awaitingKeyframe = true
		b.current = p.Sequence // re-anchor on the restarted sender's sequence space
		if !p.Keyframe {
			return EventSenderRestart
		}
	}

	if b.awaitingKeyframe && !p.Keyframe {
		return EventNone // corrupt/non-keyframe packets dropped while waiting
	}

	ev := EventNone
	if p.Keyframe && b.haveCurrent && p.Sequence > b.current {
		belowMin := len(b.packets) < b.cfg.MinBuffer
		aboveHalfMax := len(b.packets) > b.cfg.MaxBuffer/2
		if belowMin || aboveHalfMax {
			b.reset()
			ev = EventReset
		}
	}

	b.packets[p.Sequence] = p
	b.current = p.Sequence
	b.haveCurrent = true
	b.awaitingKeyframe = false
	return ev
}

func (b *Buffer) reset() {
	b.packets = make(map[uint32]Packet)
}

func seqDelta(a, b uint32) uint32 {
	if a >= b {
		return a - b
	}
	return b - a
}

// Drain returns the contiguous run of packets starting at the lowest
// buffered sequence, in order, once the buffer holds at least
// MinBuffer entries. It also applies the fast-forward rule: if the
// next expected sequence is missing but the buffer has filled past
// two-thirds of MaxSequenceGap, it skips to the lowest buffered
// sequence and drops everything older.
func (b *Buffer) Drain(nextExpected uint32, haveNextExpected bool) ([]Packet, Event) {
	if len(b.packets) < b.cfg.MinBuffer {
		return nil, EventNone
	}

	ev := EventNone
	start := nextExpected
	if !haveNextExpected {
		start = b.lowestSequence()
	} else if _, ok := b.packets[nextExpected]; !ok {
		threshold := b.cfg.MaxSequenceGap * 2 / 3
		if uint32(len(b.packets)) > threshold {
			start = b.lowestSequence()
			b.dropBelow(start)
			ev = EventFastForward
		} else {
			return nil, EventNone
		}
	}

	var out []Packet
	seq := start
	for {
		p, ok := b.packets[seq]
		if !ok {
			break
		}
		out = append(out, p)
		delete(b.packets, seq)
		seq++
	}
	return out, ev
}

func (b *Buffer) lowestSequence() uint32 {
	seqs := b.sortedSequences()
	if len(seqs) == 0 {
		return 0
	}
	return seqs[0]
}

func (b *Buffer) dropBelow(seq uint32) {
	for s := range b.packets {
		if s < seq {
			delete(b.packets, s)
		}
	}
}

func (b *Buffer) sortedSequences() []uint32 {
	out := make([]uint32, 0, len(b.packets))
	for s := range b.packets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of packets currently buffered.
func (b *Buffer) Len() int { return len(b.packets) }

// AwaitingKeyframe reports whether the buffer is currently discarding
// non-keyframe packets pending a sender restart or initial join.
func (b *Buffer) AwaitingKeyframe() bool { return b.awaitingKeyframe }
