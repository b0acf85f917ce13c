// Package decoder defines the capability-set contract spec §4.3.3/§9
// expects of a media decoder, plus a no-op pass-through implementation
// (actual codec implementations are out of scope per spec §1 — the
// pipeline only needs something that satisfies the interface so the
// jitter/videobuf -> decoder hand-off can be exercised end to end).
//
// Decode runs synchronously on the caller's goroutine: internal/session's
// receive pipeline calls it inline for each popped audio packet, and no
// per-peer decode goroutine or channel is started.
package decoder

import (
	"context"
	"fmt"
)

// State reports a decoder's current operating condition, surfaced in
// diagnostics (spec §4.5) and used by the receive pipeline to decide
// whether to keep feeding it or wait for a keyframe.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Config carries the codec parameters a Configure call negotiates.
type Config struct {
	Codec      string
	SampleRate uint32
	Channels   uint8
	Width      uint16
	Height     uint16
}

// Frame is one decoded unit handed back to the caller.
type Frame struct {
	PCM       []int16 // non-nil for audio
	Image     []byte  // non-nil for video (opaque, caller-defined pixel format)
	Timestamp uint32
}

// Decoder is the minimal capability set spec §9 calls for:
// {Configure, Decode, State}. Codec-specific implementations (Opus,
// VP8/H264, ...) would satisfy this interface; none ship here.
type Decoder interface {
	Configure(cfg Config) error
	Decode(ctx context.Context, payload []byte, keyframe bool) (Frame, error)
	State() State
}

// PassThrough is a no-op Decoder: Decode fails only when called before
// Configure. With an audio configuration (SampleRate or Channels set)
// it reads the payload as little-endian 16-bit PCM samples; otherwise
// it hands the payload back unchanged as an opaque image. It exists so
// the receive pipeline has a concrete Decoder to drive in tests and in
// deployments that haven't wired a real codec yet.
type PassThrough struct {
	cfg   Config
	state State
}

func NewPassThrough() *PassThrough {
	return &PassThrough{state: StateIdle}
}

func (p *PassThrough) Configure(cfg Config) error {
	p.cfg = cfg
	p.state = StateRunning
	return nil
}

func (p *PassThrough) Decode(ctx context.Context, payload []byte, keyframe bool) (Frame, error) {
	if p.state != StateRunning {
		return Frame{}, fmt.Errorf("decoder: not configured")
	}
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	default:
	}

	if p.cfg.Channels > 0 || p.cfg.SampleRate > 0 {
		pcm := make([]int16, len(payload)/2)
		for i := range pcm {
			pcm[i] = int16(payload[2*i]) | int16(payload[2*i+1])<<8
		}
		return Frame{PCM: pcm}, nil
	}
	return Frame{Image: payload}, nil
}

func (p *PassThrough) State() State { return p.state }

// Reset returns the decoder to StateIdle; Configure must be called
// again before the next Decode. The receive pipeline in
// internal/session does not call it: a failed Decode there only drops
// that frame from the room mix.
func (p *PassThrough) Reset() {
	p.state = StateIdle
}
