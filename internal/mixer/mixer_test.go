package mixer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMixCombinesMultiplePeers(t *testing.T) {
	m := New()
	m.Register("alice")
	m.Register("bob")

	a := make([]int16, frameSamples)
	b := make([]int16, frameSamples)
	for i := range a {
		a[i] = 1000
		b[i] = 2000
	}
	m.Submit("alice", a)
	m.Submit("bob", b)

	out := m.Mix()
	require.Len(t, out, frameSamples)
	require.Greater(t, int(out[0]), 2000, "mixed output should reflect both peers, roughly summed")
}

func TestMixNeverHardClipsBeyondInt16Range(t *testing.T) {
	m := New()
	m.Register("loud1")
	m.Register("loud2")
	m.Register("loud3")

	loud := make([]int16, frameSamples)
	for i := range loud {
		loud[i] = 32767
	}
	m.Submit("loud1", loud)
	m.Submit("loud2", loud)
	m.Submit("loud3", loud)

	out := m.Mix()
	for _, s := range out {
		require.LessOrEqual(t, int(s), 32767)
		require.GreaterOrEqual(t, int(s), -32768)
	}
}

func TestSetVolumeScalesPeerOutput(t *testing.T) {
	m := New()
	m.Register("alice")
	m.SetVolume("alice", 0.0)

	frame := make([]int16, frameSamples)
	for i := range frame {
		frame[i] = 10000
	}
	m.Submit("alice", frame)

	out := m.Mix()
	for _, s := range out {
		require.Equal(t, int16(0), s, "zero volume should mute the peer entirely")
	}
}

func TestUnregisterRemovesPeerFromMix(t *testing.T) {
	m := New()
	m.Register("alice")
	frame := make([]int16, frameSamples)
	for i := range frame {
		frame[i] = 5000
	}
	m.Submit("alice", frame)
	m.Unregister("alice")

	out := m.Mix()
	for _, s := range out {
		require.Equal(t, int16(0), s)
	}
}
