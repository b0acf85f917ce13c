package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bken-media/fabric/internal/jitter"
	"github.com/bken-media/fabric/internal/mixer"
	"github.com/bken-media/fabric/internal/wire"
)

func audioWrapper(seq uint64, payload []byte) *wire.PacketWrapper {
	mp := &wire.MediaPacket{
		MediaType: wire.MediaAudio,
		Email:     "alice@example.com",
		Sequence:  seq,
		Timestamp: int64(seq) * 20,
		Payload:   payload,
		Audio:     &wire.AudioMetadata{SampleRate: 48000, Channels: 1},
	}
	return &wire.PacketWrapper{Type: wire.PacketMedia, Email: mp.Email, Data: mp.Marshal()}
}

func TestMediaPipelineFeedsDecodedAudioIntoRoomMixer(t *testing.T) {
	mix := mixer.New()
	channel := mixer.ChannelID("sess-a")
	mix.Register(channel)

	p := newMediaPipeline("bob@example.com", nil, mix, channel)

	payload := []byte{0x10, 0x00, 0x20, 0x00}
	w := audioWrapper(1, payload)
	mp, err := wire.UnmarshalMediaPacket(w.Data)
	require.NoError(t, err)

	out := p.process(w, mp, time.Now())
	require.NotEmpty(t, out, "jitter buffer should release the packet once accepted")

	pcm := mix.Mix()
	require.True(t, anyNonZero(pcm), "decoded PCM from the audio stream should reach the room mix")
}

func anyNonZero(samples []int16) bool {
	for _, s := range samples {
		if s != 0 {
			return true
		}
	}
	return false
}

func TestMediaPipelineSkipsMixerWhenRoomHasNone(t *testing.T) {
	p := newMediaPipeline("bob@example.com", nil, nil, "")

	w := audioWrapper(1, []byte{0x01, 0x00})
	mp, err := wire.UnmarshalMediaPacket(w.Data)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		p.process(w, mp, time.Now())
	})
}

func TestAudioRTPHeaderRoundTripsSequenceTimestampSSRC(t *testing.T) {
	mp := &wire.MediaPacket{
		MediaType: wire.MediaAudio,
		Sequence:  42,
		Timestamp: 960,
		Audio:     &wire.AudioMetadata{SSRC: 0xdeadbeef, SampleRate: 48000},
	}
	header, err := audioRTPHeader(mp, mp.Audio.SSRC)
	require.NoError(t, err)
	require.Equal(t, uint16(42), header.SequenceNumber)
	require.Equal(t, uint32(960), header.Timestamp)
	require.Equal(t, uint32(0xdeadbeef), header.SSRC)
	require.Equal(t, uint8(audioPayloadType), header.PayloadType)
}

// drainAllFrames pulls maxFrames mixed frames and concatenates them, to
// collect every sample a test's Submit calls fed into the ring.
func drainAllFrames(mix *mixer.Mixer, maxFrames int) []int16 {
	var all []int16
	for i := 0; i < maxFrames; i++ {
		all = append(all, mix.Mix()...)
	}
	return all
}

func TestConcealGapSynthesizesMissingFrames(t *testing.T) {
	mix := mixer.New()
	channel := mixer.ChannelID("sess-a")
	mix.Register(channel)

	st := &inboundStream{lastPoppedSeq: 2, haveLastPoppedSeq: true}
	st.cng = jitter.NewComfortNoiseGenerator(2000, []float64{0.3, -0.1}, 42)

	// seq 5 after lastPoppedSeq 2 means packets 3 and 4 never arrived:
	// a gap of 2 missing frames.
	st.concealGap(5, 48000, 20, mix, channel)

	samples := drainAllFrames(mix, 8)
	require.True(t, anyNonZero(samples), "concealed gap should feed synthesized comfort noise into the mixer")
}

func TestConcealGapSkipsBeyondMaxConcealedGap(t *testing.T) {
	mix := mixer.New()
	channel := mixer.ChannelID("sess-a")
	mix.Register(channel)

	st := &inboundStream{lastPoppedSeq: 0, haveLastPoppedSeq: true}
	st.cng = jitter.NewComfortNoiseGenerator(2000, []float64{0.3}, 42)

	// A gap of maxConcealedGap+1 is treated as a stream restart, not loss.
	st.concealGap(uint16(maxConcealedGap+2), 48000, 20, mix, channel)

	samples := drainAllFrames(mix, 8)
	require.False(t, anyNonZero(samples), "a gap beyond maxConcealedGap must not be concealed")
}

func TestConcealGapNoOpWithoutGeneratorYet(t *testing.T) {
	mix := mixer.New()
	channel := mixer.ChannelID("sess-a")
	mix.Register(channel)

	st := &inboundStream{lastPoppedSeq: 2, haveLastPoppedSeq: true}
	require.NotPanics(t, func() {
		st.concealGap(5, 48000, 20, mix, channel)
	})
}

func TestApplyTimeStretchAcceleratesWhenFarOverTarget(t *testing.T) {
	st := &inboundStream{}
	pcm := make([]int16, 2000)
	for i := range pcm {
		pcm[i] = int16((i % 100) * 100)
	}

	out := st.applyTimeStretch(pcm, 48000, 400, 80*time.Millisecond)
	require.Less(t, len(out), len(pcm), "chronically over target should shrink the frame")
}

func TestApplyTimeStretchExpandsWhenFarUnderTarget(t *testing.T) {
	st := &inboundStream{}
	pcm := make([]int16, 2000)
	for i := range pcm {
		pcm[i] = int16((i % 100) * 100)
	}

	out := st.applyTimeStretch(pcm, 48000, 10, 80*time.Millisecond)
	require.Greater(t, len(out), len(pcm), "chronically under target should grow the frame")
}

func TestApplyTimeStretchPassesThroughNearTarget(t *testing.T) {
	st := &inboundStream{}
	pcm := make([]int16, 2000)
	out := st.applyTimeStretch(pcm, 48000, 80, 80*time.Millisecond)
	require.Equal(t, len(pcm), len(out))
}

func TestUpdateComfortNoiseModelSeedsGeneratorFromDecodedPCM(t *testing.T) {
	st := &inboundStream{cngReflection: []float64{0}}
	pcm := make([]int16, 480)
	for i := range pcm {
		pcm[i] = int16(1000 * (i % 2))
	}

	require.Nil(t, st.cng)
	st.updateComfortNoiseModel(pcm, "alice@example.com")
	require.NotNil(t, st.cng, "first real frame should construct the comfort noise generator")
	require.Greater(t, st.cngEnergy, 0.0)

	out := st.cng.Generate(480)
	require.Len(t, out, 480)

	// A second frame should update the same generator in place, not
	// rebuild it, and keep the smoothed state finite.
	gen := st.cng
	st.updateComfortNoiseModel(pcm, "alice@example.com")
	require.Same(t, gen, st.cng)
	require.Greater(t, st.cngEnergy, 0.0)
}

func TestSyntheticSSRCIsStablePerSender(t *testing.T) {
	a := syntheticSSRC("alice@example.com")
	b := syntheticSSRC("alice@example.com")
	c := syntheticSSRC("bob@example.com")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
