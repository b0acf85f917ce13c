package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/bken-media/fabric/internal/decoder"
	"github.com/bken-media/fabric/internal/diagnostics"
	"github.com/bken-media/fabric/internal/jitter"
	"github.com/bken-media/fabric/internal/mixer"
	"github.com/bken-media/fabric/internal/ratecontrol"
	"github.com/bken-media/fabric/internal/videobuf"
	"github.com/bken-media/fabric/internal/wire"
)

// maxConcealedGap bounds how many consecutive missing packets
// processAudio will synthesize comfort noise for; beyond this the gap
// is treated as a stream restart rather than ordinary loss, and no
// concealment is generated for it.
const maxConcealedGap = 5

// defaultFrameMs is assumed when a sender's AudioMetadata doesn't
// carry an explicit DurationMs, matching the common 20ms Opus frame.
const defaultFrameMs = 20

// audioPayloadType is the dynamic RTP payload type conventionally
// assigned to Opus (RFC 7587 leaves it negotiable; WebRTC stacks
// commonly settle on 111).
const audioPayloadType = 111

// inboundKey identifies one (remote sender, media type) stream as
// observed by one receiving session.
type inboundKey struct {
	sender string
	media  wire.MediaType
}

// inboundStream holds the receive-side smoothing state for one remote
// sender's media: audio runs through the NetEQ-style jitter buffer
// (spec §4.3.2), video/screen through the bounded reorder buffer (spec
// §4.3.1), and video additionally drives an adaptive bitrate
// controller (spec §4.5) off its own observed frame rate.
type inboundStream struct {
	jb            *jitter.Buffer
	dec           decoder.Decoder
	decConfigured bool

	// delay, cng, and the concealment/stretch state below drive the
	// audio-only adaptive playout machinery of spec §4.3.2: a target
	// delay estimate, the two time-stretch primitives, and comfort-noise
	// concealment for gaps in the popped sequence.
	delay             *jitter.DelayManager
	cng               *jitter.ComfortNoiseGenerator
	cngEnergy         float64
	cngReflection     []float64
	lastPoppedSeq     uint16
	haveLastPoppedSeq bool

	vb       *videobuf.Buffer
	rc       *ratecontrol.Controller
	nextSeq  uint32
	haveNext bool

	diag *diagnostics.StreamDiagnostics

	resets         uint64
	fastForwards   uint64
	senderRestarts uint64
}

// mediaPipeline is the per-session receive-side smoothing stage: every
// inbound MEDIA packet passes through it before the writer loop ever
// sees the bytes, so each receiver reorders and paces independently of
// every other (spec §4.3's "every receiver buffers independently").
type mediaPipeline struct {
	receiver string
	reporter *diagnostics.Reporter

	// mix and channel feed this receiver's decoded audio into its
	// room's shared mixer (spec §4.4). mix is nil before the session
	// has joined a room with an active mixer.
	mix     *mixer.Mixer
	channel mixer.ChannelID

	mu      sync.Mutex
	streams map[inboundKey]*inboundStream
}

func newMediaPipeline(receiver string, reporter *diagnostics.Reporter, mix *mixer.Mixer, channel mixer.ChannelID) *mediaPipeline {
	return &mediaPipeline{receiver: receiver, reporter: reporter, mix: mix, channel: channel, streams: make(map[inboundKey]*inboundStream)}
}

func (p *mediaPipeline) streamFor(sender string, media wire.MediaType) *inboundStream {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := inboundKey{sender: sender, media: media}
	if st, ok := p.streams[key]; ok {
		return st
	}

	st := &inboundStream{}
	if p.reporter != nil {
		st.diag = p.reporter.Stream(sender, p.receiver, media.String())
	} else {
		st.diag = diagnostics.NewStreamDiagnostics()
	}

	switch media {
	case wire.MediaAudio:
		st.jb = jitter.New(jitter.DefaultConfig())
		st.dec = decoder.NewPassThrough()
		st.cngReflection = []float64{0}
	case wire.MediaVideo, wire.MediaScreen:
		st.vb = videobuf.New(videobuf.DefaultConfig())
		st.rc = ratecontrol.NewController(30, 1500, 150, 4000)
	}
	p.streams[key] = st
	return st
}

// process runs one inbound MEDIA packet through its stream's smoothing
// stage and returns, in delivery order, the raw PacketWrapper bytes
// ready to forward to this session's writer loop. A nil/empty result
// means the packet was absorbed (buffered, deduplicated, or dropped
// while awaiting a keyframe) and nothing should be forwarded yet.
func (p *mediaPipeline) process(wrapper *wire.PacketWrapper, mp *wire.MediaPacket, now time.Time) [][]byte {
	st := p.streamFor(mp.Email, mp.MediaType)
	raw := wrapper.Marshal()

	switch mp.MediaType {
	case wire.MediaAudio:
		return st.processAudio(raw, mp, now, p.mix, p.channel)
	case wire.MediaVideo, wire.MediaScreen:
		return st.processVideo(raw, mp, now, p.receiver)
	default:
		return [][]byte{raw}
	}
}

// audioRTPHeader builds a standards-compliant RTP header from the
// MediaPacket's sequence/timestamp/SSRC fields and round-trips it
// through pion/rtp's wire marshal/unmarshal, the same header format an
// external RTP-aware tool (an SFU bridge, a packet capture) would
// expect. The round trip also catches a malformed field before it
// reaches the jitter buffer.
func audioRTPHeader(mp *wire.MediaPacket, ssrc uint32) (rtp.Header, error) {
	header := rtp.Header{
		Version:        2,
		PayloadType:    audioPayloadType,
		SequenceNumber: uint16(mp.Sequence),
		Timestamp:      uint32(mp.Timestamp),
		SSRC:           ssrc,
	}
	encoded, err := header.Marshal()
	if err != nil {
		return rtp.Header{}, fmt.Errorf("marshal rtp header: %w", err)
	}
	var parsed rtp.Header
	if _, err := parsed.Unmarshal(encoded); err != nil {
		return rtp.Header{}, fmt.Errorf("unmarshal rtp header: %w", err)
	}
	return parsed, nil
}

func (st *inboundStream) processAudio(raw []byte, mp *wire.MediaPacket, now time.Time, mix *mixer.Mixer, channel mixer.ChannelID) [][]byte {
	ssrc := uint32(0)
	sampleRate := uint32(48000)
	frameMs := uint16(defaultFrameMs)
	if mp.Audio != nil {
		ssrc = mp.Audio.SSRC
		if mp.Audio.SampleRate != 0 {
			sampleRate = mp.Audio.SampleRate
		}
		if mp.Audio.DurationMs != 0 {
			frameMs = mp.Audio.DurationMs
		}
	}

	header, err := audioRTPHeader(mp, ssrc)
	if err != nil {
		slog.Debug("session: dropping audio packet with invalid RTP header", "sender", mp.Email, "err", err)
		return nil
	}

	if st.delay == nil {
		st.delay = jitter.NewDelayManager(jitter.DefaultDelayManagerConfig(), sampleRate)
	}
	st.delay.Update(header.Timestamp, now)

	spanBeforePop := st.jb.SpanMs(sampleRate)

	res := st.jb.Insert(jitter.Packet{
		Sequence:    header.SequenceNumber,
		Timestamp:   header.Timestamp,
		SSRC:        header.SSRC,
		PayloadType: header.PayloadType,
		Marker:      header.Marker,
		Payload:     raw,
		SampleRate:  sampleRate,
	})
	if !res.Accepted {
		return nil
	}
	st.diag.RecordFrame(len(mp.Payload), now)

	target := st.delay.TargetDelay()

	var out [][]byte
	for {
		pkt, ok := st.jb.Pop()
		if !ok {
			break
		}
		out = append(out, pkt.Payload)

		if mix != nil {
			if st.haveLastPoppedSeq {
				st.concealGap(pkt.Sequence, sampleRate, frameMs, mix, channel)
			}
			st.lastPoppedSeq = pkt.Sequence
			st.haveLastPoppedSeq = true

			if pcm, ok := st.decodeForMixer(pkt.Payload); ok {
				st.updateComfortNoiseModel(pcm, mp.Email)
				pcm = st.applyTimeStretch(pcm, sampleRate, spanBeforePop, target)
				mix.Submit(channel, pcm)
			}
		} else {
			st.lastPoppedSeq = pkt.Sequence
			st.haveLastPoppedSeq = true
		}
	}

	jstats := st.jb.Stats()
	st.diag.SetNetEQStats(diagnostics.NetEQStats{
		BufferMs:        st.jb.SpanMs(sampleRate),
		PacketsAwaiting: jstats.Buffered,
		NormalOps:       jstats.InOrder,
		AccelerateOps:   jstats.Reordered,
		ExpandOps:       jstats.Overflows,
		ComfortNoiseOps: jstats.Discarded,
	})
	return out
}

// concealGap synthesizes one comfort-noise frame per packet missing
// between the last popped sequence number and seq (spec §4.3.2's
// packet-loss concealment), fed into the room mixer the same way a
// real decoded frame is. A gap larger than maxConcealedGap is treated
// as a stream restart rather than ordinary loss and isn't concealed.
func (st *inboundStream) concealGap(seq uint16, sampleRate uint32, frameMs uint16, mix *mixer.Mixer, channel mixer.ChannelID) {
	gap := int(seq) - int(st.lastPoppedSeq) - 1
	if gap < 0 {
		gap += 1 << 16
	}
	if gap <= 0 || gap > maxConcealedGap || st.cng == nil {
		return
	}
	frameSamples := int(sampleRate) * int(frameMs) / 1000
	if frameSamples <= 0 {
		return
	}
	for i := 0; i < gap; i++ {
		mix.Submit(channel, st.cng.Generate(frameSamples))
	}
}

// applyTimeStretch shrinks or grows one decoded PCM frame with the
// spec §4.3.2 time-stretch primitives when the buffered span has
// drifted far from the delay manager's current target: chronically
// over target shrinks (Accelerate), chronically under target grows
// (PreemptiveExpand). Near target, pcm passes through unchanged.
func (st *inboundStream) applyTimeStretch(pcm []int16, sampleRate uint32, currentMs int, target time.Duration) []int16 {
	if target <= 0 {
		return pcm
	}
	targetMs := int(target / time.Millisecond)
	switch {
	case currentMs > targetMs*2:
		if out, n := jitter.Accelerate(pcm, sampleRate); n > 0 {
			return out
		}
	case currentMs > 0 && currentMs < targetMs/2:
		if out, n := jitter.PreemptiveExpand(pcm, sampleRate); n > 0 {
			return out
		}
	}
	return pcm
}

// updateComfortNoiseModel folds one real decoded frame's energy and
// lag-1 autocorrelation into the stream's running comfort-noise model,
// smoothed the way spec §4.3.2 describes for SID parameters (energy
// beta=0.95, coefficient beta=0.9). This fabric has no codec that
// emits a real Silence-Insertion-Descriptor packet (spec's SID is a
// codec-side construct; see DESIGN.md), so the concealment model is
// seeded from the sender's own recently decoded audio instead.
func (st *inboundStream) updateComfortNoiseModel(pcm []int16, senderEmail string) {
	if len(pcm) < 2 {
		return
	}
	var energySq, r0, r1 float64
	for i, s := range pcm {
		f := float64(s)
		energySq += f * f
		r0 += f * f
		if i > 0 {
			r1 += f * float64(pcm[i-1])
		}
	}
	rms := math.Sqrt(energySq / float64(len(pcm)))

	k1 := 0.0
	if r0 > 0 {
		k1 = r1 / r0
		if k1 > 0.99 {
			k1 = 0.99
		}
		if k1 < -0.99 {
			k1 = -0.99
		}
	}

	const energyBeta = 0.95
	const coeffBeta = 0.9
	st.cngEnergy = energyBeta*st.cngEnergy + (1-energyBeta)*rms
	if len(st.cngReflection) == 0 {
		st.cngReflection = []float64{0}
	}
	st.cngReflection[0] = coeffBeta*st.cngReflection[0] + (1-coeffBeta)*k1

	reflection := append([]float64(nil), st.cngReflection...)
	if st.cng == nil {
		st.cng = jitter.NewComfortNoiseGenerator(st.cngEnergy, reflection, uint64(syntheticSSRC(senderEmail)))
	} else {
		st.cng.UpdateSID(st.cngEnergy, reflection)
	}
}

// decodeForMixer decodes one popped jitter-buffer entry (a marshaled
// PacketWrapper, per the pipeline's payload convention) into PCM for
// the room's shared mixer. Decode failures and non-PCM frames report
// ok=false: the mixer is an activity signal, not a delivery path the
// session blocks on.
func (st *inboundStream) decodeForMixer(wrapperBytes []byte) ([]int16, bool) {
	w, err := wire.Unmarshal(wrapperBytes)
	if err != nil {
		return nil, false
	}
	mp, err := wire.UnmarshalMediaPacket(w.Data)
	if err != nil {
		return nil, false
	}
	if !st.decConfigured {
		cfg := decoder.Config{SampleRate: 48000, Channels: 1}
		if mp.Audio != nil {
			if mp.Audio.SampleRate != 0 {
				cfg.SampleRate = mp.Audio.SampleRate
			}
			if mp.Audio.Channels != 0 {
				cfg.Channels = mp.Audio.Channels
			}
		}
		if err := st.dec.Configure(cfg); err != nil {
			return nil, false
		}
		st.decConfigured = true
	}
	frame, err := st.dec.Decode(context.Background(), mp.Payload, mp.FrameType == wire.FrameKey)
	if err != nil || frame.PCM == nil {
		return nil, false
	}
	return frame.PCM, true
}

func (st *inboundStream) processVideo(raw []byte, mp *wire.MediaPacket, now time.Time, receiver string) [][]byte {
	ev := st.vb.Insert(videobuf.Packet{
		Sequence:  uint32(mp.Sequence),
		Timestamp: uint32(mp.Timestamp),
		Keyframe:  mp.FrameType == wire.FrameKey,
		Payload:   raw,
	})
	switch ev {
	case videobuf.EventReset:
		st.resets++
		st.haveNext = false
		logKeyframeRequest(mp.Email, receiver, "reset")
	case videobuf.EventSenderRestart:
		st.senderRestarts++
		st.haveNext = false
		slog.Debug("session: sender restart on video stream", "sender", mp.Email, "receiver", receiver, "media", mp.MediaType)
	}
	st.diag.RecordFrame(len(mp.Payload), now)

	drained, drainEv := st.vb.Drain(st.nextSeq, st.haveNext)
	if drainEv == videobuf.EventFastForward {
		st.fastForwards++
		logKeyframeRequest(mp.Email, receiver, "fast_forward")
	}
	var out [][]byte
	for _, d := range drained {
		out = append(out, d.Payload)
	}
	if len(drained) > 0 {
		st.nextSeq = drained[len(drained)-1].Sequence + 1
		st.haveNext = true
	}

	st.diag.SetNetEQStats(diagnostics.NetEQStats{
		PacketsAwaiting: st.vb.Len(),
		MergeOps:        st.resets,
		ExpandOps:       st.fastForwards,
		AccelerateOps:   st.senderRestarts,
	})

	if st.rc != nil {
		if kbps, reconfigure := st.rc.Update(st.diag.Snapshot().FPS, now); reconfigure {
			slog.Debug("session: target bitrate changed", "sender", mp.Email, "receiver", receiver, "kbps", kbps)
		}
	}
	return out
}

// logKeyframeRequest structures a PLI-style feedback event the way a
// real RTP feedback channel would (pion/rtcp's PictureLossIndication),
// for the reorder buffer's keyframe-needed conditions. There is no
// addressed back-channel to the original sender in this fabric (spec
// §4.2's router is fan-out only), so the marshaled packet is logged
// rather than transmitted — the same scoped-down treatment as the
// sender rate controller's reconfigure signal.
func logKeyframeRequest(senderEmail, receiver, reason string) {
	pli := &rtcp.PictureLossIndication{MediaSSRC: syntheticSSRC(senderEmail)}
	encoded, err := pli.Marshal()
	if err != nil {
		return
	}
	slog.Debug("session: keyframe requested", "sender", senderEmail, "receiver", receiver, "reason", reason, "rtcp_bytes", len(encoded))
}

// syntheticSSRC derives a stable per-sender identifier for RTCP
// feedback packets; video streams carry no SSRC of their own in this
// fabric's wire format (unlike audio's AudioMetadata.SSRC).
func syntheticSSRC(senderEmail string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(senderEmail))
	return h.Sum32()
}
