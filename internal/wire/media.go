package wire

import (
	"encoding/binary"
	"fmt"
)

// MediaType distinguishes the four media streams a session may carry.
type MediaType uint8

const (
	MediaVideo MediaType = iota
	MediaAudio
	MediaScreen
	MediaHeartbeat
)

func (t MediaType) String() string {
	switch t {
	case MediaVideo:
		return "VIDEO"
	case MediaAudio:
		return "AUDIO"
	case MediaScreen:
		return "SCREEN"
	case MediaHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("MediaType(%d)", uint8(t))
	}
}

// ParseMediaType reverses MediaType.String for the known constants.
func ParseMediaType(s string) (MediaType, bool) {
	switch s {
	case "VIDEO":
		return MediaVideo, true
	case "AUDIO":
		return MediaAudio, true
	case "SCREEN":
		return MediaScreen, true
	case "HEARTBEAT":
		return MediaHeartbeat, true
	default:
		return 0, false
	}
}

// FrameType marks whether a video/screen payload is independently
// decodable (Key) or depends on prior frames (Delta).
type FrameType uint8

const (
	FrameDelta FrameType = iota
	FrameKey
)

// AudioMetadata describes the payload of an AUDIO MediaPacket.
type AudioMetadata struct {
	SSRC       uint32
	SampleRate uint32
	Channels   uint8
	DurationMs uint16
}

// VideoMetadata describes the payload of a VIDEO/SCREEN MediaPacket.
type VideoMetadata struct {
	Width  uint16
	Height uint16
}

// HeartbeatMetadata is carried by HEARTBEAT MediaPackets, reporting
// which media the sender currently has enabled.
type HeartbeatMetadata struct {
	VideoEnabled  bool
	AudioEnabled  bool
	ScreenEnabled bool
}

// MediaPacket is the decoded form of a PacketWrapper whose Type is
// PacketMedia. Sequence is monotonically increasing per (sender, media
// type) stream; Timestamp is the sender's wall clock in milliseconds.
type MediaPacket struct {
	MediaType  MediaType
	Email      string
	Sequence   uint64
	Timestamp  int64
	FrameType  FrameType
	DurationMs uint16
	Payload    []byte

	Audio     *AudioMetadata
	Video     *VideoMetadata
	Heartbeat *HeartbeatMetadata
}

// Marshal encodes the MediaPacket as a flat binary record. This is the
// format carried inside a PacketWrapper's Data field for PacketMedia.
func (m *MediaPacket) Marshal() []byte {
	buf := make([]byte, 0, 64+len(m.Payload))
	buf = append(buf, byte(m.MediaType))
	buf = appendLenPrefixed(buf, []byte(m.Email))

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], m.Sequence)
	buf = append(buf, seqBuf[:]...)

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(m.Timestamp))
	buf = append(buf, tsBuf[:]...)

	buf = append(buf, byte(m.FrameType))

	var durBuf [2]byte
	binary.BigEndian.PutUint16(durBuf[:], m.DurationMs)
	buf = append(buf, durBuf[:]...)

	switch m.MediaType {
	case MediaAudio:
		a := m.Audio
		if a == nil {
			a = &AudioMetadata{}
		}
		var ab [11]byte
		binary.BigEndian.PutUint32(ab[0:4], a.SSRC)
		binary.BigEndian.PutUint32(ab[4:8], a.SampleRate)
		ab[8] = a.Channels
		binary.BigEndian.PutUint16(ab[9:11], a.DurationMs)
		buf = append(buf, ab[:]...)
	case MediaVideo, MediaScreen:
		v := m.Video
		if v == nil {
			v = &VideoMetadata{}
		}
		var vb [4]byte
		binary.BigEndian.PutUint16(vb[0:2], v.Width)
		binary.BigEndian.PutUint16(vb[2:4], v.Height)
		buf = append(buf, vb[:]...)
	case MediaHeartbeat:
		h := m.Heartbeat
		if h == nil {
			h = &HeartbeatMetadata{}
		}
		buf = append(buf, boolByte(h.VideoEnabled), boolByte(h.AudioEnabled), boolByte(h.ScreenEnabled))
	}

	buf = appendLenPrefixed(buf, m.Payload)
	return buf
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// UnmarshalMediaPacket decodes the flat binary record produced by Marshal.
func UnmarshalMediaPacket(data []byte) (*MediaPacket, error) {
	if len(data) < 1+4 {
		return nil, fmt.Errorf("%w: media packet too short", ErrMalformed)
	}
	m := &MediaPacket{MediaType: MediaType(data[0])}
	rest := data[1:]

	email, rest, err := readLenPrefixed(rest)
	if err != nil {
		return nil, err
	}
	m.Email = string(email)

	if len(rest) < 8+8+1+2 {
		return nil, fmt.Errorf("%w: media packet truncated fixed fields", ErrMalformed)
	}
	m.Sequence = binary.BigEndian.Uint64(rest[0:8])
	m.Timestamp = int64(binary.BigEndian.Uint64(rest[8:16]))
	m.FrameType = FrameType(rest[16])
	m.DurationMs = binary.BigEndian.Uint16(rest[17:19])
	rest = rest[19:]

	switch m.MediaType {
	case MediaAudio:
		if len(rest) < 11 {
			return nil, fmt.Errorf("%w: audio metadata truncated", ErrMalformed)
		}
		m.Audio = &AudioMetadata{
			SSRC:       binary.BigEndian.Uint32(rest[0:4]),
			SampleRate: binary.BigEndian.Uint32(rest[4:8]),
			Channels:   rest[8],
			DurationMs: binary.BigEndian.Uint16(rest[9:11]),
		}
		rest = rest[11:]
	case MediaVideo, MediaScreen:
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: video metadata truncated", ErrMalformed)
		}
		m.Video = &VideoMetadata{
			Width:  binary.BigEndian.Uint16(rest[0:2]),
			Height: binary.BigEndian.Uint16(rest[2:4]),
		}
		rest = rest[4:]
	case MediaHeartbeat:
		if len(rest) < 3 {
			return nil, fmt.Errorf("%w: heartbeat metadata truncated", ErrMalformed)
		}
		m.Heartbeat = &HeartbeatMetadata{
			VideoEnabled:  rest[0] != 0,
			AudioEnabled:  rest[1] != 0,
			ScreenEnabled: rest[2] != 0,
		}
		rest = rest[3:]
	}

	payload, rest, err := readLenPrefixed(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after payload", ErrMalformed)
	}
	m.Payload = payload
	return m, nil
}
