package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketWrapperRoundTrip(t *testing.T) {
	w := &PacketWrapper{
		Type:  PacketMedia,
		Email: "alice@example.com",
		Data:  []byte{1, 2, 3, 4, 5},
	}
	data := w.Marshal()

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, w.Type, got.Type)
	require.Equal(t, w.Email, got.Email)
	require.Equal(t, w.Data, got.Data)
}

func TestPacketWrapperRoundTripEmptyFields(t *testing.T) {
	w := &PacketWrapper{Type: PacketConnection, Email: "", Data: nil}
	data := w.Marshal()
	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, w.Type, got.Type)
	require.Equal(t, "", got.Email)
	require.Empty(t, got.Data)
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	_, err := Unmarshal([]byte{0})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestUnmarshalRejectsBadLengthPrefix(t *testing.T) {
	w := &PacketWrapper{Type: PacketHealth, Email: "bob", Data: []byte("x")}
	data := w.Marshal()
	// Corrupt the email length prefix to claim more bytes than exist.
	data[4] = 0xFF
	_, err := Unmarshal(data)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestMediaPacketRoundTrip(t *testing.T) {
	m := &MediaPacket{
		MediaType:  MediaVideo,
		Email:      "carol@example.com",
		Sequence:   42,
		Timestamp:  1700000000000,
		FrameType:  FrameKey,
		DurationMs: 33,
		Payload:    []byte{0xDE, 0xAD, 0xBE, 0xEF},
		Video:      &VideoMetadata{Width: 1280, Height: 720},
	}
	data := m.Marshal()

	got, err := UnmarshalMediaPacket(data)
	require.NoError(t, err)
	require.Equal(t, m.MediaType, got.MediaType)
	require.Equal(t, m.Email, got.Email)
	require.Equal(t, m.Sequence, got.Sequence)
	require.Equal(t, m.Timestamp, got.Timestamp)
	require.Equal(t, m.FrameType, got.FrameType)
	require.Equal(t, m.Payload, got.Payload)
	require.Equal(t, *m.Video, *got.Video)
}

func TestMediaPacketRoundTripAudio(t *testing.T) {
	m := &MediaPacket{
		MediaType: MediaAudio,
		Email:     "dave@example.com",
		Sequence:  7,
		Timestamp: 123,
		Audio:     &AudioMetadata{SSRC: 99, SampleRate: 48000, Channels: 2, DurationMs: 20},
		Payload:   []byte("opus-bytes"),
	}
	data := m.Marshal()
	got, err := UnmarshalMediaPacket(data)
	require.NoError(t, err)
	require.Equal(t, *m.Audio, *got.Audio)
	require.Equal(t, m.Payload, got.Payload)
}

func TestMediaPacketRoundTripHeartbeat(t *testing.T) {
	m := &MediaPacket{
		MediaType: MediaHeartbeat,
		Email:     "eve@example.com",
		Heartbeat: &HeartbeatMetadata{VideoEnabled: true, AudioEnabled: false, ScreenEnabled: true},
	}
	data := m.Marshal()
	got, err := UnmarshalMediaPacket(data)
	require.NoError(t, err)
	require.Equal(t, *m.Heartbeat, *got.Heartbeat)
}
