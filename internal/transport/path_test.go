package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLobbyPathAcceptsExactlyThreeSegments(t *testing.T) {
	p, err := ParseLobbyPath("/lobby/alice/room-123")
	require.NoError(t, err)
	require.Equal(t, "alice", p.UserID)
	require.Equal(t, "room-123", p.MeetingID)
}

func TestParseLobbyPathRejectsWrongSegmentCount(t *testing.T) {
	_, err := ParseLobbyPath("/lobby/alice")
	require.ErrorIs(t, err, ErrBadPath)

	_, err = ParseLobbyPath("/lobby/alice/room-123/extra")
	require.ErrorIs(t, err, ErrBadPath)
}

func TestParseLobbyPathRejectsWrongPrefix(t *testing.T) {
	_, err := ParseLobbyPath("/meeting/alice/room-123")
	require.ErrorIs(t, err, ErrBadPath)
}

func TestParseLobbyPathRejectsEmptySegments(t *testing.T) {
	_, err := ParseLobbyPath("/lobby//room-123")
	require.ErrorIs(t, err, ErrBadPath)
}
