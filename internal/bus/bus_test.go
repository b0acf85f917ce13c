package bus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bken-media/fabric/internal/telemetry"
)

func TestRoomSubjectFormat(t *testing.T) {
	require.Equal(t, "room.room-1.alice@example.com", roomSubject("room-1", "alice@example.com"))
}

func TestRoomWildcardFormat(t *testing.T) {
	require.Equal(t, "room.room-1.*", roomWildcard("room-1"))
}

func TestConnectionSubjectFormat(t *testing.T) {
	key := telemetry.ConnectionKey{Region: "us-east", Service: "fabric", Instance: "i-1"}
	require.Equal(t, "server.connections.us-east.fabric.i-1", connectionSubject(key))
}
