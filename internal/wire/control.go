package wire

// ConnectionMsg is the JSON payload of a CONNECTION PacketWrapper.
// Sent by the client on handshake (room to join) and by the server in
// reply (MEETING_STARTED / MEETING_ENDED).
type ConnectionMsg struct {
	Type      string `json:"type"` // "join", "meeting_started", "meeting_ended"
	RoomID    string `json:"room_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	StartTime int64  `json:"start_time_ms,omitempty"`
	CreatorID string `json:"creator_id,omitempty"`
}

const (
	ConnectionJoin           = "join"
	ConnectionMeetingStarted = "meeting_started"
	ConnectionMeetingEnded   = "meeting_ended"
)

// DiagnosticsMsg is the JSON payload of a DIAGNOSTICS PacketWrapper,
// emitted by the receive pipeline per (sender, receiver, media) pair.
type DiagnosticsMsg struct {
	SenderEmail   string    `json:"sender_email"`
	ReceiverEmail string    `json:"receiver_email"`
	MediaType     MediaType `json:"media_type"`
	Timestamp     int64     `json:"ts_ms"`

	FramesReceived   uint64  `json:"frames_received"`
	FPS              float64 `json:"fps"`
	BytesReceived    uint64  `json:"bytes_received"`
	BitrateKbps      float64 `json:"bitrate_kbps"`

	JitterBufferMs   float64 `json:"jitter_buffer_ms,omitempty"`
	PacketsAwaiting  int     `json:"packets_awaiting,omitempty"`
	NormalRate       float64 `json:"op_normal_rate,omitempty"`
	AccelerateRate   float64 `json:"op_accelerate_rate,omitempty"`
	ExpandRate       float64 `json:"op_expand_rate,omitempty"`
	MergeRate        float64 `json:"op_merge_rate,omitempty"`
	ComfortNoiseRate float64 `json:"op_comfort_noise_rate,omitempty"`
}

// PeerHealth is one remote peer's entry inside a HealthMsg.
type PeerHealth struct {
	PeerEmail string          `json:"peer_email"`
	CanListen bool            `json:"can_listen"`
	CanSee    bool            `json:"can_see"`
	Audio     *DiagnosticsMsg `json:"audio,omitempty"`
	Video     *DiagnosticsMsg `json:"video,omitempty"`
}

// HealthMsg is the JSON payload of a HEALTH PacketWrapper, emitted by
// each endpoint roughly every 5s aggregating its view of every peer.
type HealthMsg struct {
	Email     string       `json:"email"`
	Timestamp int64        `json:"ts_ms"`
	Peers     []PeerHealth `json:"peers"`
}
