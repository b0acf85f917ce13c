// Package wire implements the binary PacketWrapper envelope and the
// MediaPacket payload it carries, per the fabric's wire protocol.
//
// Framing is always cleartext; MEDIA payloads may be end-to-end
// encrypted (see internal/crypto), but the router never inspects them.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType tags the payload carried by a PacketWrapper.
type PacketType uint8

const (
	PacketRSAPubKey PacketType = iota
	PacketAESKey
	PacketMedia
	PacketConnection
	PacketDiagnostics
	PacketHealth
)

func (t PacketType) String() string {
	switch t {
	case PacketRSAPubKey:
		return "RSA_PUB_KEY"
	case PacketAESKey:
		return "AES_KEY"
	case PacketMedia:
		return "MEDIA"
	case PacketConnection:
		return "CONNECTION"
	case PacketDiagnostics:
		return "DIAGNOSTICS"
	case PacketHealth:
		return "HEALTH"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// ErrMalformed is returned when a wire buffer is too short or internally
// inconsistent to decode. Callers should drop the packet, not the session.
var ErrMalformed = errors.New("wire: malformed packet")

// maxPacketBytes bounds a single PacketWrapper to guard against a
// corrupt length prefix requesting an enormous allocation.
const maxPacketBytes = 16 << 20 // 16 MiB, generous for a keyframe

// PacketWrapper is the tagged-union envelope every packet travels in,
// per spec §6. email identifies the sender; data is the type-specific
// (possibly encrypted) payload.
type PacketWrapper struct {
	Type  PacketType
	Email string
	Data  []byte
}

// Marshal encodes w as: [1 byte type][4 byte BE email len][email][4 byte BE data len][data].
func (w *PacketWrapper) Marshal() []byte {
	buf := make([]byte, 0, 1+4+len(w.Email)+4+len(w.Data))
	buf = append(buf, byte(w.Type))
	buf = appendLenPrefixed(buf, []byte(w.Email))
	buf = appendLenPrefixed(buf, w.Data)
	return buf
}

func appendLenPrefixed(buf, field []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, field...)
}

// Unmarshal decodes a PacketWrapper from its wire representation.
func Unmarshal(data []byte) (*PacketWrapper, error) {
	if len(data) > maxPacketBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds max", ErrMalformed, len(data))
	}
	if len(data) < 1+4 {
		return nil, fmt.Errorf("%w: too short for header", ErrMalformed)
	}
	w := &PacketWrapper{Type: PacketType(data[0])}
	rest := data[1:]

	email, rest, err := readLenPrefixed(rest)
	if err != nil {
		return nil, err
	}
	w.Email = string(email)

	payload, rest, err := readLenPrefixed(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	w.Data = payload
	return w, nil
}

func readLenPrefixed(buf []byte) (field, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("%w: missing length prefix", ErrMalformed)
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint64(n) > uint64(len(buf)) {
		return nil, nil, fmt.Errorf("%w: length prefix %d exceeds remaining %d", ErrMalformed, n, len(buf))
	}
	return buf[:n], buf[n:], nil
}
