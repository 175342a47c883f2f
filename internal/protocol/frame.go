// Package protocol implements the framed binary wire format: a fixed
// 12-byte header, a variable-length payload, and a CRC32 trailer.
package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/s2"
)

// Magic is the fixed 32-bit frame marker, the ASCII bytes "NOSQ".
const Magic uint32 = 0x4E4F5351

// Version is the only wire protocol version this codec understands.
const Version uint16 = 1

// MaxPayloadLen bounds payload_len at 100 MiB.
const MaxPayloadLen = 100 * 1024 * 1024

// HeaderLen is the fixed header size in bytes.
const HeaderLen = 4 + 2 + 1 + 1 + 4

// TrailerLen is the CRC32 trailer size in bytes.
const TrailerLen = 4

// Type identifies the kind of message a frame carries.
type Type uint8

const (
	TypeHandshake     Type = 0x01
	TypeAuthentication Type = 0x02
	TypeCommand       Type = 0x03
	TypeResponse      Type = 0x04
	TypeError         Type = 0x05
	TypePing          Type = 0x06
	TypePong          Type = 0x07
	TypeTransaction   Type = 0x08
	TypeBulkOperation Type = 0x09
	TypeNotification  Type = 0x0A
)

func (t Type) Known() bool {
	switch t {
	case TypeHandshake, TypeAuthentication, TypeCommand, TypeResponse, TypeError,
		TypePing, TypePong, TypeTransaction, TypeBulkOperation, TypeNotification:
		return true
	default:
		return false
	}
}

// Flags is an 8-bit bitset of frame modifiers.
type Flags uint8

const (
	FlagCompressed Flags = 0x01
	FlagRequireAck Flags = 0x02
	FlagEncrypted  Flags = 0x04
	FlagEndOfBatch Flags = 0x08

	knownFlags = FlagCompressed | FlagRequireAck | FlagEncrypted | FlagEndOfBatch
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// UnsupportedFlags reports any bits set outside the known flag set.
func (f Flags) UnsupportedFlags() bool { return f&^knownFlags != 0 }

// Message is a decoded frame: type, flags, and the (decompressed) payload.
type Message struct {
	Type    Type
	Flags   Flags
	Payload []byte
}

// Encode writes the framed representation of m to w. If m.Flags carries
// FlagCompressed, the payload is compressed with s2 (a Snappy-compatible
// codec) before the CRC is computed, matching how a compressed frame is
// observed on the wire by a peer.
func Encode(w io.Writer, m Message) error {
	payload := m.Payload
	if m.Flags.Has(FlagCompressed) {
		payload = s2.Encode(nil, payload)
	}
	if len(payload) > MaxPayloadLen {
		return fmt.Errorf("payload length %d exceeds max %d", len(payload), MaxPayloadLen)
	}

	header := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(header[0:4], Magic)
	binary.BigEndian.PutUint16(header[4:6], Version)
	header[6] = byte(m.Type)
	header[7] = byte(m.Flags)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	trailer := make([]byte, TrailerLen)
	binary.BigEndian.PutUint32(trailer, crc32.ChecksumIEEE(payload))
	_, err := w.Write(trailer)
	return err
}

// Decode reads and validates one frame from r, in the order the spec
// requires: magic, version, type, payload length range, byte count, CRC.
// A failure after the header has been read returns a *FrameError carrying
// PROTOCOL_ERROR-equivalent detail; an error while reading the header
// itself (including io.EOF) is returned as the reader reported it. The
// caller (the connection handler) owns mapping it to a wire Error response
// and closing the connection.
func Decode(r io.Reader) (Message, error) {
	header := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Message{}, err
	}

	magic := binary.BigEndian.Uint32(header[0:4])
	if magic != Magic {
		return Message{}, &FrameError{Reason: "bad magic"}
	}
	version := binary.BigEndian.Uint16(header[4:6])
	if version != Version {
		return Message{}, &FrameError{Reason: "unsupported version"}
	}
	typ := Type(header[6])
	if !typ.Known() {
		return Message{}, &FrameError{Reason: "unknown message type"}
	}
	flags := Flags(header[7])
	payloadLen := int32(binary.BigEndian.Uint32(header[8:12]))
	if payloadLen < 0 || payloadLen > MaxPayloadLen {
		return Message{}, &FrameError{Reason: "payload length out of range"}
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, &FrameError{Reason: "short read", Cause: err}
		}
	}

	trailer := make([]byte, TrailerLen)
	if _, err := io.ReadFull(r, trailer); err != nil {
		return Message{}, &FrameError{Reason: "short trailer read", Cause: err}
	}
	want := binary.BigEndian.Uint32(trailer)
	got := crc32.ChecksumIEEE(payload)
	if want != got {
		return Message{}, &FrameError{Reason: "crc mismatch"}
	}

	if flags.Has(FlagCompressed) {
		decoded, err := s2.Decode(nil, payload)
		if err != nil {
			return Message{}, &FrameError{Reason: "decompress failed", Cause: err}
		}
		payload = decoded
	}

	return Message{Type: typ, Flags: flags, Payload: payload}, nil
}

// FrameError describes why a frame failed decode-time validation.
type FrameError struct {
	Reason string
	Cause  error
}

func (e *FrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("protocol: %s", e.Reason)
}

func (e *FrameError) Unwrap() error { return e.Cause }
