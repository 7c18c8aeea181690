// Package protocol defines the relay wire format: a stream of self-delimited
// messages, each framed as
//
//	[4-byte big-endian payload length][1-byte type][payload]
//
// The length covers the payload only. Control messages carry JSON payloads;
// FRAME and CLIPBOARD carry an 8-byte big-endian sequence number followed by
// opaque bytes that the relay never inspects.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type identifies the kind of a wire message.
type Type uint8

const (
	TypeAuthRequest    Type = 0x01
	TypeAuthResult     Type = 0x02
	TypeCreateSession  Type = 0x03
	TypeSessionCreated Type = 0x04
	TypeJoinSession    Type = 0x05
	TypeJoinResult     Type = 0x06
	TypeFrame          Type = 0x07
	TypeClipboard      Type = 0x08
	TypeClose          Type = 0x09
	TypeListSessions   Type = 0x0A
	TypeSessionList    Type = 0x0B
	TypeViewerJoined   Type = 0x0C
	TypeViewerLeft     Type = 0x0D
	TypePing           Type = 0x0E
	TypePong           Type = 0x0F
)

const (
	// HeaderSize is the fixed size of a message header: 4 bytes length + 1 byte type.
	HeaderSize = 5

	// SequenceSize is the size of the sequence prefix on FRAME and CLIPBOARD payloads.
	SequenceSize = 8

	// DefaultMaxMessageSize bounds the declared payload length (16 MiB).
	// A 4K screen capture at reasonable JPEG quality stays well below it.
	DefaultMaxMessageSize = 16 * 1024 * 1024
)

var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrUnknownType     = errors.New("unknown message type")
	ErrMalformed       = errors.New("malformed payload")
)

// Error is a protocol violation by the peer. The connection that produced it
// is closed and the error is never retried.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "protocol: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func protoErr(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// IsProtocolError reports whether err (or anything it wraps) is a *Error.
func IsProtocolError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

func (t Type) String() string {
	switch t {
	case TypeAuthRequest:
		return "AUTH_REQUEST"
	case TypeAuthResult:
		return "AUTH_RESULT"
	case TypeCreateSession:
		return "CREATE_SESSION"
	case TypeSessionCreated:
		return "SESSION_CREATED"
	case TypeJoinSession:
		return "JOIN_SESSION"
	case TypeJoinResult:
		return "JOIN_RESULT"
	case TypeFrame:
		return "FRAME"
	case TypeClipboard:
		return "CLIPBOARD"
	case TypeClose:
		return "CLOSE"
	case TypeListSessions:
		return "LIST_SESSIONS"
	case TypeSessionList:
		return "SESSION_LIST"
	case TypeViewerJoined:
		return "VIEWER_JOINED"
	case TypeViewerLeft:
		return "VIEWER_LEFT"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Known reports whether t is a defined message type.
func (t Type) Known() bool {
	return t >= TypeAuthRequest && t <= TypePong
}

// Message is a single decoded wire message.
type Message struct {
	Type    Type
	Payload []byte
}

// Size returns the number of bytes the message occupies on the wire.
func (m Message) Size() int {
	return HeaderSize + len(m.Payload)
}

// Encode returns the full wire representation of the message.
func (m Message) Encode() []byte {
	buf := make([]byte, HeaderSize+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(m.Payload))) //nolint:gosec // bounded by MaxMessageSize on every path that builds a Message
	buf[4] = byte(m.Type)
	copy(buf[HeaderSize:], m.Payload)
	return buf
}

// WriteMessage writes a framed message to w in a single Write call so that
// concurrent readers on the other side never see a header without its payload.
func WriteMessage(w io.Writer, m Message) error {
	if _, err := w.Write(m.Encode()); err != nil {
		return fmt.Errorf("protocol: write %s: %w", m.Type, err)
	}
	return nil
}

// Reader decodes messages from a byte stream. It buffers until a declared
// length is fully read, so higher layers never see a partial message.
type Reader struct {
	r       *bufio.Reader
	maxSize int
	header  [HeaderSize]byte
}

// NewReader wraps r. A maxSize <= 0 selects DefaultMaxMessageSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Reader{r: bufio.NewReaderSize(r, 64*1024), maxSize: maxSize}
}

// ReadMessage reads the next message. io.EOF is returned unwrapped when the
// stream ends cleanly on a message boundary; a stream that ends mid-message
// yields io.ErrUnexpectedEOF.
func (r *Reader) ReadMessage() (Message, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("protocol: read header: %w", err)
	}
	length := binary.BigEndian.Uint32(r.header[0:4])
	typ := Type(r.header[4])

	if uint64(length) > uint64(r.maxSize) {
		return Message{}, protoErr("read "+typ.String(), fmt.Errorf("%w: declared %d bytes, limit %d", ErrMessageTooLarge, length, r.maxSize))
	}
	if !typ.Known() {
		return Message{}, protoErr("read", fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(typ)))
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r.r, payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Message{}, fmt.Errorf("protocol: read %s payload: %w", typ, err)
		}
	}
	return Message{Type: typ, Payload: payload}, nil
}
