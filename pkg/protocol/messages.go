package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// Reason strings carried in result and CLOSE messages.
const (
	ReasonInvalidCredentials = "InvalidCredentials"
	ReasonTooManyAttempts    = "TooManyAttempts"
	ReasonAuthTimeout        = "AuthTimeout"
	ReasonSessionNotFound    = "SessionNotFound"
	ReasonSessionClosed      = "SessionClosed"
	ReasonSessionIDConflict  = "SessionIdConflict"
	ReasonInvalidSessionID   = "InvalidSessionID"
	ReasonCapacityExceeded   = "CapacityExceeded"
	ReasonAlreadyInSession   = "AlreadyInSession"
	ReasonPermissionDenied   = "PermissionDenied"
	ReasonProtocolError      = "ProtocolError"
	ReasonInternalError      = "InternalError"
	ReasonHostDisconnected   = "host_disconnected"
	ReasonSessionClosedByOp  = "closed_by_operator"
	ReasonIdleTimeout        = "idle_timeout"
	ReasonSlowConsumer       = "slow_consumer"
	ReasonServerShutdown     = "server_shutdown"
	ReasonClientClosed       = "client_closed"
)

// ----- Auth -----

type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResult struct {
	OK       bool   `json:"ok"`
	Reason   string `json:"reason,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

// ----- Sessions -----

type CreateSession struct {
	RequestedID string `json:"requested_id,omitempty"`
	Name        string `json:"name,omitempty"`
}

type SessionCreated struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type JoinSession struct {
	SessionID string `json:"session_id"`
}

type JoinResult struct {
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Host      string `json:"host,omitempty"`
}

type Close struct {
	Reason string `json:"reason"`
}

type SessionSummary struct {
	SessionID   string    `json:"session_id"`
	Name        string    `json:"name"`
	Host        string    `json:"host"`
	CreatedAt   time.Time `json:"created_at"`
	ViewerCount int       `json:"viewer_count"`
}

type SessionList struct {
	OK       bool             `json:"ok"`
	Reason   string           `json:"reason,omitempty"`
	Sessions []SessionSummary `json:"sessions"`
}

type ViewerEvent struct {
	Username    string `json:"username"`
	ViewerCount int    `json:"viewer_count"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// NewControl marshals v as the JSON payload of a control message.
func NewControl(t Type, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("protocol: marshal %s: %w", t, err)
	}
	return Message{Type: t, Payload: data}, nil
}

// MustControl is NewControl for payload types that always marshal.
func MustControl(t Type, v any) Message {
	m, err := NewControl(t, v)
	if err != nil {
		panic(err)
	}
	return m
}

// NewCloseMessage builds a CLOSE message with the given reason.
func NewCloseMessage(reason string) Message {
	return MustControl(TypeClose, &Close{Reason: reason})
}

// Decode unmarshals a control message payload into v. A message with an
// empty payload decodes as the zero value.
func Decode(m Message, v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return protoErr("decode "+m.Type.String(), fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return nil
}

// Data is the decoded body of a FRAME or CLIPBOARD message.
type Data struct {
	Sequence uint64
	Payload  []byte
}

// NewDataMessage builds a FRAME or CLIPBOARD message.
func NewDataMessage(t Type, seq uint64, payload []byte) Message {
	buf := make([]byte, SequenceSize+len(payload))
	binary.BigEndian.PutUint64(buf[0:SequenceSize], seq)
	copy(buf[SequenceSize:], payload)
	return Message{Type: t, Payload: buf}
}

// DecodeData splits a FRAME or CLIPBOARD payload into sequence and body.
// The returned body aliases the message payload.
func DecodeData(m Message) (Data, error) {
	if m.Type != TypeFrame && m.Type != TypeClipboard {
		return Data{}, protoErr("decode data", fmt.Errorf("%w: %s is not a data message", ErrMalformed, m.Type))
	}
	if len(m.Payload) < SequenceSize {
		return Data{}, protoErr("decode "+m.Type.String(), fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, len(m.Payload), SequenceSize))
	}
	return Data{
		Sequence: binary.BigEndian.Uint64(m.Payload[0:SequenceSize]),
		Payload:  m.Payload[SequenceSize:],
	}, nil
}
