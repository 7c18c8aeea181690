package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/NicolasHaas/screenrelay/pkg/auth"
	"github.com/NicolasHaas/screenrelay/pkg/protocol"
	"github.com/NicolasHaas/screenrelay/pkg/relay"
)

// errStopReading ends the read loop without any further reply: the peer
// sent CLOSE, or a final CLOSE has already been queued.
var errStopReading = errors.New("server: stop reading")

// errUnexpected marks a message that is well formed but not allowed in the
// connection's current state.
var errUnexpected = errors.New("unexpected message")

// violation builds a protocol error for a message the state machine rejects.
func violation(op, format string, args ...any) error {
	return &protocol.Error{Op: op, Err: fmt.Errorf("%w: "+format, append([]any{errUnexpected}, args...)...)}
}

// reasonFor maps err to the reason string sent to the peer.
func reasonFor(err error) string {
	var pe *protocol.Error
	switch {
	case errors.As(err, &pe):
		return protocol.ReasonProtocolError + ": " + strings.TrimPrefix(pe.Error(), "protocol: ")
	case errors.Is(err, auth.ErrInvalidCredentials):
		return protocol.ReasonInvalidCredentials
	case errors.Is(err, relay.ErrQueueOverflow):
		return protocol.ReasonSlowConsumer
	default:
		return relay.Reason(err)
	}
}
