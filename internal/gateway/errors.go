// ABOUTME: Protocol errors raised while reading adapter frames
// ABOUTME: A ProtocolError is reported to the adapter as a non-recoverable error frame before closing

package gateway

import (
	"errors"
	"fmt"

	"github.com/2389/clara-gateway/internal/protocol"
)

// ProtocolError is a malformed or out-of-order frame. The connection is
// closed after it is reported.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %s", e.Code, e.Message)
}

// Frame converts the error into the frame sent to the adapter.
func (e *ProtocolError) Frame() protocol.Error {
	return protocol.Error{Code: e.Code, Message: e.Message, Recoverable: false}
}

func protocolErrorf(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// decodeError maps a protocol.Decode failure to a ProtocolError.
func decodeError(err error) *ProtocolError {
	if errors.Is(err, protocol.ErrUnknownType) {
		return &ProtocolError{Code: protocol.CodeInvalidMessage, Message: err.Error()}
	}
	return &ProtocolError{Code: protocol.CodeInvalidJSON, Message: err.Error()}
}
