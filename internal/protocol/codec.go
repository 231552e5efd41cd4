// ABOUTME: Encodes frames with their type tag and decodes raw JSON into typed frames
// ABOUTME: Also identifies which request a frame belongs to and whether it ends that request

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidJSON is returned for payloads that are not a JSON object.
	ErrInvalidJSON = errors.New("invalid json")
	// ErrUnknownType is returned for a missing or unrecognized type field.
	ErrUnknownType = errors.New("unknown frame type")
)

// Encode marshals f as a JSON object with its "type" field first.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", f.FrameType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encoding %s: not an object", f.FrameType())
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(f.FrameType()) + 12)
	buf.WriteString(`{"type":`)
	typ, _ := json.Marshal(f.FrameType())
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

var decoders = map[string]func() Frame{
	TypeRegister:         func() Frame { return &Register{} },
	TypeMessage:          func() Frame { return &Message{} },
	TypeCancel:           func() Frame { return &Cancel{} },
	TypePing:             func() Frame { return &Ping{} },
	TypeRegistered:       func() Frame { return &Registered{} },
	TypeResponseStart:    func() Frame { return &ResponseStart{} },
	TypeResponseChunk:    func() Frame { return &ResponseChunk{} },
	TypeResponseEnd:      func() Frame { return &ResponseEnd{} },
	TypeToolStatus:       func() Frame { return &ToolStatus{} },
	TypeError:            func() Frame { return &Error{} },
	TypePong:             func() Frame { return &Pong{} },
	TypeStatus:           func() Frame { return &Status{} },
	TypeCancelled:        func() Frame { return &Cancelled{} },
	TypeProactiveMessage: func() Frame { return &ProactiveMessage{} },
}

// Decode parses a frame. The result is a pointer to the concrete type,
// for example *Message.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	mk, ok := decoders[head.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	f := mk()
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidJSON, head.Type, err)
	}
	return f, nil
}

// RequestID returns the request a frame belongs to, or "".
func RequestID(f Frame) string {
	switch v := f.(type) {
	case ResponseStart:
		return v.RequestID
	case *ResponseStart:
		return v.RequestID
	case ResponseChunk:
		return v.RequestID
	case *ResponseChunk:
		return v.RequestID
	case ResponseEnd:
		return v.RequestID
	case *ResponseEnd:
		return v.RequestID
	case ToolStatus:
		return v.RequestID
	case *ToolStatus:
		return v.RequestID
	case Error:
		return v.RequestID
	case *Error:
		return v.RequestID
	case Message:
		return v.RequestID
	case *Message:
		return v.RequestID
	}
	return ""
}

// IsTerminal reports whether f ends its request.
func IsTerminal(f Frame) bool {
	switch f.FrameType() {
	case TypeResponseEnd:
		return true
	case TypeError:
		return RequestID(f) != ""
	}
	return false
}
