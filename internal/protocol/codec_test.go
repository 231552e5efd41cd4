// ABOUTME: Tests for frame encoding and decoding
// ABOUTME: Covers the type tag, typed decoding, and request classification helpers

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_PutsTypeFirst(t *testing.T) {
	data, err := Encode(ResponseChunk{RequestID: "r1", Content: "hi"})
	require.NoError(t, err)

	assert.Equal(t, `{"type":"response_chunk","request_id":"r1","content":"hi","done":false}`, string(data))
}

func TestEncode_EmptyBody(t *testing.T) {
	data, err := Encode(Cancelled{})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "cancelled", m["type"])
}

func TestDecode_Message(t *testing.T) {
	f, err := Decode([]byte(`{"type":"message","request_id":"r1","user_id":"u","channel_id":"c","content":"hello","attachments":[{"name":"a.png","size":3}],"priority":1}`))
	require.NoError(t, err)

	msg, ok := f.(*Message)
	require.True(t, ok)
	assert.Equal(t, "r1", msg.RequestID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, 1, msg.Priority)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, int64(3), msg.Attachments[0].Size)
}

func TestDecode_Register(t *testing.T) {
	f, err := Decode([]byte(`{"type":"register","node_id":"discord-1","platform":"discord","capabilities":["streaming"],"session_id":"gw-abc"}`))
	require.NoError(t, err)

	reg := f.(*Register)
	assert.Equal(t, "discord-1", reg.NodeID)
	assert.Equal(t, []string{CapStreaming}, reg.Capabilities)
	assert.Equal(t, "gw-abc", reg.SessionID)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidJSON)

	_, err = Decode([]byte(`{"type":"teleport"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`{"content":"no type"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`{"type":"message","priority":"high"}`))
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestRoundTrip_ResponseEnd(t *testing.T) {
	in := ResponseEnd{RequestID: "r1", FullText: "done", Status: StatusOK, ToolCount: 2, DegradedContext: true}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, &in, out)
}

func TestRequestIDAndTerminal(t *testing.T) {
	assert.Equal(t, "r1", RequestID(ResponseChunk{RequestID: "r1"}))
	assert.Equal(t, "r2", RequestID(&ToolStatus{RequestID: "r2"}))
	assert.Equal(t, "", RequestID(Pong{}))

	assert.True(t, IsTerminal(ResponseEnd{RequestID: "r1"}))
	assert.True(t, IsTerminal(Error{RequestID: "r1", Code: CodeInternal}))
	assert.False(t, IsTerminal(Error{Code: CodeInvalidJSON}))
	assert.False(t, IsTerminal(ResponseChunk{RequestID: "r1"}))
}
