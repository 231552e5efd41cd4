// Package protocol defines the JSON frames spoken over adapter WebSocket
// connections.
//
// An adapter opens a connection and sends Register. The gateway answers
// with Registered, after which the adapter may send Message, Cancel and
// Ping frames. For each accepted Message the gateway streams
// ResponseStart, zero or more ResponseChunk and ToolStatus frames, and
// exactly one terminal frame: ResponseEnd or a request-scoped Error.
package protocol
