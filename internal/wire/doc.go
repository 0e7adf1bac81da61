// Package wire defines the messages peers exchange and their encodings.
//
// Every logical message is its own struct implementing Message. Frames
// travel as a small JSON envelope ({id, reply_to, action, body}); Decode
// switches exhaustively on action, so an unknown or malformed frame is an
// error value rather than a half-populated map.
//
// Session payloads (the sessionsData field) use a separate length-prefixed
// binary encoding, see codec.go.
package wire
