// Package client implements the Go client for the wire protocol: framed
// MsgPack requests over TCP with optional TLS and token handshake.
package client
