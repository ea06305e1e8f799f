// Package protocol defines the wire request and response types and the
// length-prefixed MsgPack framing shared by server and client.
package protocol
