// Package server runs the TCP request loop: optional TLS, optional auth
// handshake, then framed MsgPack requests dispatched to the sharded
// engine with per-subject rate limiting and per-operation authorization.
package server
