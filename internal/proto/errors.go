package proto

import "errors"

// Errors shared by the discovery and transport wire protocols.
var (
	ErrNeedMore         = errors.New("need more bytes")
	ErrFrameMalformed   = errors.New("frame malformed")
	ErrSelfDial         = errors.New("self dial")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrHandshakeExpired = errors.New("handshake expired")
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrConnectionClosed = errors.New("connection closed")
)
