package client

import "errors"

// ErrNotConnected is returned by operations that require a connected
// session when called while disconnected (spec §7).
var ErrNotConnected = errors.New("client: not connected")

// ErrUnknownDevice is returned by EnableDepthFrames for a device id the
// client has not learned about via a "me" reply (spec §7).
var ErrUnknownDevice = errors.New("client: unknown device")

// ProtocolError is fatal for the session: version mismatch or a reply tag
// that doesn't match what the request expected (spec §7).
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "client: protocol error: " + e.Reason }
