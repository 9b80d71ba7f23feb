// Package types holds the data model shared by every component of the
// streaming fabric: discovery records, endpoint kinds, device records on
// both sides of the wire, and the frame types exchanged between the capture
// device, the compression pipeline and subscribers.
package types

import "fmt"

// EndpointType names the closed set of socket roles a server exposes.
// Unknown values are ignored by peers rather than rejected, so future
// endpoint kinds can be introduced without breaking old clients.
type EndpointType string

const (
	// EndpointControl is the request/reply control socket.
	EndpointControl EndpointType = "control"
	// EndpointDepth is a per-device publish socket carrying compressed
	// depth frames.
	EndpointDepth EndpointType = "depth"
)

// ServerInfo is a discovery-layer record of a peer: its human-readable name
// and its control endpoint URI. It is immutable once created.
type ServerInfo struct {
	Name            string
	ControlEndpoint string
}

func (s ServerInfo) String() string {
	return fmt.Sprintf("%s@%s", s.Name, s.ControlEndpoint)
}

// DeviceRecord is the server-side view of an attached capture device: its
// stable id and the depth endpoint subscribers should connect to.
type DeviceRecord struct {
	ID            string
	DepthEndpoint string
}

// ClientDevice is the client-side view of a device as learned from the most
// recent "me" reply: the endpoint URI for each known endpoint type and
// whether a subscription is currently active for it.
type ClientDevice struct {
	ID        string
	Endpoints map[EndpointType]string
	// Subscribed tracks which endpoint types currently have an active
	// subscription. Subscriptions are lazy: learning a new endpoint does
	// not subscribe to it automatically (spec §4.5).
	Subscribed map[EndpointType]bool
}

// NewClientDevice returns an empty record ready to be populated by the
// identity-refresh handler.
func NewClientDevice(id string) *ClientDevice {
	return &ClientDevice{
		ID:         id,
		Endpoints:  make(map[EndpointType]string),
		Subscribed: make(map[EndpointType]bool),
	}
}

// DepthFrame is a raw depth raster borrowed for the duration of one
// compression submission: width*height row-major 16-bit samples.
type DepthFrame struct {
	Width, Height int
	Data          []uint16
}

// CompressedFrame is an opaque, self-describing encoded frame produced by
// the compression pipeline and delivered once to subscribers.
type CompressedFrame struct {
	Data []byte
}
