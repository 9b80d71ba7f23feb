// Package transport wraps the zmq4 REQ/REP and PUB/SUB sockets used for the
// control and depth channels (spec §6). It exists so the rest of the module
// talks in terms of "control listener"/"depth publisher"/"depth subscriber"
// rather than raw zmq4 socket types, mirroring the way the original Python
// implementation wrapped pyzmq sockets in ZMQStream.
package transport

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"
)

// ControlListener is the server side of the request/reply control channel:
// bind once, then repeatedly Recv a request and Reply to it. zmq4's REP
// socket enforces the recv/send alternation that makes "a reply is required
// to re-enable sends" true at the socket layer (spec §4.4).
type ControlListener struct {
	sock     zmq4.Socket
	Endpoint string
}

// NewControlListener binds a REP socket to addr (host:port, or host:0 for a
// random free port) and returns the listener along with the endpoint URI it
// actually bound to.
func NewControlListener(ctx context.Context, addr string) (*ControlListener, error) {
	sock := zmq4.NewRep(ctx)
	if err := sock.Listen("tcp://" + addr); err != nil {
		return nil, fmt.Errorf("transport: listen control: %w", err)
	}
	return &ControlListener{sock: sock, Endpoint: "tcp://" + sock.Addr().String()}, nil
}

// Recv blocks for the next request frames.
func (l *ControlListener) Recv() ([][]byte, error) {
	msg, err := l.sock.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Frames, nil
}

// Reply sends the response frames for the most recently received request.
func (l *ControlListener) Reply(frames [][]byte) error {
	return l.sock.Send(zmq4.NewMsgFrom(frames...))
}

// Close releases the underlying socket.
func (l *ControlListener) Close() error { return l.sock.Close() }

// DepthPublisher is the server side of a single device's depth publish
// channel: best-effort, unordered-with-respect-to-control, no retransmission
// (spec §3, §4.5 ordering guarantees).
type DepthPublisher struct {
	sock     zmq4.Socket
	Endpoint string
}

// NewDepthPublisher binds a PUB socket to addr.
func NewDepthPublisher(ctx context.Context, addr string) (*DepthPublisher, error) {
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen("tcp://" + addr); err != nil {
		return nil, fmt.Errorf("transport: listen depth: %w", err)
	}
	return &DepthPublisher{sock: sock, Endpoint: "tcp://" + sock.Addr().String()}, nil
}

// Publish writes buf as a single-frame message with no framing beyond the
// transport's native message boundary (spec §4.4 Publish path).
func (p *DepthPublisher) Publish(buf []byte) error {
	return p.sock.Send(zmq4.NewMsg(buf))
}

// Close releases the underlying socket.
func (p *DepthPublisher) Close() error { return p.sock.Close() }

// ControlRequester is the client side of the control channel: a REQ socket
// that strictly alternates Send/Recv.
type ControlRequester struct {
	sock zmq4.Socket
}

// DialControl connects a REQ socket to endpoint.
func DialControl(ctx context.Context, endpoint string) (*ControlRequester, error) {
	sock := zmq4.NewReq(ctx)
	if err := sock.Dial(endpoint); err != nil {
		return nil, fmt.Errorf("transport: dial control: %w", err)
	}
	return &ControlRequester{sock: sock}, nil
}

// Send transmits request frames.
func (r *ControlRequester) Send(frames [][]byte) error {
	return r.sock.Send(zmq4.NewMsgFrom(frames...))
}

// Recv blocks for the matching reply frames.
func (r *ControlRequester) Recv() ([][]byte, error) {
	msg, err := r.sock.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Frames, nil
}

// Close releases the underlying socket. Recreating the requester (rather
// than reusing the stuck socket) is how the client recovers from a timeout
// per spec §4.5.
func (r *ControlRequester) Close() error { return r.sock.Close() }

// DepthSubscriber is the client side of a device's depth publish channel.
type DepthSubscriber struct {
	sock zmq4.Socket
}

// DialDepth connects a SUB socket to endpoint with an empty topic filter
// (receive all messages), per spec §4.5.
func DialDepth(ctx context.Context, endpoint string) (*DepthSubscriber, error) {
	sock := zmq4.NewSub(ctx)
	if err := sock.Dial(endpoint); err != nil {
		return nil, fmt.Errorf("transport: dial depth: %w", err)
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("transport: subscribe: %w", err)
	}
	return &DepthSubscriber{sock: sock}, nil
}

// Recv blocks for the next published frame.
func (s *DepthSubscriber) Recv() ([]byte, error) {
	msg, err := s.sock.Recv()
	if err != nil {
		return nil, err
	}
	if len(msg.Frames) == 0 {
		return nil, nil
	}
	return msg.Frames[0], nil
}

// Close releases the underlying socket.
func (s *DepthSubscriber) Close() error { return s.sock.Close() }
