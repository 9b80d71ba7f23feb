// Package client implements the Kinect2 streaming client (spec §4.5): a
// request/response session with heartbeats and retries, and best-effort
// subscriptions to per-device depth streams.
//
// The dial/retry shape is grounded on alxayo-rtmp-go's
// internal/rtmp/client/client.go (a single supervising owner of the
// connection, explicit Connect/retry flow) — permitted pack enrichment
// beyond the teacher per the transformation process, since the teacher
// repo has no client role of its own (it's a server the browser connects
// to). The heartbeat is a fixed-period time.Ticker; a timed-out request is
// retried at once on a fresh socket, with no backoff between attempts.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rjw57/streamkinect2/internal/metrics"
	"github.com/rjw57/streamkinect2/internal/transport"
	"github.com/rjw57/streamkinect2/internal/types"
	"github.com/rjw57/streamkinect2/internal/wire"
	"github.com/rs/zerolog"
)

// Config configures a Client, directly mirroring spec §4.5's tunables
// table.
type Config struct {
	HeartbeatPeriod    time.Duration // default 10s
	RequestTimeout     time.Duration // default 500ms
	RequestMaxTries    int           // default 3
	ConnectImmediately bool

	Logger  zerolog.Logger
	Metrics *metrics.Registry
}

func (c Config) withDefaults() Config {
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 500 * time.Millisecond
	}
	if c.RequestMaxTries <= 0 {
		c.RequestMaxTries = 3
	}
	return c
}

type pendingRequest struct {
	tag     wire.Tag
	payload interface{}
	handler func(wire.Tag, json.RawMessage)
	timer   *time.Timer
}

type subscription struct {
	cancel context.CancelFunc
}

// Client maintains a session with one server (spec §4.5).
type Client struct {
	cfg             Config
	controlEndpoint string

	mu        sync.Mutex
	connected bool
	requester *transport.ControlRequester
	pending   []*pendingRequest
	triesLeft int

	serverName string
	devices    map[string]*types.ClientDevice
	subs       map[string]*subscription

	recvCancel context.CancelFunc
	hbCancel   context.CancelFunc

	callbacksMu   sync.Mutex
	onConnect     []func(*Client)
	onDisconnect  []func(*Client)
	onAddKinect   []func(*Client, string)
	onRemoveKinect []func(*Client, string)
	onDepthFrame  []func(*Client, string, types.CompressedFrame)
}

// New creates a Client for controlEndpoint. If cfg.ConnectImmediately is
// set, Connect is called before returning.
func New(controlEndpoint string, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:             cfg,
		controlEndpoint: controlEndpoint,
		devices:         make(map[string]*types.ClientDevice),
		subs:            make(map[string]*subscription),
	}
	if cfg.ConnectImmediately {
		if err := c.Connect(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// OnConnect registers a callback invoked after a successful Connect.
func (c *Client) OnConnect(fn func(*Client)) { c.addCallback(&c.onConnect, fn) }

// OnDisconnect registers a callback invoked after Disconnect (explicit or
// due to exhausted retries).
func (c *Client) OnDisconnect(fn func(*Client)) { c.addCallback(&c.onDisconnect, fn) }

// OnAddKinect registers a callback invoked when a heartbeat reveals a new
// device id.
func (c *Client) OnAddKinect(fn func(*Client, string)) {
	c.callbacksMu.Lock()
	c.onAddKinect = append(c.onAddKinect, fn)
	c.callbacksMu.Unlock()
}

// OnRemoveKinect registers a callback invoked when a heartbeat reveals a
// device id has disappeared.
func (c *Client) OnRemoveKinect(fn func(*Client, string)) {
	c.callbacksMu.Lock()
	c.onRemoveKinect = append(c.onRemoveKinect, fn)
	c.callbacksMu.Unlock()
}

// OnDepthFrame registers a callback invoked for each compressed depth frame
// received on any active subscription.
func (c *Client) OnDepthFrame(fn func(*Client, string, types.CompressedFrame)) {
	c.callbacksMu.Lock()
	c.onDepthFrame = append(c.onDepthFrame, fn)
	c.callbacksMu.Unlock()
}

func (c *Client) addCallback(slot *[]func(*Client), fn func(*Client)) {
	c.callbacksMu.Lock()
	*slot = append(*slot, fn)
	c.callbacksMu.Unlock()
}

// IsConnected reports the current connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the control endpoint, clears in-flight state, issues an
// initial "who", and schedules the heartbeat (spec §4.5).
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	requester, err := transport.DialControl(context.Background(), c.controlEndpoint)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("client: connect: %w", err)
	}

	c.requester = requester
	c.pending = nil
	c.triesLeft = c.cfg.RequestMaxTries
	c.connected = true

	recvCtx, recvCancel := context.WithCancel(context.Background())
	c.recvCancel = recvCancel

	hbCtx, hbCancel := context.WithCancel(context.Background())
	c.hbCancel = hbCancel
	c.mu.Unlock()

	go c.recvLoop(recvCtx, requester)
	go c.heartbeatLoop(hbCtx)

	c.fireConnect()
	c.sendWho()
	return nil
}

// Disconnect cancels all pending timeouts, drops the queue, cancels the
// heartbeat, releases the socket, and emits onDisconnect exactly once
// (spec §4.5).
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	for _, p := range c.pending {
		p.timer.Stop()
	}
	c.pending = nil
	requester := c.requester
	c.requester = nil
	recvCancel := c.recvCancel
	hbCancel := c.hbCancel
	subs := c.subs
	c.subs = make(map[string]*subscription)
	for _, dev := range c.devices {
		delete(dev.Subscribed, types.EndpointDepth)
	}
	c.mu.Unlock()

	if hbCancel != nil {
		hbCancel()
	}
	if recvCancel != nil {
		recvCancel()
	}
	for _, s := range subs {
		s.cancel()
	}
	if requester != nil {
		_ = requester.Close()
	}

	c.fireDisconnect()
	return nil
}

// Ping sends a "ping" request; handler is invoked with no arguments on
// "pong". Fails fast with ErrNotConnected if disconnected.
func (c *Client) Ping(handler func()) error {
	return c.send(wire.TagPing, nil, func(tag wire.Tag, _ json.RawMessage) {
		if tag != wire.TagPong {
			return
		}
		if handler != nil {
			handler()
		}
	})
}

// EnableDepthFrames subscribes to deviceID's depth endpoint. Requires a
// known device id and a connected session (spec §4.5, §7).
func (c *Client) EnableDepthFrames(deviceID string) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	dev, ok := c.devices[deviceID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownDevice
	}
	endpoint, ok := dev.Endpoints[types.EndpointDepth]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("client: device %q has no depth endpoint", deviceID)
	}
	if _, already := c.subs[deviceID]; already {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := transport.DialDepth(ctx, endpoint)
	if err != nil {
		cancel()
		return fmt.Errorf("client: enable depth frames %q: %w", deviceID, err)
	}

	c.mu.Lock()
	c.subs[deviceID] = &subscription{cancel: cancel}
	dev.Subscribed[types.EndpointDepth] = true
	c.mu.Unlock()

	go c.depthLoop(ctx, deviceID, sub)
	return nil
}

func (c *Client) depthLoop(ctx context.Context, deviceID string, sub *transport.DepthSubscriber) {
	defer sub.Close()
	for {
		data, err := sub.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				return
			}
		}
		c.fireDepthFrame(deviceID, types.CompressedFrame{Data: data})
	}
}

// send enqueues a request and transmits it immediately if it becomes the
// new head of the pipeline; otherwise it waits for the current head's
// reply (spec §4.5 request pipeline, reconciled with REQ/REP's strict
// send/recv alternation: see DESIGN.md "request pipeline" entry).
func (c *Client) send(tag wire.Tag, payload interface{}, handler func(wire.Tag, json.RawMessage)) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}

	req := &pendingRequest{tag: tag, payload: payload, handler: handler}
	req.timer = time.AfterFunc(c.cfg.RequestTimeout, func() { c.onHeadTimeout(req) })

	becomesHead := len(c.pending) == 0
	c.pending = append(c.pending, req)
	requester := c.requester
	c.mu.Unlock()

	if becomesHead {
		return c.transmit(requester, req)
	}
	return nil
}

func (c *Client) transmit(requester *transport.ControlRequester, req *pendingRequest) error {
	frames, err := wire.Encode(req.tag, req.payload)
	if err != nil {
		return fmt.Errorf("client: encode request: %w", err)
	}
	if err := requester.Send(frames); err != nil {
		return fmt.Errorf("client: send request: %w", err)
	}
	return nil
}

func (c *Client) sendWho() {
	_ = c.send(wire.TagWho, nil, c.handleMeReply)
}

func (c *Client) handleMeReply(tag wire.Tag, payload json.RawMessage) {
	if tag != wire.TagMe {
		c.failProtocol(fmt.Sprintf("expected me reply, got %s", tag))
		return
	}
	var me wire.MePayload
	if err := json.Unmarshal(payload, &me); err != nil {
		c.failProtocol("malformed me payload: " + err.Error())
		return
	}
	if me.Version != wire.ProtocolVersion {
		c.failProtocol(fmt.Sprintf("unsupported protocol version %d", me.Version))
		return
	}

	c.mu.Lock()
	c.serverName = me.Name

	newIDs := make(map[string]bool, len(me.Devices))
	for _, d := range me.Devices {
		newIDs[d.ID] = true
	}

	var added, removed []string
	for id := range c.devices {
		if !newIDs[id] {
			removed = append(removed, id)
		}
	}
	for _, d := range me.Devices {
		if _, ok := c.devices[d.ID]; !ok {
			added = append(added, d.ID)
		}
	}

	for _, id := range removed {
		if sub, ok := c.subs[id]; ok {
			sub.cancel()
			delete(c.subs, id)
		}
		delete(c.devices, id)
	}
	for _, d := range me.Devices {
		dev, ok := c.devices[d.ID]
		if !ok {
			dev = types.NewClientDevice(d.ID)
			c.devices[d.ID] = dev
		}
		c.refreshEndpoints(dev, d.Endpoints)
	}
	c.mu.Unlock()

	for _, id := range removed {
		c.fireRemoveKinect(id)
	}
	for _, id := range added {
		c.fireAddKinect(id)
	}
}

// refreshEndpoints applies one device's new endpoint map atomically: known
// endpoint types not present in payload are torn down; new or changed ones
// are recorded with the subscription reset to absent (spec §4.5). Unknown
// endpoint-type strings are silently skipped. Caller must hold c.mu.
func (c *Client) refreshEndpoints(dev *types.ClientDevice, payload wire.EndpointMap) {
	known := []types.EndpointType{types.EndpointControl, types.EndpointDepth}

	for _, et := range known {
		newURI, present := payload[string(et)]
		oldURI, hadOld := dev.Endpoints[et]

		if !present {
			if hadOld {
				delete(dev.Endpoints, et)
				delete(dev.Subscribed, et)
				if et == types.EndpointDepth {
					if sub, ok := c.subs[dev.ID]; ok {
						sub.cancel()
						delete(c.subs, dev.ID)
					}
				}
			}
			continue
		}

		if !hadOld || oldURI != newURI {
			dev.Endpoints[et] = newURI
			delete(dev.Subscribed, et)
			if et == types.EndpointDepth {
				if sub, ok := c.subs[dev.ID]; ok {
					sub.cancel()
					delete(c.subs, dev.ID)
				}
			}
		}
	}
}

func (c *Client) onHeadTimeout(req *pendingRequest) {
	c.mu.Lock()
	if !c.connected || len(c.pending) == 0 || c.pending[0] != req {
		c.mu.Unlock()
		return
	}

	c.triesLeft--
	if c.triesLeft <= 0 {
		c.mu.Unlock()
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ClientRequestTimeouts.Inc()
		}
		_ = c.Disconnect()
		return
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ClientRequestTimeouts.Inc()
		c.cfg.Metrics.ClientReconnects.Inc()
	}

	old := c.requester
	recvCancel := c.recvCancel
	c.mu.Unlock()

	if recvCancel != nil {
		recvCancel()
	}
	if old != nil {
		_ = old.Close()
	}

	newRequester, err := transport.DialControl(context.Background(), c.controlEndpoint)
	if err != nil {
		c.cfg.Logger.Error().Err(err).Msg("client: failed to recreate request socket; disconnecting")
		_ = c.Disconnect()
		return
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		_ = newRequester.Close()
		return
	}
	c.requester = newRequester
	recvCtx, newRecvCancel := context.WithCancel(context.Background())
	c.recvCancel = newRecvCancel
	head := req
	if len(c.pending) > 0 {
		head = c.pending[0]
	}
	head.timer = time.AfterFunc(c.cfg.RequestTimeout, func() { c.onHeadTimeout(head) })
	c.mu.Unlock()

	go c.recvLoop(recvCtx, newRequester)
	_ = c.transmit(newRequester, head)
}

func (c *Client) recvLoop(ctx context.Context, requester *transport.ControlRequester) {
	for {
		parts, err := requester.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				return
			}
		}

		msg, err := wire.Decode(parts)
		if err != nil {
			c.cfg.Logger.Warn().Err(err).Msg("client: ignoring malformed reply")
			continue
		}

		c.mu.Lock()
		if !c.connected || len(c.pending) == 0 {
			c.mu.Unlock()
			continue
		}
		head := c.pending[0]
		head.timer.Stop()
		c.pending = c.pending[1:]
		c.triesLeft = c.cfg.RequestMaxTries
		var next *pendingRequest
		var requesterForNext *transport.ControlRequester
		if len(c.pending) > 0 {
			next = c.pending[0]
			next.timer = time.AfterFunc(c.cfg.RequestTimeout, func() { c.onHeadTimeout(next) })
			requesterForNext = c.requester
		}
		c.mu.Unlock()

		if head.handler != nil {
			head.handler(msg.Tag, msg.Payload)
		}
		if next != nil && requesterForNext != nil {
			_ = c.transmit(requesterForNext, next)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendWho()
		}
	}
}

func (c *Client) failProtocol(reason string) {
	err := &ProtocolError{Reason: reason}
	c.cfg.Logger.Error().Err(err).Msg("client: protocol error, disconnecting")
	_ = c.Disconnect()
}

func (c *Client) fireConnect() {
	c.callbacksMu.Lock()
	cbs := append([]func(*Client)(nil), c.onConnect...)
	c.callbacksMu.Unlock()
	for _, fn := range cbs {
		fn(c)
	}
}

func (c *Client) fireDisconnect() {
	c.callbacksMu.Lock()
	cbs := append([]func(*Client)(nil), c.onDisconnect...)
	c.callbacksMu.Unlock()
	for _, fn := range cbs {
		fn(c)
	}
}

func (c *Client) fireAddKinect(id string) {
	c.callbacksMu.Lock()
	cbs := append([]func(*Client, string)(nil), c.onAddKinect...)
	c.callbacksMu.Unlock()
	for _, fn := range cbs {
		fn(c, id)
	}
}

func (c *Client) fireRemoveKinect(id string) {
	c.callbacksMu.Lock()
	cbs := append([]func(*Client, string)(nil), c.onRemoveKinect...)
	c.callbacksMu.Unlock()
	for _, fn := range cbs {
		fn(c, id)
	}
}

func (c *Client) fireDepthFrame(id string, frame types.CompressedFrame) {
	c.callbacksMu.Lock()
	cbs := append([]func(*Client, string, types.CompressedFrame)(nil), c.onDepthFrame...)
	c.callbacksMu.Unlock()
	for _, fn := range cbs {
		fn(c, id, frame)
	}
}
