// Package server implements the Kinect2 streaming server (spec §4.4): a
// device registry, one control socket, one publish socket per device, and
// the control-request dispatch table.
//
// The state machine (stopped/running, start/stop no-ops with a warning on
// the wrong transition) and the device attach/detach shape are grounded on
// original_source/streamkinect2/server.py's Server.start/stop and
// _create_and_bind_socket; the single-goroutine event-loop-services-control
// pattern and metrics wiring follow the teacher's internal/single/core
// NewServer/Start/Shutdown lifecycle.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rjw57/streamkinect2/internal/compress"
	"github.com/rjw57/streamkinect2/internal/discovery"
	"github.com/rjw57/streamkinect2/internal/metrics"
	"github.com/rjw57/streamkinect2/internal/transport"
	"github.com/rjw57/streamkinect2/internal/types"
	"github.com/rjw57/streamkinect2/internal/wire"
	"github.com/rs/zerolog"
)

// Device is the external capture-device collaborator (spec §6): a stable id
// and a subscribe-style signal of raw depth frames. The real driver is out
// of scope (spec §1); internal/mock provides a test double.
type Device interface {
	ID() string
	// Subscribe registers cb to be called with each new depth frame and
	// returns a function that cancels the subscription.
	Subscribe(cb func(types.DepthFrame)) (unsubscribe func())
}

// Config configures a Server.
type Config struct {
	Name        string
	Address     string // bind address, e.g. "0.0.0.0"
	Advertise   bool
	WorkerCount int // per-device compression worker count; <=0 uses platform default
	MaxInFlight int // per-device MAX_IN_FLIGHT; <=0 uses platform default
	Logger      zerolog.Logger
	Metrics     *metrics.Registry

	// StartImmediately starts the server during New, mirroring the
	// original Python constructor's start_immediately option (spec
	// SPEC_FULL.md §11).
	StartImmediately bool
}

type deviceEntry struct {
	record     types.DeviceRecord
	pipeline   *compress.Pipeline
	publisher  *transport.DepthPublisher
	unsubscribe func()
	cancel     context.CancelFunc
}

// Server owns a device registry and the control/publish sockets described in
// spec §4.4.
type Server struct {
	name      string
	address   string
	advertise bool
	workerN   int
	maxInFl   int
	logger    zerolog.Logger
	metrics   *metrics.Registry

	mu        sync.Mutex
	running   bool
	devices   map[string]*deviceEntry
	control   *transport.ControlListener
	advertiser *discovery.Advertiser
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New creates a Server in the stopped state (unless cfg.StartImmediately).
func New(cfg Config) (*Server, error) {
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("Kinect2 %s", uuid.NewString())
	}
	address := cfg.Address
	if address == "" {
		address = "0.0.0.0"
	}

	s := &Server{
		name:       name,
		address:    address,
		advertise:  cfg.Advertise,
		workerN:    cfg.WorkerCount,
		maxInFl:    cfg.MaxInFlight,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		devices:    make(map[string]*deviceEntry),
		advertiser: discovery.NewAdvertiser(cfg.Logger),
	}

	if cfg.StartImmediately {
		if err := s.Start(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Name returns the server's human-readable name.
func (s *Server) Name() string { return s.name }

// IsRunning reports whether Start has succeeded without a matching Stop.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start binds the control socket, begins servicing it, and advertises the
// server if configured to. Calling Start while already running logs a
// warning and is a no-op (spec §4.4).
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn().Msg("server already running")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	control, err := transport.NewControlListener(ctx, s.address+":0")
	if err != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("server: start: %w", err)
	}
	s.control = control
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	go s.controlLoop(ctx)

	if s.advertise {
		port, perr := endpointPort(control.Endpoint)
		if perr != nil {
			return fmt.Errorf("server: start: %w", perr)
		}
		if err := s.advertiser.Start(s.name, s.address, port); err != nil {
			return fmt.Errorf("server: start: %w", err)
		}
	}

	s.logger.Info().Str("name", s.name).Str("control_endpoint", control.Endpoint).Msg("server started")
	return nil
}

// Stop withdraws the advertisement and closes the control socket. Calling
// Stop while already stopped logs a warning and is a no-op. Attached
// devices and their publish sockets are unaffected (attach/detach is valid
// in both states, spec §4.4).
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Warn().Msg("server already stopped")
		return nil
	}
	s.running = false
	control := s.control
	cancel := s.loopCancel
	done := s.loopDone
	s.control = nil
	s.mu.Unlock()

	if s.advertise {
		s.advertiser.Stop()
	}
	cancel()
	if control != nil {
		_ = control.Close()
	}
	<-done
	s.logger.Info().Str("name", s.name).Msg("server stopped")
	return nil
}

// Run starts the server, invokes fn, and guarantees Stop runs on every exit
// path — the scoped-lifetime helper spec §4.4 requires and the original's
// `with Server() as s:` context manager provided.
func (s *Server) Run(fn func() error) (err error) {
	if startErr := s.Start(); startErr != nil {
		return startErr
	}
	defer func() {
		if stopErr := s.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	return fn()
}

// AddKinect attaches device: it allocates a publish socket on a random free
// port, builds a compression pipeline around the device's frames, and
// begins forwarding compressed frames to subscribers. Valid in both
// stopped and running states (spec §4.4).
func (s *Server) AddKinect(device Device) error {
	s.mu.Lock()
	if _, exists := s.devices[device.ID()]; exists {
		s.mu.Unlock()
		return fmt.Errorf("server: device %q already attached", device.ID())
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	pub, err := transport.NewDepthPublisher(ctx, s.address+":0")
	if err != nil {
		cancel()
		return fmt.Errorf("server: add kinect %q: %w", device.ID(), err)
	}

	pipeline := compress.New(compress.Config{
		WorkerCount: s.workerN,
		MaxInFlight: s.maxInFl,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
	pipeline.OnCompressedFrame(func(_ *compress.Pipeline, frame types.CompressedFrame) {
		if err := pub.Publish(frame.Data); err != nil {
			s.logger.Warn().Err(err).Str("device", device.ID()).Msg("failed to publish depth frame")
		}
	})
	pipeline.Start(ctx)

	unsubscribe := device.Subscribe(func(frame types.DepthFrame) {
		pipeline.Submit(frame)
	})

	entry := &deviceEntry{
		record:      types.DeviceRecord{ID: device.ID(), DepthEndpoint: pub.Endpoint},
		pipeline:    pipeline,
		publisher:   pub,
		unsubscribe: unsubscribe,
		cancel:      cancel,
	}

	s.mu.Lock()
	s.devices[device.ID()] = entry
	s.mu.Unlock()

	s.logger.Info().Str("device", device.ID()).Str("depth_endpoint", pub.Endpoint).Msg("device attached")
	return nil
}

// RemoveKinect detaches a previously attached device, reversing everything
// AddKinect did.
func (s *Server) RemoveKinect(deviceID string) error {
	s.mu.Lock()
	entry, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("server: device %q not attached", deviceID)
	}
	delete(s.devices, deviceID)
	s.mu.Unlock()

	entry.unsubscribe()
	entry.cancel()
	_ = entry.publisher.Close()
	s.logger.Info().Str("device", deviceID).Msg("device detached")
	return nil
}

// ControlEndpoint returns the bound control endpoint URI, or "" if stopped.
func (s *Server) ControlEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.control == nil {
		return ""
	}
	return s.control.Endpoint
}

func (s *Server) controlLoop(ctx context.Context) {
	defer close(s.loopDone)
	for {
		parts, err := s.control.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warn().Err(err).Msg("control socket recv failed")
				return
			}
		}

		replyTag, replyPayload := s.handle(parts)
		frames, err := wire.Encode(replyTag, replyPayload)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to encode control reply")
			continue
		}
		if err := s.control.Reply(frames); err != nil {
			s.logger.Warn().Err(err).Msg("failed to send control reply")
		}
	}
}

// handle dispatches one decoded control message to a (tag, payload) reply,
// per the table in spec §4.4. A reply is always produced, including for
// malformed or unknown-tag requests, since the REP socket requires a reply
// to re-enable sends.
func (s *Server) handle(parts [][]byte) (wire.Tag, interface{}) {
	msg, err := wire.Decode(parts)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ControlErrors.Inc()
		}
		s.logger.Warn().Err(err).Msg("ignoring malformed control packet")
		return wire.TagError, wire.ErrorPayload{Code: 400, Reason: "malformed message"}
	}

	if s.metrics != nil {
		s.metrics.ControlRequestsServed.WithLabelValues(msg.Tag.String()).Inc()
	}

	switch msg.Tag {
	case wire.TagPing:
		return wire.TagPong, nil
	case wire.TagWho:
		return wire.TagMe, s.identity()
	default:
		if s.metrics != nil {
			s.metrics.ControlErrors.Inc()
		}
		return wire.TagError, wire.ErrorPayload{Code: 400, Reason: fmt.Sprintf("unknown message type %q", msg.Tag)}
	}
}

func (s *Server) identity() wire.MePayload {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := wire.MePayload{
		Version: wire.ProtocolVersion,
		Name:    s.name,
		Endpoints: wire.EndpointMap{
			string(types.EndpointControl): s.control.Endpoint,
		},
	}
	for _, entry := range s.devices {
		payload.Devices = append(payload.Devices, wire.DevicePayload{
			ID: entry.record.ID,
			Endpoints: wire.EndpointMap{
				string(types.EndpointDepth): entry.record.DepthEndpoint,
			},
		})
	}
	return payload
}

func endpointPort(endpoint string) (int, error) {
	var host string
	var port int
	// endpoint is "tcp://host:port"
	_, err := fmt.Sscanf(endpoint, "tcp://%s", &host)
	if err != nil {
		return 0, fmt.Errorf("server: parse endpoint %q: %w", endpoint, err)
	}
	idx := lastColon(host)
	if idx < 0 {
		return 0, fmt.Errorf("server: endpoint %q has no port", endpoint)
	}
	if _, err := fmt.Sscanf(host[idx+1:], "%d", &port); err != nil {
		return 0, fmt.Errorf("server: parse port from %q: %w", endpoint, err)
	}
	return port, nil
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
