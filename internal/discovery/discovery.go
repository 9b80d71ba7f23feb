// Package discovery advertises a server on the local network and browses
// for peers via DNS-SD/mDNS (spec §4.3), translating
// original_source/streamkinect2/server.py's ServerBrowser/_Listener
// (weakref-guarded addService/removeService) into a handle-based Go
// equivalent per the spec's design note §9 ("model this as a handle ID
// into a registry that may yield 'owner gone'").
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/rjw57/streamkinect2/internal/metrics"
	"github.com/rjw57/streamkinect2/internal/types"
	"github.com/rs/zerolog"
)

// ServiceType is the fixed Kinect2 DNS-SD service type (spec §6).
const ServiceType = "_kinect2._tcp"

// Advertiser registers a server with mDNS on Start and withdraws it on
// Stop. Re-registration after Stop is permitted (spec §4.3).
type Advertiser struct {
	logger zerolog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser returns an idle Advertiser.
func NewAdvertiser(logger zerolog.Logger) *Advertiser {
	return &Advertiser{logger: logger}
}

// Start registers (name, port) under ServiceType with an empty TXT record,
// per spec §4.3/§6. address is only logged: it is not part of the
// registration, and zeroconf announces the service on every interface with
// the host's own addresses.
func (a *Advertiser) Start(name, address string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.logger.Warn().Msg("discovery advertiser already running")
		return nil
	}

	srv, err := zeroconf.Register(name, ServiceType, "local.", port, nil, nil)
	if err != nil {
		return fmt.Errorf("discovery: register %q: %w", name, err)
	}
	a.logger.Info().Str("name", name).Str("address", address).Int("port", port).Msg("registered server with zeroconf")
	a.server = srv
	return nil
}

// Stop withdraws the advertisement. A no-op with a warning if not running.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		a.logger.Warn().Msg("discovery advertiser already stopped")
		return
	}
	a.server.Shutdown()
	a.server = nil
}

// Listener receives server add/remove notifications from a Browser. Methods
// are called on the browser's internal goroutine for the lifetime of the
// browser; callers needing event-loop affinity must hop appropriately.
type Listener interface {
	OnAddServer(info types.ServerInfo)
	OnRemoveServer(info types.ServerInfo)
}

// Browser watches the network for Kinect2 servers, keyed by instance name,
// guaranteeing remove-before-add ordering for a given name (spec §4.3
// Ordering guarantee).
type Browser struct {
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu     sync.Mutex
	known  map[string]types.ServerInfo
	gone   bool // true once the owning component has released the browser
	cancel context.CancelFunc
}

// NewBrowser starts browsing in the background and delivers events to
// listener until the returned Browser's Close is called. reg may be nil, in
// which case discovery add/remove events simply aren't counted.
func NewBrowser(ctx context.Context, logger zerolog.Logger, reg *metrics.Registry, listener Listener) (*Browser, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: new resolver: %w", err)
	}

	browseCtx, cancel := context.WithCancel(ctx)
	b := &Browser{logger: logger, metrics: reg, known: make(map[string]types.ServerInfo), cancel: cancel}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go b.consume(entries, listener)

	if err := resolver.Browse(browseCtx, ServiceType, "local.", entries); err != nil {
		cancel()
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	return b, nil
}

// Close stops the browser. Subsequent callbacks from the underlying library
// (if any are already in flight) become no-ops, mirroring the weak
// back-reference in the original implementation.
func (b *Browser) Close() {
	b.mu.Lock()
	b.gone = true
	b.mu.Unlock()
	b.cancel()
}

func (b *Browser) consume(entries <-chan *zeroconf.ServiceEntry, listener Listener) {
	for entry := range entries {
		b.mu.Lock()
		if b.gone {
			b.mu.Unlock()
			return
		}

		name := strings.TrimSuffix(entry.Instance, "."+ServiceType)
		addr := resolveAddress(entry)
		if addr == "" {
			b.logger.Warn().Str("name", name).Msg("discovery: service entry has no resolvable address")
			b.mu.Unlock()
			continue
		}
		info := types.ServerInfo{
			Name:            name,
			ControlEndpoint: "tcp://" + net.JoinHostPort(addr, strconv.Itoa(entry.Port)),
		}

		// zeroconf's resolver re-emits existing services periodically;
		// treat a repeat of an already-known name as a no-op add rather
		// than re-emitting. A genuine remove is signalled by the entry
		// going away, which this library represents with TTL=0 entries;
		// handle that first.
		if entry.TTL == 0 {
			if prev, ok := b.known[name]; ok {
				delete(b.known, name)
				b.mu.Unlock()
				b.logger.Info().Str("name", name).Msg("service removed")
				if b.metrics != nil {
					b.metrics.DiscoveryServersGone.Inc()
				}
				listener.OnRemoveServer(prev)
				continue
			}
			b.mu.Unlock()
			continue
		}

		prev, known := b.known[name]
		if known && prev == info {
			b.mu.Unlock()
			continue
		}
		b.known[name] = info
		b.mu.Unlock()

		// A re-resolve at a changed address without an observed TTL=0 in
		// between would otherwise surface as two adds with no intervening
		// remove for the same name, violating the §8 ordering guarantee;
		// synthesize the missing remove first.
		if known {
			b.logger.Info().Str("name", name).Msg("service address changed, synthesizing remove before re-add")
			if b.metrics != nil {
				b.metrics.DiscoveryServersGone.Inc()
			}
			listener.OnRemoveServer(prev)
		}

		b.logger.Info().Str("name", name).Str("endpoint", info.ControlEndpoint).Msg("service discovered")
		if b.metrics != nil {
			b.metrics.DiscoveryServersAdded.Inc()
		}
		listener.OnAddServer(info)
	}
}

func resolveAddress(entry *zeroconf.ServiceEntry) string {
	if len(entry.AddrIPv4) > 0 {
		return entry.AddrIPv4[0].String()
	}
	if len(entry.AddrIPv6) > 0 {
		return entry.AddrIPv6[0].String()
	}
	return ""
}
