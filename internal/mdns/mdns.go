// Package mdns provides optional mDNS/Bonjour advertisement of the relay.
//
// When enabled, the relay advertises itself on the local network using
// DNS-SD, so devices and control clients on the same LAN can find the
// WebSocket endpoint without a configured IP address.
//
// The advertisement includes:
//   - Service type: _rcrelay._tcp
//   - TXT records with version, name and the WebSocket path
//
// Discovery only reveals presence; devices still authenticate with their secret.
package mdns

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type for relays.
const ServiceType = "_rcrelay._tcp"

// ProtocolVersion identifies the relay message protocol for compatibility.
const ProtocolVersion = "1"

// DefaultPath is the advertised WebSocket path.
const DefaultPath = "/ws"

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the relay port to advertise (e.g., 3000).
	Port int

	// Name is a human-readable name for this relay.
	// Defaults to the system hostname if empty.
	Name string

	// Path is the WebSocket path. Defaults to DefaultPath.
	Path string
}

// Advertiser manages mDNS/DNS-SD service registration.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates a new mDNS advertiser with the given configuration.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{
		config: cfg,
	}
}

// Start begins advertising the relay via mDNS.
//
// Start is safe to call multiple times; subsequent calls are no-ops
// if already running.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.config.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			name = "rcrelay"
		} else {
			name = hostname
		}
	}

	server, err := zeroconf.Register(
		name,
		ServiceType,
		"local.",
		a.config.Port,
		txtRecords(name, a.config.Path),
		nil, // all interfaces
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	return nil
}

// Stop stops the mDNS advertisement and unregisters the service.
// It is safe to call Stop multiple times or on an advertiser that
// was never started.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning returns true if the advertiser is currently running.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// txtRecords builds the TXT strings. Each must stay under 255 bytes.
func txtRecords(name, path string) []string {
	if path == "" {
		path = DefaultPath
	}
	return []string{
		"version=" + ProtocolVersion,
		"name=" + name,
		"path=" + path,
	}
}

// DiscoveredRelay is a relay found via mDNS discovery.
type DiscoveredRelay struct {
	// Name is the human-readable name of the relay.
	Name string

	// Host is the IP address.
	Host string

	// Port is the relay port.
	Port int

	// Path is the WebSocket path.
	Path string

	// Version is the protocol version.
	Version string
}

// URL returns the WebSocket URL of the relay.
func (r DiscoveredRelay) URL() string {
	path := r.Path
	if path == "" {
		path = DefaultPath
	}
	return "ws://" + net.JoinHostPort(r.Host, strconv.Itoa(r.Port)) + path
}

// applyTXT fills r from key=value TXT strings. Unknown keys are ignored.
func (r *DiscoveredRelay) applyTXT(records []string) {
	for _, txt := range records {
		key, value, ok := strings.Cut(txt, "=")
		if !ok || value == "" {
			continue
		}
		switch key {
		case "version":
			r.Version = value
		case "name":
			r.Name = value
		case "path":
			r.Path = value
		}
	}
}

// Discover browses for relays on the local network until ctx is done.
// The device simulator uses it; firmware uses its own mDNS responder.
func Discover(ctx context.Context) ([]DiscoveredRelay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		relays []DiscoveredRelay
		mu     sync.Mutex
		wg     sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			found := DiscoveredRelay{
				Name: entry.Instance,
				Port: entry.Port,
			}

			// Prefer IPv4 address
			if len(entry.AddrIPv4) > 0 {
				found.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				found.Host = entry.AddrIPv6[0].String()
			}
			found.applyTXT(entry.Text)

			mu.Lock()
			relays = append(relays, found)
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-ctx.Done()

	// zeroconf closes entries once ctx is done.
	wg.Wait()

	return relays, nil
}
