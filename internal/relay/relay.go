// Package relay is the connection registry and message relay between
// remote-controlled devices and the clients that drive them.
//
// The relay is transport-agnostic. A transport (see internal/server) owns
// each connection, keeps its SessionState, and calls into the relay:
//
//	Authenticate  auth gate: classify a session as device or client
//	Route         command router: client -> one device
//	Broadcast     status broadcaster: device -> every client
//	Echo          heartbeat echo: any session, role-agnostic
//	Disconnect    disconnect reconciler: exactly once per terminated session
//
// All registry state lives in one Registry guarded by a single lock.
// Message delivery uses Endpoint.Send, which never blocks, so a slow or
// dead recipient never stalls the sender or other recipients.
package relay

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/haitao-520/cursor-ESP8266/internal/credentials"
	"github.com/haitao-520/cursor-ESP8266/internal/protocol"
)

// ReplacePolicy decides what happens to a device session whose identity
// authenticates again on another session.
type ReplacePolicy string

const (
	// ReplaceClose closes the superseded session after telling it why.
	ReplaceClose ReplacePolicy = "close"

	// ReplaceKeep leaves the superseded session open until its own
	// disconnect. It no longer receives commands and its status is dropped.
	ReplaceKeep ReplacePolicy = "keep"
)

// ParseReplacePolicy validates a policy name. Empty means ReplaceClose.
func ParseReplacePolicy(s string) (ReplacePolicy, error) {
	switch ReplacePolicy(s) {
	case "", ReplaceClose:
		return ReplaceClose, nil
	case ReplaceKeep:
		return ReplaceKeep, nil
	default:
		return "", fmt.Errorf("invalid replace policy %q (must be 'close' or 'keep')", s)
	}
}

// Mirror receives a copy of device telemetry and presence changes.
// Calls are made while the registry lock is held, so they arrive in
// registry order. Implementations must not block and must not call back
// into the Relay.
type Mirror interface {
	DeviceStatus(deviceID string, payload protocol.StatusFields)
	DevicePresence(deviceID string, online bool)
}

// Options configures a Relay.
type Options struct {
	// Credentials verifies device claims. Required.
	Credentials credentials.Store

	// ReplacePolicy applies on device re-authentication. Default ReplaceClose.
	ReplacePolicy ReplacePolicy

	// ClampCommands limits speed and direction to their firmware ranges
	// before forwarding. Default false: commands are forwarded as sent.
	ClampCommands bool

	// Mirror, if set, receives device status and presence.
	Mirror Mirror

	// Clock overrides time.Now for timestamps.
	Clock func() time.Time

	Logger zerolog.Logger
}

// Relay routes messages between registered sessions.
type Relay struct {
	registry      *Registry
	creds         credentials.Store
	replacePolicy ReplacePolicy
	clampCommands bool
	mirror        Mirror
	now           func() time.Time
	logger        zerolog.Logger
}

// New creates a Relay with an empty registry.
func New(opts Options) *Relay {
	r := &Relay{
		registry:      NewRegistry(),
		creds:         opts.Credentials,
		replacePolicy: opts.ReplacePolicy,
		clampCommands: opts.ClampCommands,
		mirror:        opts.Mirror,
		now:           opts.Clock,
		logger:        opts.Logger,
	}
	if r.creds == nil {
		r.creds = credentials.Chain{}
	}
	if r.replacePolicy == "" {
		r.replacePolicy = ReplaceClose
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Registry exposes the registry for read-only inspection (status endpoint).
func (r *Relay) Registry() *Registry {
	return r.registry
}

// sendAll delivers msg to each endpoint independently and returns how many
// accepted it. A refused send affects only that recipient.
func sendAll(eps []Endpoint, msg protocol.Message) int {
	delivered := 0
	for _, ep := range eps {
		if ep.Send(msg) {
			delivered++
		}
	}
	return delivered
}
