package relay

import (
	"github.com/haitao-520/cursor-ESP8266/internal/protocol"
)

// Endpoint is one live transport session as seen by the relay core.
// The transport owns the connection; the relay only holds references for
// lookup and delivery.
//
// Implementations must make Send and Close non-blocking and safe to call
// from any goroutine, including while the registry lock is held.
type Endpoint interface {
	// SessionID is unique for the lifetime of the process.
	SessionID() string

	// Send queues msg for delivery. It returns false if the message was
	// dropped because the session is closing or its buffer is full.
	Send(msg protocol.Message) bool

	// Close asks the transport to terminate the session. Messages already
	// queued are flushed first. The transport reports the termination back
	// through Relay.Disconnect.
	Close()
}

// Role classifies a session.
type Role int

const (
	RoleUnauthenticated Role = iota
	RoleDevice
	RoleClient
)

// String returns the wire name of the role.
func (r Role) String() string {
	switch r {
	case RoleDevice:
		return protocol.RoleDevice
	case RoleClient:
		return protocol.RoleClient
	default:
		return "unauthenticated"
	}
}

// SessionState is the authentication state of one session:
// Unauthenticated, Device(id) or Client(id). The zero value is
// Unauthenticated. It is a value type; the transport stores the current
// state alongside the connection and replaces it on transition.
type SessionState struct {
	role Role
	id   string
}

// Unauthenticated returns the initial state of every session.
func Unauthenticated() SessionState {
	return SessionState{}
}

// DeviceState returns the state of a session registered as device id.
func DeviceState(id string) SessionState {
	return SessionState{role: RoleDevice, id: id}
}

// ClientState returns the state of a session registered as client id.
func ClientState(id string) SessionState {
	return SessionState{role: RoleClient, id: id}
}

// Role returns the session role.
func (s SessionState) Role() Role { return s.role }

// ID returns the device or client identity, empty when unauthenticated.
func (s SessionState) ID() string { return s.id }

// Device returns the device id if the session is a device.
func (s SessionState) Device() (string, bool) {
	return s.id, s.role == RoleDevice
}

// Client returns the client id if the session is a client.
func (s SessionState) Client() (string, bool) {
	return s.id, s.role == RoleClient
}

// Authenticated reports whether the session has been classified.
func (s SessionState) Authenticated() bool {
	return s.role != RoleUnauthenticated
}

// String is used in logs.
func (s SessionState) String() string {
	if s.role == RoleUnauthenticated {
		return s.role.String()
	}
	return s.role.String() + "(" + s.id + ")"
}

// ClientIDFor derives the client identity of a session. Session ids are
// never reused, so neither are client ids.
func ClientIDFor(ep Endpoint) string {
	return "client_" + ep.SessionID()
}
