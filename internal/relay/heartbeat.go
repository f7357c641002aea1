package relay

import (
	"encoding/json"

	"github.com/haitao-520/cursor-ESP8266/internal/protocol"
)

// Echo answers a heartbeat probe on the same session with the server time
// and the probe unchanged. It works for any role, including sessions that
// have not authenticated.
func (r *Relay) Echo(ep Endpoint, probe json.RawMessage) bool {
	return ep.Send(protocol.NewHeartbeatEchoMessage(probe, r.now()))
}

// Pong answers a first-generation ping like Echo, under the pong name.
func (r *Relay) Pong(ep Endpoint, probe json.RawMessage) bool {
	return ep.Send(protocol.NewLegacyPongMessage(probe, r.now()))
}
