package relay

import (
	"github.com/haitao-520/cursor-ESP8266/internal/protocol"
)

// Disconnect unwinds the registry entry of a terminated session.
//
// A device session that is still the registered one for its identity is
// removed and every registered client receives device_disconnected. A
// device session that was already superseded removes nothing and notifies
// no one, since the identity is still online. Client sessions are removed
// silently. Repeated calls for the same session are no-ops.
func (r *Relay) Disconnect(ep Endpoint, state SessionState) {
	switch state.Role() {
	case RoleDevice:
		deviceID := state.ID()
		msg := protocol.NewDeviceDisconnectedMessage(deviceID)
		removed := r.registry.RemoveDevice(deviceID, ep, func(clients []Endpoint) {
			sendAll(clients, msg)
			if r.mirror != nil {
				r.mirror.DevicePresence(deviceID, false)
			}
		})
		if !removed {
			r.logger.Debug().Str("session", ep.SessionID()).Str("device_id", deviceID).
				Msg("superseded device session closed")
			return
		}
		r.logger.Info().Str("session", ep.SessionID()).Str("device_id", deviceID).Msg("device disconnected")

	case RoleClient:
		if r.registry.RemoveClient(state.ID(), ep) {
			r.logger.Info().Str("session", ep.SessionID()).Str("client_id", state.ID()).Msg("client disconnected")
		}

	default:
		r.logger.Debug().Str("session", ep.SessionID()).Msg("unauthenticated session closed")
	}
}
