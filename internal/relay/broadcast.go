package relay

import (
	"github.com/haitao-520/cursor-ESP8266/internal/protocol"
)

// Broadcast delivers a device status to every client registered when the
// snapshot is taken and returns how many accepted it. Clients that go away
// mid-delivery simply miss the message.
//
// The status is dropped, and -1 returned, unless ep is still the session
// registered for fromDeviceID. A superseded session keeps its device state
// until it disconnects but no longer speaks for the device.
func (r *Relay) Broadcast(ep Endpoint, fromDeviceID string, status protocol.StatusFields) int {
	msg := protocol.NewDeviceStatusMessage(fromDeviceID, status, r.now())

	var clients, delivered int
	current := r.registry.IfDeviceCurrent(fromDeviceID, ep, func(snapshot []Endpoint) {
		clients = len(snapshot)
		delivered = sendAll(snapshot, msg)
		if r.mirror != nil {
			r.mirror.DeviceStatus(fromDeviceID, msg.Payload.(protocol.StatusFields))
		}
	})
	if !current {
		r.logger.Debug().Str("session", ep.SessionID()).Str("device_id", fromDeviceID).
			Msg("status from superseded device session dropped")
		return -1
	}

	if delivered < clients {
		r.logger.Warn().Str("device_id", fromDeviceID).
			Int("clients", clients).Int("delivered", delivered).
			Msg("device status not delivered to every client")
	}
	return delivered
}
