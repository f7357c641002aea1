package relay

import (
	"encoding/json"

	"github.com/haitao-520/cursor-ESP8266/internal/protocol"
)

// Route forwards command from a client to the session registered for
// targetDeviceID, stamped with the server time. A target that is not
// registered is a silent miss: nothing is delivered and nothing is reported
// to the sender. Route reports whether the device session accepted the
// command.
//
// The caller must have checked that fromClientID belongs to an
// authenticated client session.
func (r *Relay) Route(fromClientID, targetDeviceID string, command json.RawMessage) bool {
	log := r.logger.With().Str("client_id", fromClientID).Str("device_id", targetDeviceID).Logger()

	if targetDeviceID == "" {
		log.Debug().Msg("control without target dropped")
		return false
	}

	if r.clampCommands {
		clamped, err := protocol.ClampRaw(command)
		if err != nil {
			log.Warn().Err(err).Msg("unclampable control command dropped")
			return false
		}
		command = clamped
	}

	device, ok := r.registry.Device(targetDeviceID)
	if !ok {
		log.Debug().Msg("control for unregistered device dropped")
		return false
	}

	if !device.Send(protocol.NewCommandMessage(command, r.now())) {
		log.Warn().Str("session", device.SessionID()).Msg("device send buffer full, command dropped")
		return false
	}
	return true
}
