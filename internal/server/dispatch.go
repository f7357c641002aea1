package server

import (
	"bytes"
	"encoding/json"

	apperrors "github.com/haitao-520/cursor-ESP8266/internal/errors"
	"github.com/haitao-520/cursor-ESP8266/internal/protocol"
	"github.com/haitao-520/cursor-ESP8266/internal/relay"
)

var (
	errRateLimited       = apperrors.RateLimited()
	errMalformedEnvelope = apperrors.InvalidMessage("malformed JSON envelope")
	errShuttingDown      = apperrors.ShuttingDown()
)

// dispatch handles one inbound envelope on the readPump goroutine.
func (c *Session) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.MessageTypeAuth:
		c.handleAuth(env.Payload)

	case protocol.MessageTypeControl:
		clientID, ok := c.requireRole(relay.RoleClient, env.Type)
		if !ok {
			return
		}
		c.handleControl(clientID, env.Payload)

	case protocol.MessageTypeStatus:
		deviceID, ok := c.requireRole(relay.RoleDevice, env.Type)
		if !ok {
			return
		}
		c.handleStatus(deviceID, env.Payload)

	case protocol.MessageTypeHeartbeatProbe:
		c.server.relay.Echo(c, env.Payload)

	case protocol.MessageTypeLegacyPing:
		c.server.relay.Pong(c, env.Payload)

	default:
		c.sendError(apperrors.UnknownType(string(env.Type)))
	}
}

// requireRole checks the session is authenticated as want before an event
// reaches the relay. Violations are answered with an error message.
func (c *Session) requireRole(want relay.Role, event protocol.MessageType) (string, bool) {
	switch c.state.Role() {
	case want:
		return c.state.ID(), true
	case relay.RoleUnauthenticated:
		c.sendError(apperrors.AuthRequired(string(event)))
	default:
		c.sendError(apperrors.WrongRole(string(event), c.state.Role().String()))
	}
	return "", false
}

func (c *Session) handleAuth(payload json.RawMessage) {
	var claim protocol.AuthPayload
	if err := json.Unmarshal(payload, &claim); err != nil {
		c.sendError(apperrors.InvalidMessage("auth payload must be an object"))
		return
	}

	state, err := c.server.relay.Authenticate(c.server.ctx, c, c.state, claim)
	if err != nil {
		// The relay has already reported the failure to the session.
		return
	}
	c.state = state
}

func (c *Session) handleControl(clientID string, payload json.RawMessage) {
	var ctrl protocol.ControlPayload
	if err := json.Unmarshal(payload, &ctrl); err != nil {
		c.sendError(apperrors.InvalidMessage("control payload must be an object"))
		return
	}
	c.server.relay.Route(clientID, ctrl.Target(), ctrl.Command)
}

func (c *Session) handleStatus(deviceID string, payload json.RawMessage) {
	var status protocol.StatusFields
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &status); err != nil {
			c.sendError(apperrors.InvalidMessage("status payload must be an object"))
			return
		}
	}
	c.server.relay.Broadcast(c, deviceID, status)
}

// sendError reports a rejected request to this session only. The cause of
// a coded error is logged, never sent.
func (c *Session) sendError(err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	c.logger.Debug().Err(err).Msg("request rejected")
	c.Send(protocol.NewErrorMessage(code, message))
}
