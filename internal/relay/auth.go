package relay

import (
	"context"
	"errors"

	"github.com/haitao-520/cursor-ESP8266/internal/credentials"
	apperrors "github.com/haitao-520/cursor-ESP8266/internal/errors"
	"github.com/haitao-520/cursor-ESP8266/internal/protocol"
)

// Authenticate classifies ep according to claim and registers it.
//
// The outcome is always reported to ep as an auth_result message (an
// auth_response for a first-generation claim); a client additionally
// receives available_devices. On success the new state is
// returned and exactly one registry mutation has happened. On failure the
// current state is returned unchanged with a coded error, and the registry
// is untouched. An unauthenticated session may retry at once; a session
// that is already a device or client cannot authenticate again.
func (r *Relay) Authenticate(ctx context.Context, ep Endpoint, current SessionState, claim protocol.AuthPayload) (SessionState, error) {
	legacy := claim.Legacy()
	if current.Authenticated() {
		return current, r.rejectAuth(ep, legacy, apperrors.AlreadyAuthenticated(current.Role().String()))
	}

	switch claim.ClaimRole() {
	case protocol.RoleDevice:
		return r.authenticateDevice(ctx, ep, current, claim.DeviceID, claim.ClaimSecret(), legacy)
	case protocol.RoleClient:
		return r.authenticateClient(ep, legacy), nil
	default:
		return current, r.rejectAuth(ep, legacy, apperrors.InvalidRole(claim.ClaimRole()))
	}
}

func (r *Relay) authenticateDevice(ctx context.Context, ep Endpoint, current SessionState, deviceID, secret string, legacy bool) (SessionState, error) {
	log := r.logger.With().Str("session", ep.SessionID()).Str("device_id", deviceID).Logger()

	if deviceID == "" {
		return current, r.rejectAuth(ep, legacy, apperrors.AuthFailed(errors.New("missing device id")))
	}

	if err := r.creds.Verify(ctx, deviceID, secret); err != nil {
		if errors.Is(err, credentials.ErrUnknownDevice) || errors.Is(err, credentials.ErrSecretMismatch) {
			log.Warn().Err(err).Msg("device authentication failed")
			return current, r.rejectAuth(ep, legacy, apperrors.AuthFailed(err))
		}
		log.Error().Err(err).Msg("credential store unavailable")
		return current, r.rejectAuth(ep, legacy, apperrors.CredentialsUnavailable(err))
	}

	state := DeviceState(deviceID)
	result := protocol.NewAuthResultMessage(protocol.AuthResultPayload{
		Success:  true,
		Role:     protocol.RoleDevice,
		DeviceID: deviceID,
	}, legacy)
	connected := protocol.NewDeviceConnectedMessage(deviceID)

	// Presence reaches the mirror inside the registry lock so it is ordered
	// with the removal of any earlier session for the same identity.
	prev := r.registry.RegisterDevice(deviceID, ep, func(prev Endpoint, clients []Endpoint) {
		ep.Send(result)
		if prev != nil {
			prev.Send(protocol.NewErrorMessage(apperrors.CodeAuthSuperseded, apperrors.Superseded(deviceID).Message))
		}
		sendAll(clients, connected)
		if r.mirror != nil {
			r.mirror.DevicePresence(deviceID, true)
		}
	})

	if prev != nil {
		log.Warn().Str("superseded_session", prev.SessionID()).Str("policy", string(r.replacePolicy)).
			Msg("device re-authenticated, replacing previous session")
		if r.replacePolicy == ReplaceClose {
			prev.Close()
		}
	}

	log.Info().Msg("device authenticated")
	return state, nil
}

func (r *Relay) authenticateClient(ep Endpoint, legacy bool) SessionState {
	clientID := ClientIDFor(ep)

	r.registry.RegisterClient(clientID, ep, func(deviceIDs []string) {
		ep.Send(protocol.NewAuthResultMessage(protocol.AuthResultPayload{
			Success:  true,
			Role:     protocol.RoleClient,
			ClientID: clientID,
		}, legacy))
		ep.Send(protocol.NewAvailableDevicesMessage(deviceIDs))
	})

	r.logger.Info().Str("session", ep.SessionID()).Str("client_id", clientID).Msg("client authenticated")
	return ClientState(clientID)
}

// rejectAuth reports a failed auth attempt to the claimant and returns err.
func (r *Relay) rejectAuth(ep Endpoint, legacy bool, err *apperrors.CodedError) error {
	ep.Send(protocol.NewAuthResultMessage(protocol.AuthResultPayload{
		Success: false,
		Code:    err.Code,
		Reason:  err.Message,
	}, legacy))
	return err
}
