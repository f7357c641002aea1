// Package protocol defines the JSON message protocol spoken between the relay,
// the remote devices it drives, and the control clients that drive them.
//
// Every WebSocket text frame carries one Envelope:
//
//	{"type": "control", "id": "optional", "payload": {...}}
//
// Event names mirror the socket.io events of the first-generation relay.
// A peer that speaks the first-generation dialect (auth with "type", a
// "ping" heartbeat) is answered in that dialect with auth_response and
// pong, so existing ESP8266 firmware only needs a transport change.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of message being sent over WebSocket.
type MessageType string

const (
	// MessageTypeAuth is sent by a device or client to classify its session.
	// Payload: AuthPayload
	MessageTypeAuth MessageType = "auth"

	// MessageTypeAuthResult reports the outcome of an auth attempt.
	// Payload: AuthResultPayload
	MessageTypeAuthResult MessageType = "auth_result"

	// MessageTypeAvailableDevices lists the registered device ids at the
	// moment a client authenticated.
	// Payload: []string
	MessageTypeAvailableDevices MessageType = "available_devices"

	// MessageTypeControl is sent by a client to drive a device.
	// Payload: ControlPayload
	MessageTypeControl MessageType = "control"

	// MessageTypeCommand delivers a control command to a device.
	// Payload: CommandPayload
	MessageTypeCommand MessageType = "command"

	// MessageTypeStatus is sent by a device with telemetry fields.
	// Payload: free-form JSON object
	MessageTypeStatus MessageType = "status"

	// MessageTypeDeviceStatus fans a device status out to clients.
	// Payload: free-form JSON object plus deviceId and timestamp
	MessageTypeDeviceStatus MessageType = "device_status"

	// MessageTypeDeviceConnected tells clients a device came online.
	// Payload: DevicePresencePayload
	MessageTypeDeviceConnected MessageType = "device_connected"

	// MessageTypeDeviceDisconnected tells clients a device went away.
	// Payload: DevicePresencePayload
	MessageTypeDeviceDisconnected MessageType = "device_disconnected"

	// MessageTypeHeartbeatProbe is a latency probe from either role.
	// Payload: opaque JSON, echoed back unchanged
	MessageTypeHeartbeatProbe MessageType = "heartbeat_probe"

	// MessageTypeHeartbeatEcho answers a probe.
	// Payload: HeartbeatEchoPayload
	MessageTypeHeartbeatEcho MessageType = "heartbeat_echo"

	// MessageTypeError reports a rejected request to the sending session.
	// Payload: ErrorPayload
	MessageTypeError MessageType = "error"

	// MessageTypeLegacyPing is the first-generation name for heartbeat_probe.
	MessageTypeLegacyPing MessageType = "ping"

	// MessageTypeLegacyPong answers a ping. Same payload as heartbeat_echo.
	MessageTypeLegacyPong MessageType = "pong"

	// MessageTypeLegacyAuthResponse answers an auth that used the
	// first-generation "type" field. Same payload as auth_result.
	MessageTypeLegacyAuthResponse MessageType = "auth_response"
)

// Roles carried in AuthPayload.Role.
const (
	RoleDevice = "device"
	RoleClient = "client"
)

// Message is the outbound envelope. Payload is marshaled as-is.
type Message struct {
	// Type identifies what kind of message this is.
	Type MessageType `json:"type"`

	// ID is an optional message identifier for correlation.
	ID string `json:"id,omitempty"`

	// Payload contains the message-specific data.
	Payload interface{} `json:"payload"`
}

// Envelope is the inbound form of Message. The payload is kept raw until
// the type is known.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload is the identity claim of a session.
type AuthPayload struct {
	// Role is "device" or "client".
	Role string `json:"role"`

	// Type is the legacy spelling of Role.
	Type string `json:"type,omitempty"`

	// DeviceID identifies the device (device role only).
	DeviceID string `json:"deviceId,omitempty"`

	// Secret is the provisioned device secret (device role only).
	Secret string `json:"secret,omitempty"`

	// DeviceKey is the legacy spelling of Secret.
	DeviceKey string `json:"deviceKey,omitempty"`
}

// ClaimRole returns the claimed role, honoring the legacy field.
func (p AuthPayload) ClaimRole() string {
	if p.Role != "" {
		return p.Role
	}
	return p.Type
}

// Legacy reports whether the claim was written in the first-generation
// dialect, which names the role "type".
func (p AuthPayload) Legacy() bool {
	return p.Role == "" && p.Type != ""
}

// ClaimSecret returns the claimed secret, honoring the legacy field.
func (p AuthPayload) ClaimSecret() string {
	if p.Secret != "" {
		return p.Secret
	}
	return p.DeviceKey
}

// AuthResultPayload is the body of an auth_result message.
type AuthResultPayload struct {
	Success  bool   `json:"success"`
	Role     string `json:"role,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	Code     string `json:"code,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// Message repeats Reason under the first-generation field name. Only
	// set on auth_response.
	Message string `json:"message,omitempty"`
}

// ControlPayload is the body of a control message.
type ControlPayload struct {
	TargetDeviceID string `json:"targetDeviceId"`

	// TargetDevice is the legacy spelling of TargetDeviceID.
	TargetDevice string `json:"targetDevice,omitempty"`

	// Command is forwarded to the device without reinterpretation.
	Command json.RawMessage `json:"command"`
}

// Target returns the addressed device, honoring the legacy field.
func (p ControlPayload) Target() string {
	if p.TargetDeviceID != "" {
		return p.TargetDeviceID
	}
	return p.TargetDevice
}

// CommandPayload is the body of a command message delivered to a device.
type CommandPayload struct {
	Command   json.RawMessage `json:"command"`
	Timestamp int64           `json:"timestamp"`
}

// DevicePresencePayload is the body of device_connected and device_disconnected.
type DevicePresencePayload struct {
	DeviceID string `json:"deviceId"`
}

// HeartbeatEchoPayload is the body of a heartbeat_echo message.
type HeartbeatEchoPayload struct {
	Timestamp int64           `json:"timestamp"`
	Received  json.RawMessage `json:"received"`
}

// ErrorPayload is the body of an error message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusFields is a device status report: arbitrary JSON fields such as
// batteryVoltage and signalStrength.
type StatusFields map[string]interface{}

// Millis converts t to Unix milliseconds, the timestamp unit on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// NewAuthResultMessage creates an auth_result message, or an auth_response
// carrying the same fields when legacy is set.
func NewAuthResultMessage(payload AuthResultPayload, legacy bool) Message {
	if legacy {
		payload.Message = payload.Reason
		return Message{Type: MessageTypeLegacyAuthResponse, Payload: payload}
	}
	return Message{Type: MessageTypeAuthResult, Payload: payload}
}

// NewAvailableDevicesMessage creates an available_devices message.
// A nil slice is sent as an empty JSON array.
func NewAvailableDevicesMessage(deviceIDs []string) Message {
	if deviceIDs == nil {
		deviceIDs = []string{}
	}
	return Message{Type: MessageTypeAvailableDevices, Payload: deviceIDs}
}

// NewCommandMessage creates a command message for a device.
func NewCommandMessage(command json.RawMessage, ts time.Time) Message {
	if len(command) == 0 {
		command = json.RawMessage("null")
	}
	return Message{
		Type: MessageTypeCommand,
		Payload: CommandPayload{
			Command:   command,
			Timestamp: Millis(ts),
		},
	}
}

// NewDeviceStatusMessage creates a device_status message. The deviceId and
// timestamp fields are authoritative and replace any same-named fields the
// device sent. The input map is not modified.
func NewDeviceStatusMessage(deviceID string, fields StatusFields, ts time.Time) Message {
	out := make(StatusFields, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["deviceId"] = deviceID
	out["timestamp"] = Millis(ts)
	return Message{Type: MessageTypeDeviceStatus, Payload: out}
}

// NewDeviceConnectedMessage creates a device_connected message.
func NewDeviceConnectedMessage(deviceID string) Message {
	return Message{Type: MessageTypeDeviceConnected, Payload: DevicePresencePayload{DeviceID: deviceID}}
}

// NewDeviceDisconnectedMessage creates a device_disconnected message.
func NewDeviceDisconnectedMessage(deviceID string) Message {
	return Message{Type: MessageTypeDeviceDisconnected, Payload: DevicePresencePayload{DeviceID: deviceID}}
}

// NewHeartbeatEchoMessage creates a heartbeat_echo message. The probe is
// returned byte-for-byte.
func NewHeartbeatEchoMessage(probe json.RawMessage, ts time.Time) Message {
	return newEcho(MessageTypeHeartbeatEcho, probe, ts)
}

// NewLegacyPongMessage creates the pong answer to a first-generation ping.
func NewLegacyPongMessage(probe json.RawMessage, ts time.Time) Message {
	return newEcho(MessageTypeLegacyPong, probe, ts)
}

func newEcho(t MessageType, probe json.RawMessage, ts time.Time) Message {
	if len(probe) == 0 {
		probe = json.RawMessage("null")
	}
	return Message{
		Type: t,
		Payload: HeartbeatEchoPayload{
			Timestamp: Millis(ts),
			Received:  probe,
		},
	}
}

// NewErrorMessage creates an error message.
func NewErrorMessage(code, message string) Message {
	return Message{Type: MessageTypeError, Payload: ErrorPayload{Code: code, Message: message}}
}
