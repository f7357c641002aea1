package config

// DefaultHost is the interface the relay listens on by default.
const DefaultHost = "0.0.0.0"

// DefaultAddr is the default listen address for the WebSocket server.
const DefaultAddr = "0.0.0.0:3000"

// Inbound flow control defaults, per session.
const (
	DefaultRateLimit = 200
	DefaultRateBurst = 50
)

// MQTT defaults.
const (
	DefaultMQTTClientID    = "rcrelay"
	DefaultMQTTTopicPrefix = "rcrelay"
)
