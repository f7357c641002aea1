// Package telemetry mirrors device status and presence to an MQTT broker so
// dashboards and recorders can follow the fleet without holding a relay
// session.
//
// Topics, with the configured prefix:
//
//	<prefix>/<deviceId>/status     device_status payload as JSON
//	<prefix>/<deviceId>/presence   "online" or "offline", retained
package telemetry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/haitao-520/cursor-ESP8266/internal/protocol"
)

const (
	queueSize      = 256
	publishTimeout = 5 * time.Second
	quiesceMillis  = 250
)

// Client is the subset of the paho client the mirror uses.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// NewPahoClient creates a paho client for broker that reconnects on its own.
func NewPahoClient(broker, clientID string) Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	return mqtt.NewClient(opts)
}

type publication struct {
	topic    string
	retained bool
	payload  []byte
}

// MQTTMirror publishes relay telemetry from a single worker goroutine.
// DeviceStatus and DevicePresence never block: when the queue is full the
// publication is dropped and logged.
type MQTTMirror struct {
	client Client
	prefix string
	qos    byte

	queue     chan publication
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger zerolog.Logger
}

// NewMQTTMirror creates a mirror publishing through client. Call Start to
// connect and begin publishing.
func NewMQTTMirror(client Client, prefix string, qos byte, logger zerolog.Logger) *MQTTMirror {
	return &MQTTMirror{
		client: client,
		prefix: prefix,
		qos:    qos,
		queue:  make(chan publication, queueSize),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "telemetry").Logger(),
	}
}

// Start connects to the broker and starts the publish worker.
func (m *MQTTMirror) Start() error {
	token := m.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}

	m.wg.Add(1)
	go m.run()

	m.logger.Info().Str("prefix", m.prefix).Msg("mqtt telemetry mirror connected")
	return nil
}

// Close publishes whatever is queued, then disconnects. It is idempotent.
func (m *MQTTMirror) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		m.client.Disconnect(quiesceMillis)
	})
}

// DeviceStatus publishes a device_status payload.
func (m *MQTTMirror) DeviceStatus(deviceID string, payload protocol.StatusFields) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Warn().Err(err).Str("device_id", deviceID).Msg("status not mirrored: unencodable payload")
		return
	}
	m.enqueue(publication{topic: m.topic(deviceID, "status"), payload: data})
}

// DevicePresence publishes the retained presence of a device.
func (m *MQTTMirror) DevicePresence(deviceID string, online bool) {
	state := "offline"
	if online {
		state = "online"
	}
	m.enqueue(publication{topic: m.topic(deviceID, "presence"), retained: true, payload: []byte(state)})
}

func (m *MQTTMirror) topic(deviceID, leaf string) string {
	if m.prefix == "" {
		return deviceID + "/" + leaf
	}
	return m.prefix + "/" + deviceID + "/" + leaf
}

func (m *MQTTMirror) enqueue(p publication) {
	select {
	case <-m.done:
		return
	default:
	}

	select {
	case m.queue <- p:
	default:
		m.logger.Warn().Str("topic", p.topic).Msg("telemetry queue full, dropping publication")
	}
}

func (m *MQTTMirror) run() {
	defer m.wg.Done()
	for {
		select {
		case p := <-m.queue:
			m.publish(p)
		case <-m.done:
			for {
				select {
				case p := <-m.queue:
					m.publish(p)
				default:
					return
				}
			}
		}
	}
}

func (m *MQTTMirror) publish(p publication) {
	token := m.client.Publish(p.topic, m.qos, p.retained, p.payload)
	if !token.WaitTimeout(publishTimeout) {
		m.logger.Warn().Str("topic", p.topic).Msg("mqtt publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		m.logger.Warn().Err(err).Str("topic", p.topic).Msg("mqtt publish failed")
	}
}
