// Command devicesim impersonates a device or a control client against a
// running relay.
//
// Usage:
//
//	go run ./cmd/devicesim -role device -device-id ESP8266_001 -secret secret_key_001
//	go run ./cmd/devicesim -role client -target ESP8266_001
//	go run ./cmd/devicesim -discover
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/haitao-520/cursor-ESP8266/internal/logging"
	"github.com/haitao-520/cursor-ESP8266/internal/mdns"
	"github.com/haitao-520/cursor-ESP8266/internal/protocol"
)

type options struct {
	url      string
	role     string
	deviceID string
	secret   string
	target   string
	interval time.Duration
	discover bool
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "ws://127.0.0.1:3000/ws", "Relay WebSocket URL")
	flag.StringVar(&opts.role, "role", protocol.RoleDevice, "Session role: device or client")
	flag.StringVar(&opts.deviceID, "device-id", "ESP8266_001", "Device id (device role)")
	flag.StringVar(&opts.secret, "secret", "secret_key_001", "Device secret (device role)")
	flag.StringVar(&opts.target, "target", "ESP8266_001", "Device to drive (client role)")
	flag.DurationVar(&opts.interval, "interval", 2*time.Second, "Status or control interval")
	flag.BoolVar(&opts.discover, "discover", false, "Find the relay via mDNS instead of -url")
	flag.Parse()

	logger, err := logging.New("debug", "console", os.Stderr)
	if err != nil {
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.discover {
		url, err := discoverRelay(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("discovery failed")
		}
		opts.url = url
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	err = backoff.RetryNotify(func() error {
		start := time.Now()
		err := runSession(ctx, opts, logger)
		if ctx.Err() != nil {
			return nil
		}
		// A session that stayed up for a while starts the next
		// reconnect from the shortest delay again.
		if time.Since(start) > time.Minute {
			b.Reset()
		}
		if err == nil {
			err = errors.New("connection closed")
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", next).Msg("session ended")
	})
	if err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("giving up")
		os.Exit(1)
	}
}

func discoverRelay(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	relays, err := mdns.Discover(ctx)
	if err != nil {
		return "", err
	}
	if len(relays) == 0 {
		return "", errors.New("no relay found on the local network")
	}
	return relays[0].URL(), nil
}

// runSession holds one connection until it fails or ctx is canceled.
func runSession(ctx context.Context, opts options, logger zerolog.Logger) error {
	logger.Info().Str("url", opts.url).Str("role", opts.role).Msg("connecting")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	auth := protocol.AuthPayload{Role: opts.role}
	if opts.role == protocol.RoleDevice {
		auth.DeviceID = opts.deviceID
		auth.Secret = opts.secret
	}
	if err := writeMessage(conn, protocol.MessageTypeAuth, auth); err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- readLoop(conn, logger)
	}()

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-readErr:
			case <-time.After(time.Second):
			}
			return nil
		case err := <-readErr:
			return err
		case <-ticker.C:
			if err := tick(conn, opts); err != nil {
				return err
			}
		}
	}
}

// tick sends the periodic traffic of the role: telemetry for a device,
// a probe and a control command for a client.
func tick(conn *websocket.Conn, opts options) error {
	if opts.role == protocol.RoleDevice {
		return writeMessage(conn, protocol.MessageTypeStatus, protocol.StatusFields{
			"batteryVoltage": 3.6 + rand.Float64()*0.6,
			"signalStrength": -40 - rand.Intn(50),
		})
	}

	probe := map[string]int64{"sentAt": protocol.Millis(time.Now())}
	if err := writeMessage(conn, protocol.MessageTypeHeartbeatProbe, probe); err != nil {
		return err
	}
	command, err := json.Marshal(protocol.ControlCommand{
		Speed:     rand.Intn(201) - 100,
		Direction: rand.Intn(181) - 90,
	})
	if err != nil {
		return err
	}
	return writeMessage(conn, protocol.MessageTypeControl, protocol.ControlPayload{
		TargetDeviceID: opts.target,
		Command:        command,
	})
}

func readLoop(conn *websocket.Conn, logger zerolog.Logger) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn().Str("raw", string(data)).Msg("unparseable message")
			continue
		}

		if env.Type == protocol.MessageTypeHeartbeatEcho {
			var echo struct {
				Received struct {
					SentAt int64 `json:"sentAt"`
				} `json:"received"`
			}
			if json.Unmarshal(env.Payload, &echo) == nil && echo.Received.SentAt > 0 {
				rtt := protocol.Millis(time.Now()) - echo.Received.SentAt
				logger.Debug().Int64("rtt_ms", rtt).Msg("heartbeat")
				continue
			}
		}
		logger.Info().Str("type", string(env.Type)).RawJSON("payload", nonEmpty(env.Payload)).Msg("received")
	}
}

func writeMessage(conn *websocket.Conn, msgType protocol.MessageType, payload interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(protocol.Message{Type: msgType, Payload: payload})
}

func nonEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
