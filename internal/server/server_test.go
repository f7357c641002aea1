package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haitao-520/cursor-ESP8266/internal/credentials"
	apperrors "github.com/haitao-520/cursor-ESP8266/internal/errors"
	"github.com/haitao-520/cursor-ESP8266/internal/protocol"
	"github.com/haitao-520/cursor-ESP8266/internal/relay"
)

// inbound is a message as a peer sees it on the wire.
type inbound struct {
	Type    protocol.MessageType `json:"type"`
	Payload json.RawMessage      `json:"payload"`
}

func newTestServer(t *testing.T, opts relay.Options) (*Server, *httptest.Server) {
	t.Helper()
	if opts.Credentials == nil {
		opts.Credentials = credentials.NewStaticStore(map[string]string{
			"ESP8266_001": "secret_key_001",
			"ESP8266_002": "secret_key_002",
		})
	}
	opts.Logger = zerolog.Nop()

	s := NewServer("unused", relay.New(opts), zerolog.Nop())
	ts := httptest.NewServer(s.createMux())
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})
	return s, ts
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ protocol.MessageType, payload interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(protocol.Message{Type: typ, Payload: payload}))
}

func readMessage(t *testing.T, conn *websocket.Conn) inbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg inbound
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readUntil skips messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ protocol.MessageType) inbound {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := readMessage(t, conn)
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s message within 20 reads", typ)
	return inbound{}
}

func decode(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, v))
}

func connectDevice(t *testing.T, ts *httptest.Server, id, secret string) *websocket.Conn {
	t.Helper()
	conn := dial(t, ts)
	send(t, conn, protocol.MessageTypeAuth, protocol.AuthPayload{Role: protocol.RoleDevice, DeviceID: id, Secret: secret})
	var res protocol.AuthResultPayload
	decode(t, readUntil(t, conn, protocol.MessageTypeAuthResult).Payload, &res)
	require.True(t, res.Success, "device auth failed: %+v", res)
	return conn
}

func connectClient(t *testing.T, ts *httptest.Server) (*websocket.Conn, []string) {
	t.Helper()
	conn := dial(t, ts)
	send(t, conn, protocol.MessageTypeAuth, protocol.AuthPayload{Role: protocol.RoleClient})
	var res protocol.AuthResultPayload
	decode(t, readMessage(t, conn).Payload, &res)
	require.True(t, res.Success)
	require.True(t, strings.HasPrefix(res.ClientID, "client_"), "client id %q", res.ClientID)

	msg := readMessage(t, conn)
	require.Equal(t, protocol.MessageTypeAvailableDevices, msg.Type)
	var ids []string
	decode(t, msg.Payload, &ids)
	return conn, ids
}

func expectError(t *testing.T, conn *websocket.Conn, code string) {
	t.Helper()
	var p protocol.ErrorPayload
	decode(t, readUntil(t, conn, protocol.MessageTypeError).Payload, &p)
	assert.Equal(t, code, p.Code)
}

func TestScenario_ControlStatusAndDeparture(t *testing.T) {
	s, ts := newTestServer(t, relay.Options{})

	device := connectDevice(t, ts, "ESP8266_001", "secret_key_001")
	client, ids := connectClient(t, ts)
	assert.Equal(t, []string{"ESP8266_001"}, ids)

	before := time.Now().UnixMilli()
	send(t, client, protocol.MessageTypeControl, map[string]interface{}{
		"targetDeviceId": "ESP8266_001",
		"command":        map[string]int{"speed": 50, "direction": 10},
	})

	var cmd protocol.CommandPayload
	decode(t, readUntil(t, device, protocol.MessageTypeCommand).Payload, &cmd)
	assert.JSONEq(t, `{"speed":50,"direction":10}`, string(cmd.Command))
	assert.GreaterOrEqual(t, cmd.Timestamp, before)

	send(t, device, protocol.MessageTypeStatus, map[string]interface{}{"batteryVoltage": 7.4, "signalStrength": -61})
	var status map[string]interface{}
	decode(t, readUntil(t, client, protocol.MessageTypeDeviceStatus).Payload, &status)
	assert.Equal(t, "ESP8266_001", status["deviceId"])
	assert.Equal(t, 7.4, status["batteryVoltage"])
	assert.Equal(t, float64(-61), status["signalStrength"])
	assert.NotZero(t, status["timestamp"])

	device.Close()

	var gone protocol.DevicePresencePayload
	decode(t, readUntil(t, client, protocol.MessageTypeDeviceDisconnected).Payload, &gone)
	assert.Equal(t, "ESP8266_001", gone.DeviceID)

	require.Eventually(t, func() bool {
		d, _ := s.relay.Registry().Counts()
		return d == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, ids = connectClient(t, ts)
	assert.Empty(t, ids)
}

func TestLegacyAuthAndControlFields(t *testing.T) {
	_, ts := newTestServer(t, relay.Options{})

	device := dial(t, ts)
	send(t, device, protocol.MessageTypeAuth, map[string]string{
		"type": "device", "deviceId": "ESP8266_002", "deviceKey": "secret_key_002",
	})
	reply := readMessage(t, device)
	assert.Equal(t, protocol.MessageTypeLegacyAuthResponse, reply.Type)
	var res protocol.AuthResultPayload
	decode(t, reply.Payload, &res)
	require.True(t, res.Success)

	client, _ := connectClient(t, ts)
	send(t, client, protocol.MessageTypeControl, map[string]interface{}{
		"targetDevice": "ESP8266_002",
		"command":      map[string]int{"speed": -20, "direction": 0},
	})
	var cmd protocol.CommandPayload
	decode(t, readUntil(t, device, protocol.MessageTypeCommand).Payload, &cmd)
	assert.JSONEq(t, `{"speed":-20,"direction":0}`, string(cmd.Command))
}

func TestWrongSecretRejected(t *testing.T) {
	s, ts := newTestServer(t, relay.Options{})
	client, _ := connectClient(t, ts)

	conn := dial(t, ts)
	send(t, conn, protocol.MessageTypeAuth, protocol.AuthPayload{Role: protocol.RoleDevice, DeviceID: "ESP8266_001", Secret: "guess"})

	var res protocol.AuthResultPayload
	decode(t, readMessage(t, conn).Payload, &res)
	assert.False(t, res.Success)
	assert.Equal(t, apperrors.CodeAuthInvalid, res.Code)
	assert.Empty(t, s.relay.Registry().DeviceIDs())

	// The failed session stays unauthenticated and may not send status.
	send(t, conn, protocol.MessageTypeStatus, map[string]int{"signalStrength": 1})
	expectError(t, conn, apperrors.CodeAuthRequired)

	// Nothing leaked to the client: the next message it sees is its own echo.
	send(t, client, protocol.MessageTypeHeartbeatProbe, map[string]int{"n": 1})
	assert.Equal(t, protocol.MessageTypeHeartbeatEcho, readMessage(t, client).Type)
}

func TestRoleChecks(t *testing.T) {
	_, ts := newTestServer(t, relay.Options{})

	anon := dial(t, ts)
	send(t, anon, protocol.MessageTypeControl, map[string]interface{}{"targetDeviceId": "ESP8266_001", "command": map[string]int{}})
	expectError(t, anon, apperrors.CodeAuthRequired)

	device := connectDevice(t, ts, "ESP8266_001", "secret_key_001")
	send(t, device, protocol.MessageTypeControl, map[string]interface{}{"targetDeviceId": "ESP8266_001", "command": map[string]int{}})
	expectError(t, device, apperrors.CodeAuthWrongRole)

	client, _ := connectClient(t, ts)
	send(t, client, protocol.MessageTypeStatus, map[string]int{"signalStrength": 3})
	expectError(t, client, apperrors.CodeAuthWrongRole)

	send(t, client, protocol.MessageTypeAuth, protocol.AuthPayload{Role: protocol.RoleClient})
	var res protocol.AuthResultPayload
	decode(t, readUntil(t, client, protocol.MessageTypeAuthResult).Payload, &res)
	assert.False(t, res.Success)
	assert.Equal(t, apperrors.CodeAuthAlreadyAuthenticated, res.Code)
}

func TestControlToUnknownDeviceIsSilent(t *testing.T) {
	_, ts := newTestServer(t, relay.Options{})
	client, _ := connectClient(t, ts)

	send(t, client, protocol.MessageTypeControl, map[string]interface{}{
		"targetDeviceId": "ESP8266_404",
		"command":        map[string]int{"speed": 1, "direction": 1},
	})
	send(t, client, protocol.MessageTypeHeartbeatProbe, "after")

	msg := readMessage(t, client)
	assert.Equal(t, protocol.MessageTypeHeartbeatEcho, msg.Type, "a routing miss sends nothing back")
}

func TestHeartbeatEcho(t *testing.T) {
	_, ts := newTestServer(t, relay.Options{})
	conn := dial(t, ts)

	sent := time.Now().UnixMilli()
	probe := map[string]interface{}{"timestamp": sent, "seq": 7}
	send(t, conn, protocol.MessageTypeHeartbeatProbe, probe)

	var echo protocol.HeartbeatEchoPayload
	decode(t, readMessage(t, conn).Payload, &echo)
	assert.GreaterOrEqual(t, echo.Timestamp, sent)
	want, _ := json.Marshal(probe)
	assert.JSONEq(t, string(want), string(echo.Received))

	send(t, conn, protocol.MessageTypeLegacyPing, 42)
	pong := readMessage(t, conn)
	assert.Equal(t, protocol.MessageTypeLegacyPong, pong.Type)
	decode(t, pong.Payload, &echo)
	assert.JSONEq(t, `42`, string(echo.Received))
}

func TestLegacyAuthFailureReply(t *testing.T) {
	_, ts := newTestServer(t, relay.Options{})

	device := dial(t, ts)
	send(t, device, protocol.MessageTypeAuth, map[string]string{
		"type": "device", "deviceId": "ESP8266_002", "deviceKey": "nope",
	})
	reply := readMessage(t, device)
	assert.Equal(t, protocol.MessageTypeLegacyAuthResponse, reply.Type)

	var res protocol.AuthResultPayload
	decode(t, reply.Payload, &res)
	assert.False(t, res.Success)
	assert.Equal(t, apperrors.CodeAuthInvalid, res.Code)
	assert.NotEmpty(t, res.Message)
}

func TestInvalidJSONMessage(t *testing.T) {
	_, ts := newTestServer(t, relay.Options{})
	conn := dial(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	expectError(t, conn, apperrors.CodeServerInvalidMessage)

	send(t, conn, "launch_missiles", nil)
	expectError(t, conn, apperrors.CodeServerUnknownType)

	// Session survives both.
	send(t, conn, protocol.MessageTypeHeartbeatProbe, 1)
	assert.Equal(t, protocol.MessageTypeHeartbeatEcho, readMessage(t, conn).Type)
}

func TestDeviceReplacementClosesSuperseded(t *testing.T) {
	s, ts := newTestServer(t, relay.Options{ReplacePolicy: relay.ReplaceClose})
	client, _ := connectClient(t, ts)

	old := connectDevice(t, ts, "ESP8266_001", "secret_key_001")
	readUntil(t, client, protocol.MessageTypeDeviceConnected)
	newer := connectDevice(t, ts, "ESP8266_001", "secret_key_001")
	readUntil(t, client, protocol.MessageTypeDeviceConnected)

	expectError(t, old, apperrors.CodeAuthSuperseded)
	old.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := old.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// The superseded disconnect must not announce the device as gone.
	send(t, newer, protocol.MessageTypeStatus, map[string]int{"signalStrength": 5})
	msg := readMessage(t, client)
	assert.Equal(t, protocol.MessageTypeDeviceStatus, msg.Type)
	assert.Equal(t, []string{"ESP8266_001"}, s.relay.Registry().DeviceIDs())

	send(t, client, protocol.MessageTypeControl, map[string]interface{}{
		"targetDeviceId": "ESP8266_001",
		"command":        map[string]int{"speed": 9, "direction": 9},
	})
	readUntil(t, newer, protocol.MessageTypeCommand)
}

func TestSupersededDeviceCannotPublishStatus(t *testing.T) {
	s, ts := newTestServer(t, relay.Options{ReplacePolicy: relay.ReplaceKeep})
	client, _ := connectClient(t, ts)

	stale := connectDevice(t, ts, "ESP8266_001", "secret_key_001")
	readUntil(t, client, protocol.MessageTypeDeviceConnected)
	current := connectDevice(t, ts, "ESP8266_001", "secret_key_001")
	readUntil(t, client, protocol.MessageTypeDeviceConnected)

	// The kept session may still talk, but it no longer speaks for the device.
	send(t, stale, protocol.MessageTypeStatus, map[string]string{"from": "stale"})
	send(t, stale, protocol.MessageTypeHeartbeatProbe, 1)
	expectError(t, stale, apperrors.CodeAuthSuperseded)
	assert.Equal(t, protocol.MessageTypeHeartbeatEcho, readMessage(t, stale).Type)

	send(t, current, protocol.MessageTypeStatus, map[string]string{"from": "current"})
	var status map[string]interface{}
	decode(t, readUntil(t, client, protocol.MessageTypeDeviceStatus).Payload, &status)
	assert.Equal(t, "current", status["from"])
	assert.Equal(t, []string{"ESP8266_001"}, s.relay.Registry().DeviceIDs())
}

func TestRateLimited(t *testing.T) {
	s, ts := newTestServer(t, relay.Options{})
	s.SetInputRate(0.001, 1)
	conn := dial(t, ts)

	send(t, conn, protocol.MessageTypeHeartbeatProbe, 1)
	send(t, conn, protocol.MessageTypeHeartbeatProbe, 2)

	assert.Equal(t, protocol.MessageTypeHeartbeatEcho, readMessage(t, conn).Type)
	expectError(t, conn, apperrors.CodeInputRateLimited)
}

func TestSocketAlias(t *testing.T) {
	_, ts := newTestServer(t, relay.Options{})
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/socket", nil)
	require.NoError(t, err)
	defer conn.Close()

	send(t, conn, protocol.MessageTypeHeartbeatProbe, 1)
	assert.Equal(t, protocol.MessageTypeHeartbeatEcho, readMessage(t, conn).Type)
}

func TestStopWithActiveSessions(t *testing.T) {
	s, ts := newTestServer(t, relay.Options{})
	device := connectDevice(t, ts, "ESP8266_001", "secret_key_001")
	connectClient(t, ts)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	expectError(t, device, apperrors.CodeServerShuttingDown)

	// Stop returns only after every session has been reconciled.
	d, c := s.relay.Registry().Counts()
	assert.Zero(t, d)
	assert.Zero(t, c)
	assert.Zero(t, s.SessionCount())

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// presenceLog records mirrored presence changes.
type presenceLog struct {
	mu     sync.Mutex
	events []string
}

func (p *presenceLog) DeviceStatus(string, protocol.StatusFields) {}

func (p *presenceLog) DevicePresence(deviceID string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, fmt.Sprintf("%s:%t", deviceID, online))
}

func (p *presenceLog) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func TestStopMirrorsOfflineBeforeReturning(t *testing.T) {
	mirror := &presenceLog{}
	s, ts := newTestServer(t, relay.Options{Mirror: mirror})
	connectDevice(t, ts, "ESP8266_001", "secret_key_001")
	connectDevice(t, ts, "ESP8266_002", "secret_key_002")

	require.NoError(t, s.Stop())

	assert.ElementsMatch(t, []string{
		"ESP8266_001:true", "ESP8266_002:true",
		"ESP8266_001:false", "ESP8266_002:false",
	}, mirror.snapshot())
}

func TestStartAsyncFailsWhenPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	r := relay.New(relay.Options{Logger: zerolog.Nop()})
	s := NewServer(ln.Addr().String(), r, zerolog.Nop())
	err = <-s.StartAsync()
	assert.Error(t, err)
}

func TestStartAsyncBindsAddress(t *testing.T) {
	r := relay.New(relay.Options{Logger: zerolog.Nop()})
	s := NewServer("127.0.0.1:0", r, zerolog.Nop())
	require.NoError(t, <-s.StartAsync())
	defer s.Stop()

	assert.NotEqual(t, "127.0.0.1:0", s.Addr())
	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
