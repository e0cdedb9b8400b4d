package server

import (
	"context"
	"net"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
)

const waitTimeout = 3 * time.Second

func testConfig(mutate func(*config.BrokerConfig)) config.BrokerConfig {
	cfg := config.BrokerConfig{
		DrainTimeout: "2s",
		FlushTimeout: "500ms",
		WriteTimeout: "1s",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	cfg.SetDefaults()
	return cfg
}

func startBroker(t *testing.T, mutate func(*config.BrokerConfig)) *Broker {
	t.Helper()
	return startBrokerWith(t, testConfig(mutate), database.NewMemoryStore())
}

func startBrokerWith(t *testing.T, cfg config.BrokerConfig, persister database.Persister) *Broker {
	t.Helper()
	b := New(Options{Config: cfg, Logger: logger.Discard(), Persister: persister})
	require.NoError(t, b.Start("127.0.0.1:0"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

type clientOption func(*paho.ClientOptions)

func newClient(t *testing.T, b *Broker, clientID string, options ...clientOption) paho.Client {
	t.Helper()
	opts := paho.NewClientOptions().
		AddBroker("tcp://" + b.Addr().String()).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(waitTimeout)
	for _, option := range options {
		option(opts)
	}
	client := paho.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(waitTimeout), "connect timed out")
	require.NoError(t, token.Error())
	t.Cleanup(func() {
		if client.IsConnected() {
			client.Disconnect(50)
		}
	})
	return client
}

func subscribe(t *testing.T, client paho.Client, filter string, qos byte) chan paho.Message {
	t.Helper()
	received := make(chan paho.Message, 32)
	token := client.Subscribe(filter, qos, func(_ paho.Client, msg paho.Message) {
		received <- msg
	})
	require.True(t, token.WaitTimeout(waitTimeout), "subscribe timed out")
	require.NoError(t, token.Error())
	return received
}

func publish(t *testing.T, client paho.Client, name string, qos byte, retain bool, payload []byte) {
	t.Helper()
	token := client.Publish(name, qos, retain, payload)
	require.True(t, token.WaitTimeout(waitTimeout), "publish timed out")
	require.NoError(t, token.Error())
}

func expectMessage(t *testing.T, received chan paho.Message) paho.Message {
	t.Helper()
	select {
	case msg := <-received:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("no message received")
		return nil
	}
}

func expectNoMessage(t *testing.T, received chan paho.Message, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-received:
		t.Fatalf("unexpected message on %s", msg.Topic())
	case <-time.After(wait):
	}
}

type rawConnect struct {
	clientID  string
	keepalive uint16
	clean     bool
	username  string
	password  string
	will      *mqtt.Message
}

// dialRaw opens a plain TCP connection, sends CONNECT and returns the CONNACK return code.
func dialRaw(t *testing.T, addr string, rc rawConnect) (net.Conn, byte) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	cp := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	cp.ProtocolName = "MQTT"
	cp.ProtocolVersion = 4
	cp.ClientIdentifier = rc.clientID
	cp.Keepalive = rc.keepalive
	cp.CleanSession = rc.clean
	if rc.username != "" {
		cp.UsernameFlag = true
		cp.Username = rc.username
	}
	if rc.password != "" {
		cp.PasswordFlag = true
		cp.Password = []byte(rc.password)
	}
	if rc.will != nil {
		cp.WillFlag = true
		cp.WillTopic = rc.will.Topic
		cp.WillMessage = rc.will.Payload
		cp.WillQos = rc.will.QoS
		cp.WillRetain = rc.will.Retain
	}
	require.NoError(t, cp.Write(conn))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	p, err := mqtt.ReadPacket(conn, 0)
	require.NoError(t, err)
	require.Equal(t, mqtt.CONNACK, p.Header.Type)
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	return conn, p.Payload.Context[1]
}

// expectClosed waits until the server closes conn.
func expectClosed(t *testing.T, conn net.Conn, within time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(within)))
	buf := make([]byte, 64)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			require.False(t, isTimeout(err), "connection still open after %s", within)
			return
		}
	}
}

// subscribeRaw sends SUBSCRIBE on a raw connection without waiting for SUBACK.
func subscribeRaw(t *testing.T, conn net.Conn, filter string, qos byte) {
	t.Helper()
	sp := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	sp.MessageID = 1
	sp.Topics = []string{filter}
	sp.Qoss = []byte{qos}
	require.NoError(t, sp.Write(conn))
}
