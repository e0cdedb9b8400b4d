package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
	pa "github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/packet"
)

func TestDeliveredQoSIsDowngraded(t *testing.T) {
	b := startBroker(t, nil)
	sub := newClient(t, b, "S1")
	received := subscribe(t, sub, "sensors/#", 1)
	pub := newClient(t, b, "P")

	publish(t, pub, "sensors/temp", 2, false, []byte("21.5"))

	msg := expectMessage(t, received)
	assert.Equal(t, "sensors/temp", msg.Topic())
	assert.Equal(t, []byte("21.5"), msg.Payload())
	assert.Equal(t, byte(1), msg.Qos())
	expectNoMessage(t, received, 200*time.Millisecond)
}

func TestSingleLevelWildcard(t *testing.T) {
	b := startBroker(t, nil)
	sub := newClient(t, b, "S")
	received := subscribe(t, sub, "a/+/c", 0)
	pub := newClient(t, b, "P")

	publish(t, pub, "a/b/d", 0, false, []byte("no"))
	publish(t, pub, "a/b/c", 0, false, []byte("yes"))

	msg := expectMessage(t, received)
	assert.Equal(t, "a/b/c", msg.Topic())
	expectNoMessage(t, received, 200*time.Millisecond)
}

func TestOverlappingSubscriptionsDeliverTwice(t *testing.T) {
	b := startBroker(t, nil)
	sub := newClient(t, b, "S")
	first := subscribe(t, sub, "a/#", 0)
	second := subscribe(t, sub, "a/b", 0)

	n, err := b.PublishLocal(mqtt.Message{Topic: "a/b", Payload: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// paho routes both copies to every matching handler.
	expectMessage(t, first)
	expectMessage(t, second)
}

func TestRetainedMessages(t *testing.T) {
	b := startBroker(t, nil)
	pub := newClient(t, b, "P")
	publish(t, pub, "status/lamp", 1, true, []byte("on"))
	require.Eventually(t, func() bool { return b.RetainedCount() == 1 }, waitTimeout, 10*time.Millisecond)

	late := newClient(t, b, "late")
	received := subscribe(t, late, "status/+", 1)
	msg := expectMessage(t, received)
	assert.True(t, msg.Retained())
	assert.Equal(t, []byte("on"), msg.Payload())

	publish(t, pub, "status/lamp", 0, true, nil)
	require.Eventually(t, func() bool { return b.RetainedCount() == 0 }, waitTimeout, 10*time.Millisecond)
	// the delete is forwarded to current subscribers like any publish
	msg = expectMessage(t, received)
	assert.False(t, msg.Retained())

	later := newClient(t, b, "later")
	expectNoMessage(t, subscribe(t, later, "status/+", 1), 200*time.Millisecond)
}

func TestRetainedRestoredFromPersister(t *testing.T) {
	persister := database.NewMemoryStore()
	require.NoError(t, persister.SaveRetained(context.Background(), mqtt.Message{Topic: "boot/msg", Payload: []byte("hi")}))

	b := startBrokerWith(t, testConfig(nil), persister)
	assert.Equal(t, 1, b.RetainedCount())

	client := newClient(t, b, "C")
	msg := expectMessage(t, subscribe(t, client, "boot/#", 0))
	assert.Equal(t, "boot/msg", msg.Topic())
	assert.True(t, msg.Retained())
}

func TestSessionTakeOver(t *testing.T) {
	b := startBroker(t, nil)
	lost := make(chan error, 1)
	first := newClient(t, b, "dup", func(o *paho.ClientOptions) {
		o.SetConnectionLostHandler(func(_ paho.Client, err error) { lost <- err })
	})
	subscribe(t, first, "old/#", 0)

	second := newClient(t, b, "dup")
	select {
	case <-lost:
	case <-time.After(waitTimeout):
		t.Fatal("first connection was not closed")
	}
	assert.True(t, second.IsConnected())
	assert.Equal(t, 1, b.Sessions())

	n, err := b.PublishLocal(mqtt.Message{Topic: "old/x", Payload: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestKeepaliveTimeoutRemovesSession(t *testing.T) {
	b := startBroker(t, nil)
	conn, code := dialRaw(t, b.Addr().String(), rawConnect{clientID: "idle", keepalive: 1, clean: true})
	require.Equal(t, byte(pa.Accepted), code)
	require.Equal(t, 1, b.Sessions())

	start := time.Now()
	expectClosed(t, conn, waitTimeout)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	require.Eventually(t, func() bool { return b.Sessions() == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestPingKeepsConnectionAlive(t *testing.T) {
	b := startBroker(t, nil)
	conn, _ := dialRaw(t, b.Addr().String(), rawConnect{clientID: "pinger", keepalive: 1, clean: true})

	for i := 0; i < 3; i++ {
		time.Sleep(600 * time.Millisecond)
		_, err := conn.Write([]byte{byte(mqtt.PINGREQ) << 4, 0})
		require.NoError(t, err)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
		p, err := mqtt.ReadPacket(conn, 0)
		require.NoError(t, err)
		assert.Equal(t, mqtt.PINGRESP, p.Header.Type)
	}
	assert.Equal(t, 1, b.Sessions())
}

func TestHandshakeRejectsNonConnectFirstPacket(t *testing.T) {
	b := startBroker(t, nil)
	conn, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{byte(mqtt.PINGREQ) << 4, 0})
	require.NoError(t, err)
	expectClosed(t, conn, waitTimeout)
	assert.Equal(t, 0, b.Sessions())
}

func TestOversizedHeaderBeforeConnect(t *testing.T) {
	b := startBroker(t, nil)
	conn, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x10, 0xFF, 0xFF, 0xFF, 0x7F})
	require.NoError(t, err)
	expectClosed(t, conn, waitTimeout)
	assert.Equal(t, 0, b.Sessions())
}

func TestOversizedPacketClosesSession(t *testing.T) {
	b := startBroker(t, func(c *config.BrokerConfig) { c.MaxPacketSize = 1024 })
	conn, _ := dialRaw(t, b.Addr().String(), rawConnect{clientID: "big", clean: true})
	require.Eventually(t, func() bool { return b.Sessions() == 1 }, waitTimeout, 10*time.Millisecond)

	header := append([]byte{byte(mqtt.PUBLISH) << 4}, mqtt.EncodeRemainingLength(2048)...)
	_, err := conn.Write(header)
	require.NoError(t, err)
	expectClosed(t, conn, waitTimeout)
	assert.Eventually(t, func() bool { return b.Sessions() == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestHandshakeTimeout(t *testing.T) {
	b := startBroker(t, func(c *config.BrokerConfig) { c.HandshakeTimeout = "200ms" })
	conn, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	expectClosed(t, conn, waitTimeout)
}

func TestAuthentication(t *testing.T) {
	b := startBroker(t, func(c *config.BrokerConfig) {
		c.Username = "admin"
		c.Password = "secret"
	})

	_, code := dialRaw(t, b.Addr().String(), rawConnect{clientID: "a", clean: true, username: "admin", password: "wrong"})
	assert.Equal(t, byte(pa.BadUsernameOrPassword), code)
	_, code = dialRaw(t, b.Addr().String(), rawConnect{clientID: "b", clean: true})
	assert.Equal(t, byte(pa.BadUsernameOrPassword), code)
	_, code = dialRaw(t, b.Addr().String(), rawConnect{clientID: "c", clean: true, username: "admin", password: "secret"})
	assert.Equal(t, byte(pa.Accepted), code)
}

func TestEmptyClientID(t *testing.T) {
	b := startBroker(t, nil)
	_, code := dialRaw(t, b.Addr().String(), rawConnect{clean: true})
	assert.Equal(t, byte(pa.Accepted), code)

	conn, code := dialRaw(t, b.Addr().String(), rawConnect{clean: false})
	assert.Equal(t, byte(pa.IdentifierRejected), code)
	expectClosed(t, conn, waitTimeout)
}

func TestWillMessage(t *testing.T) {
	b := startBroker(t, nil)
	watcher := newClient(t, b, "watcher")
	received := subscribe(t, watcher, "status/#", 0)
	will := &mqtt.Message{Topic: "status/device", Payload: []byte("offline")}

	graceful, _ := dialRaw(t, b.Addr().String(), rawConnect{clientID: "g", clean: true, will: will})
	_, err := graceful.Write([]byte{byte(mqtt.DISCONNECT) << 4, 0})
	require.NoError(t, err)
	expectClosed(t, graceful, waitTimeout)
	expectNoMessage(t, received, 200*time.Millisecond)

	abrupt, _ := dialRaw(t, b.Addr().String(), rawConnect{clientID: "a", clean: true, will: will})
	require.NoError(t, abrupt.Close())
	msg := expectMessage(t, received)
	assert.Equal(t, "status/device", msg.Topic())
	assert.Equal(t, []byte("offline"), msg.Payload())
}

func TestPersistentSessionRestored(t *testing.T) {
	b := startBroker(t, nil)
	persistent := func(o *paho.ClientOptions) { o.SetCleanSession(false) }

	first := newClient(t, b, "keeper", persistent)
	subscribe(t, first, "jobs/#", 1)
	first.Disconnect(50)
	require.Eventually(t, func() bool { return b.Sessions() == 0 }, waitTimeout, 10*time.Millisecond)

	received := make(chan paho.Message, 4)
	var present bool
	opts := paho.NewClientOptions().
		AddBroker("tcp://" + b.Addr().String()).
		SetClientID("keeper").
		SetCleanSession(false).
		SetAutoReconnect(false).
		SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) { received <- msg })
	client := paho.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(waitTimeout))
	require.NoError(t, token.Error())
	defer client.Disconnect(50)
	present = token.(*paho.ConnectToken).SessionPresent()
	assert.True(t, present)

	n, err := b.PublishLocal(mqtt.Message{Topic: "jobs/1", Payload: []byte("run"), QoS: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "jobs/1", expectMessage(t, received).Topic())
}

func TestPersistentSessionSavedOnDisconnect(t *testing.T) {
	store := database.NewMemoryStore()
	b := startBrokerWith(t, testConfig(nil), store)

	client := newClient(t, b, "saver", func(o *paho.ClientOptions) { o.SetCleanSession(false) })
	subscribe(t, client, "$SYS/broker/#", 1)
	subscribe(t, client, "a.b/+", 0)
	client.Disconnect(50)

	var record *database.SessionRecord
	require.Eventually(t, func() bool {
		var err error
		record, err = store.LoadSession(context.Background(), "saver")
		return err == nil
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, []database.SubscriptionRecord{
		{Filter: "$SYS/broker/#", QoS: 1},
		{Filter: "a.b/+", QoS: 0},
	}, record.Subscriptions)
	assert.False(t, record.LastSeen.IsZero())
}

func TestPublishLocalAndOnMessage(t *testing.T) {
	b := startBroker(t, nil)
	var mu sync.Mutex
	var local []mqtt.Message
	b.SetOnMessage(func(msg mqtt.Message) {
		mu.Lock()
		local = append(local, msg)
		mu.Unlock()
	})

	pub := newClient(t, b, "P")
	publish(t, pub, "client/42", 1, false, []byte("hello"))
	publish(t, pub, "other/42", 1, false, []byte("ignored"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(local) == 1
	}, waitTimeout, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "client/42", local[0].Topic)
	assert.Equal(t, mqtt.AtMostOnce, local[0].QoS)
	mu.Unlock()

	sub := newClient(t, b, "S")
	received := subscribe(t, sub, "server/#", 0)
	n, err := b.PublishLocal(mqtt.Message{Topic: "server/news", Payload: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	expectMessage(t, received)

	_, err = b.PublishLocal(mqtt.Message{Topic: "bad/#", Payload: []byte("x")})
	assert.Error(t, err)
}

func TestOnMessagePanicIsIsolated(t *testing.T) {
	b := startBroker(t, nil)
	b.SetOnMessage(func(mqtt.Message) { panic("boom") })

	_, err := b.PublishLocal(mqtt.Message{Topic: "client/1", Payload: []byte("x")})
	require.NoError(t, err)
	n, err := b.PublishLocal(mqtt.Message{Topic: "client/2", Payload: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStopDrainsConnections(t *testing.T) {
	cfg := testConfig(nil)
	b := New(Options{Config: cfg, Logger: logger.Discard()})
	_, err := b.PublishLocal(mqtt.Message{Topic: "t", Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrBrokerNotRunning)
	require.NoError(t, b.Start("127.0.0.1:0"))

	lost := make(chan struct{}, 1)
	newClient(t, b, "C", func(o *paho.ClientOptions) {
		o.SetConnectionLostHandler(func(paho.Client, error) { lost <- struct{}{} })
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))

	select {
	case <-lost:
	case <-time.After(waitTimeout):
		t.Fatal("client was not disconnected")
	}
	assert.Equal(t, 0, b.Sessions())
	_, err = b.PublishLocal(mqtt.Message{Topic: "t", Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrBrokerNotRunning)
	assert.ErrorIs(t, b.Stop(ctx), ErrBrokerNotRunning)
	assert.ErrorIs(t, b.Start("127.0.0.1:0"), ErrBrokerStarted)
}

func TestStopForceClosesStalledConnections(t *testing.T) {
	b := startBroker(t, func(c *config.BrokerConfig) {
		c.DrainTimeout = "100ms"
		c.FlushTimeout = "3s"
		c.WriteTimeout = "10s"
	})
	conn, code := dialRaw(t, b.Addr().String(), rawConnect{clientID: "stalled", clean: true})
	require.Equal(t, byte(pa.Accepted), code)
	subscribeRaw(t, conn, "flood/#", 0)

	msg := mqtt.Message{Topic: "flood/data", Payload: make([]byte, 64*1024)}
	require.Eventually(t, func() bool {
		n, err := b.PublishLocal(msg)
		return err == nil && n == 1
	}, waitTimeout, 10*time.Millisecond)
	// The client never reads, so the socket buffers fill and the writer blocks.
	for i := 0; i < 512; i++ {
		_, err := b.PublishLocal(msg)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	started := time.Now()
	require.NoError(t, b.Stop(ctx))
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, 0, b.Sessions())
}

func TestStartFailsWhenAddressInUse(t *testing.T) {
	first := startBroker(t, nil)
	second := New(Options{Config: testConfig(nil), Logger: logger.Discard()})
	assert.Error(t, second.Start(first.Addr().String()))
}
