package server

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
	pa "github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/topic"
)

type State int32

const (
	StatePending State = iota
	StateConnected
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// maxConnectPacketSize caps CONNECT: client id, will and credentials with room to spare.
const maxConnectPacketSize = 64 * 1024

var errProtocolViolation = errors.New("protocol violation")

// ConnectionHandler drives one client connection through Pending, Connected, Disconnecting and Closed.
type ConnectionHandler struct {
	broker    *Broker
	conn      *connection.Conn
	reader    *bufio.Reader
	logger    *slog.Logger
	state     atomic.Int32
	session   *session.Session
	keepAlive time.Duration
	graceful  bool
	// inboundQoS2 holds ids of QoS 2 publishes routed but not yet released by PUBREL.
	inboundQoS2 map[uint16]struct{}
}

func newConnectionHandler(b *Broker, nc net.Conn) *ConnectionHandler {
	logger := b.logger.With("conn_id", nc.RemoteAddr().String())
	conn := connection.New(nc, connection.Options{
		QueueSize:    b.cfg.OutboundQueue,
		WriteTimeout: b.cfg.WriteTimeoutDuration(),
		Retries:      b.cfg.DeliveryRetryCount(),
		Logger:       logger,
		Metrics:      b.metrics,
	})
	b.conns.Add(conn)
	select {
	case <-b.stopping:
		conn.Close(session.ErrSessionClosed)
	default:
	}
	return &ConnectionHandler{
		broker:      b,
		conn:        conn,
		reader:      bufio.NewReader(nc),
		logger:      logger,
		inboundQoS2: make(map[uint16]struct{}),
	}
}

func (c *ConnectionHandler) State() State {
	return State(c.state.Load())
}

func (c *ConnectionHandler) setState(s State) {
	c.state.Store(int32(s))
}

func (c *ConnectionHandler) readPacket(maxSize int) (*mqtt.Packet, error) {
	return mqtt.ReadPacket(c.reader, maxSize)
}

// connectLimit bounds the first packet, read before the client is authenticated.
func (c *ConnectionHandler) connectLimit() int {
	if limit := c.broker.cfg.MaxPacketSize; limit > 0 && limit < maxConnectPacketSize {
		return limit
	}
	return maxConnectPacketSize
}

// refuse queues a CONNACK with a failure code and fails the handshake.
func (c *ConnectionHandler) refuse(code pa.ConnectRespType, cause error) error {
	_ = c.conn.Send(pa.NewConnectAckPacket(false, code))
	return fmt.Errorf("%w: %s: %w", session.ErrHandshakeFailed, code, cause)
}

func (c *ConnectionHandler) handleFirstPacket() error {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.broker.cfg.HandshakeTimeoutDuration()))
	packet, err := c.readPacket(c.connectLimit())
	if err != nil {
		return fmt.Errorf("%w: read first packet: %w", session.ErrHandshakeFailed, err)
	}

	if packet.Header.Type != mqtt.CONNECT {
		return fmt.Errorf("%w: expected %s packet, but got %s packet", session.ErrHandshakeFailed, mqtt.CONNECT, packet.Header.Type)
	}

	connect, resp, err := pa.ParseConnectPacket(packet)
	if resp != nil {
		_ = c.conn.Send(resp)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", session.ErrHandshakeFailed, err)
	}

	if connect.Will != nil {
		if err := topic.ValidateName(connect.Will.Topic); err != nil {
			return fmt.Errorf("%w: will topic: %w", session.ErrHandshakeFailed, err)
		}
	}

	if connect.ClientID == "" {
		if !connect.Flags.CleanSession {
			return c.refuse(pa.IdentifierRejected, errors.New("empty client id requires a clean session"))
		}
		connect.ClientID = uuid.NewString()
		c.logger.Debug("Assigned client id", "client_id", connect.ClientID)
	}

	if !c.authenticate(connect) {
		return c.refuse(pa.BadUsernameOrPassword, errors.New("invalid credentials"))
	}

	reply := make(chan connectResult, 1)
	if err := c.broker.submit(&connectEvent{connect: connect, outbox: c.conn, reply: reply}); err != nil {
		return c.refuse(pa.ServerUnavailable, err)
	}
	var res connectResult
	select {
	case res = <-reply:
	case <-c.broker.quit:
		return c.refuse(pa.ServerUnavailable, ErrBrokerNotRunning)
	}
	if res.err != nil {
		return c.refuse(pa.ServerUnavailable, res.err)
	}

	c.session = res.session
	c.logger = c.logger.With("client_id", connect.ClientID)
	c.keepAlive = time.Duration(connect.KeepAlive) * time.Second
	c.setState(StateConnected)
	c.logger.Info("Client connected",
		"clean_session", connect.Flags.CleanSession,
		"keepalive", connect.KeepAlive,
		"session_present", res.present,
	)
	if c.keepAlive == 0 {
		c.logger.Warn("Keep alive set to 0, heartbeat disable")
	}
	return nil
}

// authenticate compares the credentials in constant time. No configured username means anonymous access.
func (c *ConnectionHandler) authenticate(connect *pa.Connect) bool {
	cfg := c.broker.cfg
	if cfg.Username == "" && cfg.Password == "" {
		return true
	}
	userOK := subtle.ConstantTimeCompare([]byte(connect.Username), []byte(cfg.Username))
	passOK := subtle.ConstantTimeCompare(connect.Password, []byte(cfg.Password))
	return userOK&passOK == 1
}

// readDeadline is 1.5 times the keepalive, or none when keepalive is 0.
func (c *ConnectionHandler) readDeadline() time.Time {
	if c.keepAlive == 0 {
		return time.Time{}
	}
	return time.Now().Add(c.keepAlive * 3 / 2)
}

// handlePacket runs the read loop and returns the close reason. A nil reason is a graceful DISCONNECT.
func (c *ConnectionHandler) handlePacket() error {
	for {
		if err := c.conn.SetReadDeadline(c.readDeadline()); err != nil {
			return c.conn.Reason()
		}

		packet, err := c.readPacket(c.broker.cfg.MaxPacketSize)
		if err != nil {
			return c.readFailure(err)
		}
		c.session.Touch()

		c.logger.Debug("Receive packet", "type", packet.Header.Type, "remaining_length", packet.Header.RemainingLength)

		switch packet.Header.Type {
		case mqtt.PUBLISH:
			err = c.handlePublish(packet)
		case mqtt.PUBACK, mqtt.PUBCOMP:
			err = c.handleOutboundAck(packet)
		case mqtt.PUBREC:
			err = c.handlePubRec(packet)
		case mqtt.PUBREL:
			err = c.handlePubRel(packet)
		case mqtt.SUBSCRIBE:
			err = c.handleSubscribe(packet)
		case mqtt.UNSUBSCRIBE:
			err = c.handleUnsubscribe(packet)
		case mqtt.PINGREQ:
			err = c.send(pa.NewPingRespPacket())
		case mqtt.DISCONNECT:
			c.logger.Info("Client disconnect")
			c.graceful = true
			return nil
		case mqtt.CONNECT:
			return fmt.Errorf("%w: duplicate CONNECT packet", errProtocolViolation)
		default:
			return fmt.Errorf("%w: unexpected %s packet", errProtocolViolation, packet.Header.Type)
		}
		if err != nil {
			return err
		}
	}
}

// send queues a control packet. Only a closed connection ends the read loop; a full queue drops the packet.
func (c *ConnectionHandler) send(raw []byte) error {
	err := c.conn.Send(raw)
	if errors.Is(err, session.ErrSessionClosed) {
		return c.conn.Reason()
	}
	if err != nil {
		c.logger.Warn("Fail to queue control packet", "error", err)
	}
	return nil
}

func (c *ConnectionHandler) handlePublish(packet *mqtt.Packet) error {
	publish, err := pa.ParsePublishPacket(packet)
	if err != nil {
		return fmt.Errorf("fail to handle publish packet: %w", err)
	}
	msg := publish.Message
	if err := topic.ValidateName(msg.Topic); err != nil {
		return fmt.Errorf("%w: publish topic: %w", errProtocolViolation, err)
	}

	switch msg.QoS {
	case mqtt.AtMostOnce:
		return c.dispatch(msg)
	case mqtt.AtLeastOnce:
		if err := c.dispatch(msg); err != nil {
			return err
		}
		return c.send(pa.NewAckPacket(mqtt.PUBACK, publish.PacketID))
	default:
		if _, seen := c.inboundQoS2[publish.PacketID]; !seen {
			if err := c.dispatch(msg); err != nil {
				return err
			}
			c.inboundQoS2[publish.PacketID] = struct{}{}
		} else {
			c.logger.Debug("Duplicate QoS 2 publish suppressed", "packet_id", publish.PacketID)
		}
		return c.send(pa.NewAckPacket(mqtt.PUBREC, publish.PacketID))
	}
}

func (c *ConnectionHandler) dispatch(msg mqtt.Message) error {
	if err := c.broker.submit(&publishEvent{message: msg}); err != nil {
		return err
	}
	return nil
}

func (c *ConnectionHandler) handlePubRel(packet *mqtt.Packet) error {
	id, err := pa.ParseAckPacket(packet)
	if err != nil {
		return fmt.Errorf("fail to handle pubrel packet: %w", err)
	}
	delete(c.inboundQoS2, id)
	return c.send(pa.NewAckPacket(mqtt.PUBCOMP, id))
}

func (c *ConnectionHandler) handlePubRec(packet *mqtt.Packet) error {
	id, err := pa.ParseAckPacket(packet)
	if err != nil {
		return fmt.Errorf("fail to handle pubrec packet: %w", err)
	}
	return c.send(pa.NewAckPacket(mqtt.PUBREL, id))
}

func (c *ConnectionHandler) handleOutboundAck(packet *mqtt.Packet) error {
	id, err := pa.ParseAckPacket(packet)
	if err != nil {
		return fmt.Errorf("fail to handle %s packet: %w", packet.Header.Type, err)
	}
	if _, ok := c.conn.PacketIDs().Release(id); !ok {
		c.logger.Debug("Acknowledgement for unknown packet id", "type", packet.Header.Type, "packet_id", id)
	}
	return nil
}

func (c *ConnectionHandler) handleSubscribe(packet *mqtt.Packet) error {
	result, err := pa.ParseSubscribePacket(packet)
	if err != nil {
		return fmt.Errorf("fail to handle subscribe packet: %w", err)
	}
	return c.broker.submit(&subscribeEvent{
		session:       c.session,
		packetID:      result.PacketID,
		subscriptions: result.Subscriptions,
	})
}

func (c *ConnectionHandler) handleUnsubscribe(packet *mqtt.Packet) error {
	result, err := pa.ParseUnSubscribePacket(packet)
	if err != nil {
		return fmt.Errorf("fail to handle unsubscribe packet: %w", err)
	}
	return c.broker.submit(&unsubscribeEvent{
		session:  c.session,
		packetID: result.PacketID,
		filters:  result.Filters,
	})
}

// readFailure maps a failed read to the close reason. A connection closed by the broker keeps the
// reason given to Close.
func (c *ConnectionHandler) readFailure(err error) error {
	if c.conn.Closed() {
		return c.conn.Reason()
	}
	if c.State() == StateConnected && isTimeout(err) {
		return session.ErrKeepaliveTimeout
	}
	return err
}

func (c *ConnectionHandler) handleConnection() {
	var reason error
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in connection handler", "panic", r)
			reason = fmt.Errorf("%w: handler panic: %v", errProtocolViolation, r)
		}
		c.close(reason)
	}()

	if reason = c.handleFirstPacket(); reason != nil {
		c.logger.Warn("Handshake failed", "error", reason)
		return
	}
	reason = c.handlePacket()
}

// close moves through Disconnecting to Closed: it reports the end to the dispatcher, flushes what
// is queued within the flush timeout and closes the socket.
func (c *ConnectionHandler) close(reason error) {
	c.setState(StateDisconnecting)
	c.conn.Close(reason)
	if c.conn.Reason() != nil {
		reason = c.conn.Reason()
	}

	if c.session != nil {
		ev := &disconnectEvent{session: c.session, reason: reason, graceful: c.graceful}
		if err := c.broker.submit(ev); err != nil {
			c.logger.Debug("Dispatcher gone, disconnect not reported", "error", err)
		}
	}

	c.conn.Flush(c.broker.cfg.FlushTimeoutDuration())
	c.conn.Terminate()
	c.broker.conns.Remove(c.conn)
	c.setState(StateClosed)

	handleCloseReason(c.logger, reason)
	c.broker.metrics.ConnectionClosed(reasonLabel(reason))
}
