package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/topic"
)

const persistTimeout = 5 * time.Second

type event interface {
	kind() string
}

type connectResult struct {
	session *session.Session
	present bool
	err     error
}

type connectEvent struct {
	connect *packet.Connect
	outbox  session.Outbox
	reply   chan connectResult
}

type publishEvent struct {
	message mqtt.Message
	// reply is set for local publishes only.
	reply chan int
}

type subscribeEvent struct {
	session       *session.Session
	packetID      uint16
	subscriptions []packet.Subscription
}

type unsubscribeEvent struct {
	session  *session.Session
	packetID uint16
	filters  []string
}

type disconnectEvent struct {
	session  *session.Session
	reason   error
	graceful bool
}

func (*connectEvent) kind() string     { return "connect" }
func (*publishEvent) kind() string     { return "publish" }
func (*subscribeEvent) kind() string   { return "subscribe" }
func (*unsubscribeEvent) kind() string { return "unsubscribe" }
func (*disconnectEvent) kind() string  { return "disconnect" }

// submit queues ev for the dispatcher loop, blocking while the queue is full.
func (b *Broker) submit(ev event) error {
	if !b.started.Load() {
		return ErrBrokerNotRunning
	}
	select {
	case <-b.quit:
		return ErrBrokerNotRunning
	default:
	}
	select {
	case b.events <- ev:
		return nil
	case <-b.quit:
		return ErrBrokerNotRunning
	}
}

// eventLoop is the only writer of the session store, the retained table and the persister.
func (b *Broker) eventLoop() {
	defer close(b.loopDone)
	for {
		select {
		case ev := <-b.events:
			b.handleEvent(ev)
		case <-b.quit:
			for {
				select {
				case ev := <-b.events:
					b.handleEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Broker) handleEvent(ev event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic while handling event", "event", ev.kind(), "panic", r)
		}
	}()

	switch e := ev.(type) {
	case *connectEvent:
		res := b.handleConnect(e)
		e.reply <- res
	case *publishEvent:
		n := b.route(e.message)
		if e.reply != nil {
			e.reply <- n
		}
	case *subscribeEvent:
		b.handleSubscribe(e)
	case *unsubscribeEvent:
		b.handleUnsubscribe(e)
	case *disconnectEvent:
		b.handleDisconnect(e)
	}
}

// handleConnect registers the session, restores persistent subscriptions and queues the CONNACK
// before any message can be routed to the new session.
func (b *Broker) handleConnect(e *connectEvent) connectResult {
	clientID := e.connect.ClientID
	clean := e.connect.Flags.CleanSession

	s, evicted, err := b.store.Register(clientID, e.outbox, clean)
	if err != nil {
		return connectResult{err: err}
	}
	if evicted != nil {
		b.logger.Info("Session taken over", "client_id", clientID)
	}
	s.SetWill(e.connect.Will)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	present := false
	var restored map[string]mqtt.QoS
	switch {
	case clean:
		if err := b.persister.DeleteSession(ctx, clientID); err != nil {
			b.logger.Warn("Fail to discard persistent session", "client_id", clientID, "error", err)
		}
	case evicted != nil && !evicted.CleanSession:
		restored = evicted.Subscriptions()
		present = true
	default:
		record, err := b.persister.LoadSession(ctx, clientID)
		switch {
		case err == nil:
			restored = record.SubscriptionMap()
			present = true
		case errors.Is(err, database.ErrNotFound):
		default:
			b.logger.Error("Fail to load persistent session", "client_id", clientID, "error", err)
		}
	}

	for filter, qos := range restored {
		if _, err := b.store.Subscribe(s, filter, qos); err != nil {
			b.logger.Warn("Fail to restore subscription", "client_id", clientID, "filter", filter, "error", err)
		}
	}
	b.router.Invalidate()
	b.metrics.SetSessions(b.store.Len())

	if err := s.Send(packet.NewConnectAckPacket(present, packet.Accepted)); err != nil {
		b.store.Remove(s)
		b.router.Invalidate()
		return connectResult{err: fmt.Errorf("queue CONNACK: %w", err)}
	}
	b.logger.Debug("Session registered", "client_id", clientID, "clean_session", clean, "restored", len(restored))
	return connectResult{session: s, present: present}
}

// route publishes through the router and hands the message to the local handler when it matches
// one of the local subscriptions.
func (b *Broker) route(msg mqtt.Message) int {
	n := b.router.Publish(msg)

	handlerPtr := b.onMessage.Load()
	if handlerPtr == nil {
		return n
	}
	matched := false
	var qos mqtt.QoS
	for _, sub := range b.localSubs {
		if topic.Match(sub.Filter, msg.Topic) {
			matched = true
			if sub.QoS > qos {
				qos = sub.QoS
			}
		}
	}
	if matched {
		local := msg
		local.QoS = mqtt.MinQoS(qos, msg.QoS)
		b.notifyLocal(*handlerPtr, local)
	}
	return n
}

func (b *Broker) notifyLocal(handler MessageHandler, msg mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Local message handler panicked", "topic", msg.Topic, "panic", r)
		}
	}()
	handler(msg)
}

func (b *Broker) handleSubscribe(e *subscribeEvent) {
	states := make([]packet.SubscribeState, len(e.subscriptions))
	for i, sub := range e.subscriptions {
		if err := topic.ValidateFilter(sub.Filter); err != nil {
			b.logger.Warn("Subscription rejected", "client_id", e.session.ClientID, "filter", sub.Filter, "error", err)
			states[i] = packet.Failure
			continue
		}
		if _, err := b.store.Subscribe(e.session, sub.Filter, sub.QoS); err != nil {
			states[i] = packet.Failure
			continue
		}
		states[i] = packet.SubscribeState(sub.QoS)
	}
	b.router.Invalidate()

	if err := e.session.Send(packet.NewSubAckPacket(e.packetID, states)); err != nil {
		b.logger.Warn("Fail to queue SUBACK", "client_id", e.session.ClientID, "error", err)
		return
	}
	for i, sub := range e.subscriptions {
		if states[i] == packet.Failure {
			continue
		}
		b.router.DeliverRetained(e.session, sub.Filter, sub.QoS)
	}
}

func (b *Broker) handleUnsubscribe(e *unsubscribeEvent) {
	for _, filter := range e.filters {
		if _, err := b.store.Unsubscribe(e.session, filter); err != nil {
			b.logger.Debug("Unsubscribe on inactive session", "client_id", e.session.ClientID, "error", err)
			break
		}
	}
	b.router.Invalidate()

	if err := e.session.Send(packet.NewUnSubAckPacket(e.packetID)); err != nil {
		b.logger.Warn("Fail to queue UNSUBACK", "client_id", e.session.ClientID, "error", err)
	}
}

// handleDisconnect drops the session unless it was already replaced, saves persistent subscriptions
// and publishes the will of a connection that ended without DISCONNECT and was not taken over.
func (b *Broker) handleDisconnect(e *disconnectEvent) {
	s := e.session
	subscriptions := s.Subscriptions()
	removed := b.store.Remove(s)
	b.router.Invalidate()
	b.metrics.SetSessions(b.store.Len())

	if removed && !s.CleanSession {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		record := database.NewSessionRecord(s.ClientID, subscriptions, s.LastSeen())
		if err := b.persister.SaveSession(ctx, record); err != nil {
			b.logger.Error("Fail to save persistent session", "client_id", s.ClientID, "error", err)
		}
		cancel()
	}

	will := s.TakeWill()
	if e.graceful || errors.Is(e.reason, session.ErrSessionTakeOver) || will == nil {
		return
	}
	b.logger.Debug("Publishing will message", "client_id", s.ClientID, "topic", will.Topic)
	b.route(*will)
}
