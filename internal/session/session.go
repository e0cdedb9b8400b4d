// Package session holds the broker's shared state: connected sessions, their subscriptions,
// the retained message table and per-connection in-flight packet identifiers.
package session

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
)

// Outbox is the write side of the connection that owns a session.
type Outbox interface {
	// Deliver queues an application message; msg.QoS is the effective delivery QoS.
	Deliver(msg mqtt.Message) error
	// Send queues an already encoded control packet.
	Send(raw []byte) error
	// Close stops the connection with the given reason.
	Close(reason error)
}

// Session is the server side state of one connected client identity.
type Session struct {
	ClientID     string
	CleanSession bool

	outbox    Outbox
	connected atomic.Bool
	lastSeen  atomic.Int64

	mu            sync.RWMutex
	subscriptions map[string]mqtt.QoS
	will          *mqtt.Message
}

func newSession(clientID string, outbox Outbox, clean bool) *Session {
	s := &Session{
		ClientID:      clientID,
		CleanSession:  clean,
		outbox:        outbox,
		subscriptions: make(map[string]mqtt.QoS),
	}
	s.connected.Store(true)
	s.Touch()
	return s
}

// Deliver hands a message to the session's connection.
func (s *Session) Deliver(msg mqtt.Message) error {
	if !s.connected.Load() {
		return ErrSessionClosed
	}
	return s.outbox.Deliver(msg)
}

// Send hands an encoded control packet to the session's connection.
func (s *Session) Send(raw []byte) error {
	if !s.connected.Load() {
		return ErrSessionClosed
	}
	return s.outbox.Send(raw)
}

func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Touch records traffic from the client.
func (s *Session) Touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen is the time of the last packet from the client, or the registration time.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Subscriptions returns a copy of the subscription set.
func (s *Session) Subscriptions() map[string]mqtt.QoS {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.subscriptions)
}

func (s *Session) SetWill(will *mqtt.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.will = will
}

// TakeWill returns the will message once and clears it.
func (s *Session) TakeWill() *mqtt.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	will := s.will
	s.will = nil
	return will
}

func (s *Session) close(reason error) {
	if s.connected.CompareAndSwap(true, false) {
		s.outbox.Close(reason)
	}
}
