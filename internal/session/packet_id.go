package session

import (
	"sync"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
)

// PacketIDs tracks outbound QoS 1 and 2 messages awaiting acknowledgement on one connection.
type PacketIDs struct {
	mu       sync.Mutex
	next     uint16
	inflight map[uint16]mqtt.Message
}

func NewPacketIDs() *PacketIDs {
	return &PacketIDs{
		next:     1,
		inflight: make(map[uint16]mqtt.Message),
	}
}

// Acquire reserves the next free identifier for msg. Zero is never handed out.
func (m *PacketIDs) Acquire(msg mqtt.Message) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.inflight) >= 65535 {
		return 0, ErrPacketIDsExhausted
	}
	for {
		id := m.next
		m.next++
		if m.next == 0 {
			m.next = 1
		}
		if _, used := m.inflight[id]; !used {
			m.inflight[id] = msg
			return id, nil
		}
	}
}

// Release frees an identifier once its flow completes.
func (m *PacketIDs) Release(id uint16) (mqtt.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.inflight[id]
	delete(m.inflight, id)
	return msg, ok
}

func (m *PacketIDs) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}
