package connection

import (
	"sync"
	"sync/atomic"
)

// Manager is the registry of live connections keyed by connection id.
type Manager struct {
	connections sync.Map
	count       atomic.Int64
}

func NewManager() *Manager {
	return &Manager{}
}

func (cm *Manager) Add(conn *Conn) {
	if _, loaded := cm.connections.LoadOrStore(conn.ID(), conn); !loaded {
		cm.count.Add(1)
	}
}

func (cm *Manager) Remove(conn *Conn) {
	if cm.connections.CompareAndDelete(conn.ID(), conn) {
		cm.count.Add(-1)
	}
}

func (cm *Manager) Get(connID string) (*Conn, bool) {
	if value, ok := cm.connections.Load(connID); ok {
		return value.(*Conn), true
	}
	return nil, false
}

func (cm *Manager) Len() int {
	return int(cm.count.Load())
}

// CloseAll asks every connection to stop with reason.
func (cm *Manager) CloseAll(reason error) {
	cm.connections.Range(func(_, value any) bool {
		value.(*Conn).Close(reason)
		return true
	})
}

// TerminateAll closes every socket.
func (cm *Manager) TerminateAll() {
	cm.connections.Range(func(_, value any) bool {
		value.(*Conn).Terminate()
		return true
	})
}
