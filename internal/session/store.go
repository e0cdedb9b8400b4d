package session

import (
	"sort"
	"sync"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/topic"
)

// Subscriber is one matching subscription of a session.
type Subscriber struct {
	Session *Session
	Filter  string
	QoS     mqtt.QoS
}

// Store is the table of connected sessions keyed by client id. Writes are serialized by the store.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Register creates a session for clientID. A session already holding the id is evicted:
// its connection is closed with ErrSessionTakeOver and it is returned as evicted.
func (st *Store) Register(clientID string, outbox Outbox, clean bool) (session *Session, evicted *Session, err error) {
	if clientID == "" {
		return nil, nil, ErrEmptyClientID
	}
	session = newSession(clientID, outbox, clean)

	st.mu.Lock()
	evicted = st.sessions[clientID]
	st.sessions[clientID] = session
	st.mu.Unlock()

	if evicted != nil {
		evicted.close(ErrSessionTakeOver)
	}
	return session, evicted, nil
}

// Subscribe adds or replaces the session's subscription for filter. It reports whether a subscription
// for the same filter was replaced.
func (st *Store) Subscribe(session *Session, filter string, qos mqtt.QoS) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.owns(session) {
		return false, ErrSessionClosed
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	_, existed := session.subscriptions[filter]
	session.subscriptions[filter] = qos
	return existed, nil
}

// Unsubscribe removes the session's subscription for filter and reports whether it existed.
func (st *Store) Unsubscribe(session *Session, filter string) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.owns(session) {
		return false, ErrSessionClosed
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	_, existed := session.subscriptions[filter]
	delete(session.subscriptions, filter)
	return existed, nil
}

// Remove deletes the session if it is still the registered holder of its client id.
// A session that was taken over is left alone so its successor survives.
func (st *Store) Remove(session *Session) bool {
	st.mu.Lock()
	removed := st.owns(session)
	if removed {
		delete(st.sessions, session.ClientID)
	}
	st.mu.Unlock()

	session.connected.Store(false)
	return removed
}

func (st *Store) Get(clientID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	session, ok := st.sessions[clientID]
	return session, ok
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Snapshot returns the registered sessions ordered by client id.
func (st *Store) Snapshot() []*Session {
	st.mu.RLock()
	result := make([]*Session, 0, len(st.sessions))
	for _, session := range st.sessions {
		result = append(result, session)
	}
	st.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ClientID < result[j].ClientID })
	return result
}

// Matches returns one Subscriber per (session, filter) pair matching the topic.
// A session subscribed through two overlapping filters appears twice.
func (st *Store) Matches(name string) []Subscriber {
	var result []Subscriber
	for _, session := range st.Snapshot() {
		session.mu.RLock()
		for filter, qos := range session.subscriptions {
			if topic.Match(filter, name) {
				result = append(result, Subscriber{Session: session, Filter: filter, QoS: qos})
			}
		}
		session.mu.RUnlock()
	}
	return result
}

func (st *Store) owns(session *Session) bool {
	current, ok := st.sessions[session.ClientID]
	return ok && current == session
}
