package database

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
)

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*SessionRecord
	retained map[string]mqtt.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*SessionRecord),
		retained: make(map[string]mqtt.Message),
	}
}

func (ms *MemoryStore) LoadRetained(_ context.Context) ([]mqtt.Message, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	result := make([]mqtt.Message, 0, len(ms.retained))
	for _, msg := range ms.retained {
		result = append(result, msg.Copy())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Topic < result[j].Topic })
	return result, nil
}

func (ms *MemoryStore) SaveRetained(_ context.Context, msg mqtt.Message) error {
	if msg.Topic == "" {
		return TopicEmptyError
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.retained[msg.Topic] = msg.Copy()
	return nil
}

func (ms *MemoryStore) DeleteRetained(_ context.Context, topic string) error {
	if topic == "" {
		return TopicEmptyError
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.retained, topic)
	return nil
}

func (ms *MemoryStore) LoadSession(_ context.Context, clientID string) (*SessionRecord, error) {
	if clientID == "" {
		return nil, ClientIdEmptyError
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	record, ok := ms.sessions[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(record), nil
}

func (ms *MemoryStore) SaveSession(_ context.Context, record *SessionRecord) error {
	if record.ClientID == "" {
		return ClientIdEmptyError
	}
	stored := cloneRecord(record)
	stored.UpdatedAt = time.Now()
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sessions[record.ClientID] = stored
	return nil
}

func (ms *MemoryStore) DeleteSession(_ context.Context, clientID string) error {
	if clientID == "" {
		return ClientIdEmptyError
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, clientID)
	return nil
}

func (ms *MemoryStore) Close(_ context.Context) error {
	return nil
}

func cloneRecord(record *SessionRecord) *SessionRecord {
	return &SessionRecord{
		ClientID:      record.ClientID,
		Subscriptions: slices.Clone(record.Subscriptions),
		UpdatedAt:     record.UpdatedAt,
	}
}
