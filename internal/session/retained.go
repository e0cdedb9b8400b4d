package session

import (
	"sort"
	"sync"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/topic"
)

// RetainedTable maps literal topics to their last retained message.
type RetainedTable struct {
	mu       sync.RWMutex
	messages map[string]mqtt.Message
}

func NewRetainedTable() *RetainedTable {
	return &RetainedTable{messages: make(map[string]mqtt.Message)}
}

// Set stores msg as the retained message of its topic. An empty payload removes the entry instead.
// It reports whether the entry was stored (true) or removed (false).
func (rt *RetainedTable) Set(msg mqtt.Message) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(msg.Payload) == 0 {
		delete(rt.messages, msg.Topic)
		return false
	}
	msg = msg.Copy()
	msg.Retain = true
	rt.messages[msg.Topic] = msg
	return true
}

func (rt *RetainedTable) Get(name string) (mqtt.Message, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	msg, ok := rt.messages[name]
	return msg, ok
}

// Match returns the retained messages whose topic matches filter, ordered by topic.
func (rt *RetainedTable) Match(filter string) []mqtt.Message {
	rt.mu.RLock()
	var result []mqtt.Message
	for name, msg := range rt.messages {
		if topic.Match(filter, name) {
			result = append(result, msg)
		}
	}
	rt.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Topic < result[j].Topic })
	return result
}

// Load replaces the table content, skipping messages with an empty payload.
func (rt *RetainedTable) Load(messages []mqtt.Message) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.messages = make(map[string]mqtt.Message, len(messages))
	for _, msg := range messages {
		if len(msg.Payload) == 0 {
			continue
		}
		msg.Retain = true
		rt.messages[msg.Topic] = msg
	}
}

func (rt *RetainedTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.messages)
}
