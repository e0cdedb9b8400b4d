// Package database persists retained messages and persistent sessions.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	c "github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
)

var (
	ErrNotFound        = errors.New("document does not exist")
	ClientIdEmptyError = errors.New("client_id is empty")
	TopicEmptyError    = errors.New("topic is empty")
)

// SubscriptionRecord is one stored subscription. Filters are kept as values since they may
// contain '.' or start with '$'.
type SubscriptionRecord struct {
	Filter string `bson:"filter"`
	QoS    byte   `bson:"qos"`
}

// SessionRecord is the stored state of a clean_session=false client.
type SessionRecord struct {
	ClientID      string               `bson:"client_id"`
	Subscriptions []SubscriptionRecord `bson:"subscriptions"`
	LastSeen      time.Time            `bson:"last_seen"`
	UpdatedAt     time.Time            `bson:"updated_at"`
}

// NewSessionRecord builds a record with the subscriptions ordered by filter.
func NewSessionRecord(clientID string, subscriptions map[string]byte, lastSeen time.Time) *SessionRecord {
	record := &SessionRecord{
		ClientID:      clientID,
		Subscriptions: make([]SubscriptionRecord, 0, len(subscriptions)),
		LastSeen:      lastSeen,
	}
	for filter, qos := range subscriptions {
		record.Subscriptions = append(record.Subscriptions, SubscriptionRecord{Filter: filter, QoS: qos})
	}
	sort.Slice(record.Subscriptions, func(i, j int) bool {
		return record.Subscriptions[i].Filter < record.Subscriptions[j].Filter
	})
	return record
}

// SubscriptionMap returns the subscriptions keyed by filter.
func (r *SessionRecord) SubscriptionMap() map[string]byte {
	result := make(map[string]byte, len(r.Subscriptions))
	for _, sub := range r.Subscriptions {
		result[sub.Filter] = sub.QoS
	}
	return result
}

// Persister stores the state that survives a broker restart.
type Persister interface {
	LoadRetained(ctx context.Context) ([]mqtt.Message, error)
	SaveRetained(ctx context.Context, msg mqtt.Message) error
	DeleteRetained(ctx context.Context, topic string) error
	LoadSession(ctx context.Context, clientID string) (*SessionRecord, error)
	SaveSession(ctx context.Context, record *SessionRecord) error
	DeleteSession(ctx context.Context, clientID string) error
	Close(ctx context.Context) error
}

// Open returns the persister selected by cfg.Driver.
func Open(ctx context.Context, cfg c.DatabaseConfig, appName string, logger *slog.Logger) (Persister, error) {
	switch cfg.Driver {
	case "", c.DriverMemory:
		logger.Debug("Using in-memory persistence")
		return NewMemoryStore(), nil
	case c.DriverMongo:
		return ConnectDatabase(ctx, cfg, appName, logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

type DBCloseCallback struct {
	persister Persister
	logger    *slog.Logger
}

func NewDBCloseCallback(persister Persister, logger *slog.Logger) *DBCloseCallback {
	return &DBCloseCallback{persister: persister, logger: logger}
}

func (dc *DBCloseCallback) Invoke(ctx context.Context) error {
	dc.logger.Info("Closing database connection")
	return dc.persister.Close(ctx)
}
