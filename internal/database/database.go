package database

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	c "github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
)

const (
	SessionCollectionName  = "sessions"
	RetainedCollectionName = "retained_messages"

	connectTimeout = 15 * time.Second
)

// MongoStore is the Persister backed by MongoDB.
type MongoStore struct {
	client           *mongo.Client
	sessions         *mongo.Collection
	retained         *mongo.Collection
	operationTimeout time.Duration
	logger           *slog.Logger
}

func clientOptions(config c.DatabaseConfig, appName string, logger *slog.Logger) *options.ClientOptions {
	credentials := ""
	if config.Username != "" {
		// 编码特殊字符
		credentials = url.QueryEscape(config.Username) + ":" + url.QueryEscape(config.Password) + "@"
	}
	databaseUrl := fmt.Sprintf("mongodb://%s%s:%d/?authSource=admin", credentials, config.Host, config.Port)

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(appName)
	// 连接池配置
	clientOptions.SetMinPoolSize(config.MinPoolSize)
	clientOptions.SetMaxPoolSize(config.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(config.IdleTimeoutDuration())
	// 超时限制
	clientOptions.SetConnectTimeout(config.ConnectTimeoutDuration())
	clientOptions.SetSocketTimeout(config.SocketTimeoutDuration())
	// 心跳包
	clientOptions.SetHeartbeatInterval(config.HeartbeatDuration())
	if config.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.Debug("Database connection created", "address", evt.Address, "connection_id", evt.ConnectionID)
			case event.ConnectionClosed:
				logger.Debug("Database connection closed", "address", evt.Address, "connection_id", evt.ConnectionID, "reason", evt.Reason)
			}
		},
	})
	return clientOptions
}

// ConnectDatabase dials MongoDB, verifies the connection and ensures the unique indexes.
func ConnectDatabase(ctx context.Context, config c.DatabaseConfig, appName string, logger *slog.Logger) (*MongoStore, error) {
	logger.Debug("Connecting to database...", "host", config.Host, "port", config.Port)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions(config, appName, logger))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(config.Database)
	store := &MongoStore{
		client:           client,
		sessions:         db.Collection(SessionCollectionName),
		retained:         db.Collection(RetainedCollectionName),
		operationTimeout: config.OperationTimeoutDuration(),
		logger:           logger,
	}

	if err := store.ensureIndex(ctx, store.sessions, "client_id", "sessions_client_id_unique"); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	if err := store.ensureIndex(ctx, store.retained, "topic", "retained_topic_unique"); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	logger.Info("Database connected", "database", config.Database)
	return store, nil
}

func (ms *MongoStore) ensureIndex(ctx context.Context, collection *mongo.Collection, key, name string) error {
	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: key, Value: 1}},
		Options: options.Index().SetUnique(true).SetName(name),
	})
	if err != nil {
		return fmt.Errorf("error occured while creating database index %s: %w", name, err)
	}
	return nil
}

type retainedDocument struct {
	Topic     string    `bson:"topic"`
	Payload   []byte    `bson:"payload"`
	QoS       int32     `bson:"qos"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func toRetainedDocument(msg mqtt.Message) retainedDocument {
	return retainedDocument{
		Topic:     msg.Topic,
		Payload:   msg.Payload,
		QoS:       int32(msg.QoS),
		UpdatedAt: time.Now(),
	}
}

func (d retainedDocument) message() mqtt.Message {
	return mqtt.Message{Topic: d.Topic, Payload: d.Payload, QoS: mqtt.QoS(d.QoS), Retain: true}
}

func wrapError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ms *MongoStore) LoadRetained(ctx context.Context) ([]mqtt.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	startTime := time.Now()
	cursor, err := ms.retained.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "topic", Value: 1}}))
	if err != nil {
		return nil, wrapError(err)
	}
	var docs []retainedDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapError(err)
	}
	ms.logger.Debug("Retained messages loaded", "count", len(docs), "cost", time.Since(startTime))

	result := make([]mqtt.Message, 0, len(docs))
	for _, doc := range docs {
		result = append(result, doc.message())
	}
	return result, nil
}

func (ms *MongoStore) SaveRetained(ctx context.Context, msg mqtt.Message) error {
	if msg.Topic == "" {
		return TopicEmptyError
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "topic", Value: msg.Topic}}
	opts := options.Replace().SetUpsert(true)
	if _, err := ms.retained.ReplaceOne(ctx, filter, toRetainedDocument(msg), opts); err != nil {
		return wrapError(err)
	}
	return nil
}

func (ms *MongoStore) DeleteRetained(ctx context.Context, topic string) error {
	if topic == "" {
		return TopicEmptyError
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	if _, err := ms.retained.DeleteOne(ctx, bson.D{{Key: "topic", Value: topic}}); err != nil {
		return wrapError(err)
	}
	return nil
}

func (ms *MongoStore) LoadSession(ctx context.Context, clientID string) (*SessionRecord, error) {
	if clientID == "" {
		return nil, ClientIdEmptyError
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	var record SessionRecord
	startTime := time.Now()
	err := ms.sessions.FindOne(ctx, bson.D{{Key: "client_id", Value: clientID}}).Decode(&record)
	ms.logger.Debug("Session query finished", "client_id", clientID, "cost", time.Since(startTime))
	if err != nil {
		return nil, wrapError(err)
	}
	return &record, nil
}

func (ms *MongoStore) SaveSession(ctx context.Context, record *SessionRecord) error {
	if record.ClientID == "" {
		return ClientIdEmptyError
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	stored := cloneRecord(record)
	stored.UpdatedAt = time.Now()
	filter := bson.D{{Key: "client_id", Value: record.ClientID}}
	result, err := ms.sessions.ReplaceOne(ctx, filter, stored, options.Replace().SetUpsert(true))
	if err != nil {
		return wrapError(err)
	}

	ms.logger.Debug("Session saved",
		"client_id", record.ClientID,
		"matched", result.MatchedCount,
		"modified", result.ModifiedCount,
		"upserted", result.UpsertedID != nil,
	)
	return nil
}

func (ms *MongoStore) DeleteSession(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ClientIdEmptyError
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	result, err := ms.sessions.DeleteOne(ctx, bson.D{{Key: "client_id", Value: clientID}})
	if err != nil {
		return wrapError(err)
	}
	ms.logger.Debug("Session deleted", "client_id", clientID, "deleted", result.DeletedCount)
	return nil
}

func (ms *MongoStore) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}
