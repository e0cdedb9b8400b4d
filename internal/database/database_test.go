package database

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	c "github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
)

func mongoConfig() c.DatabaseConfig {
	cfg := c.DatabaseConfig{Driver: c.DriverMongo, Username: "broker", Password: "p@ss/word", MinPoolSize: 2}
	cfg.SetDefaults()
	return cfg
}

func TestClientOptions(t *testing.T) {
	opts := clientOptions(mongoConfig(), "mqtt-broker", logger.Discard())
	require.NoError(t, opts.Validate())

	assert.Equal(t, "mqtt-broker", *opts.AppName)
	assert.Equal(t, uint64(100), *opts.MaxPoolSize)
	assert.Equal(t, uint64(2), *opts.MinPoolSize)
	assert.Equal(t, []string{"localhost:27017"}, opts.Hosts)
	require.NotNil(t, opts.Auth)
	assert.Equal(t, "broker", opts.Auth.Username)
	assert.Equal(t, "p@ss/word", opts.Auth.Password)
	assert.Equal(t, "admin", opts.Auth.AuthSource)
	assert.Nil(t, opts.TLSConfig)
}

func TestClientOptionsWithoutCredentials(t *testing.T) {
	cfg := mongoConfig()
	cfg.Username = ""
	cfg.UseTLS = true
	opts := clientOptions(cfg, "mqtt-broker", logger.Discard())
	require.NoError(t, opts.Validate())
	assert.NotNil(t, opts.TLSConfig)
}

func TestRetainedDocumentRoundTrip(t *testing.T) {
	doc := toRetainedDocument(mqtt.Message{Topic: "sensors/a", Payload: []byte("21.5"), QoS: 2})
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)

	var decoded retainedDocument
	require.NoError(t, bson.Unmarshal(raw, &decoded))
	msg := decoded.message()
	assert.Equal(t, "sensors/a", msg.Topic)
	assert.Equal(t, []byte("21.5"), msg.Payload)
	assert.Equal(t, mqtt.ExactlyOnce, msg.QoS)
	assert.True(t, msg.Retain)
}

func TestSessionRecordStoresFiltersAsValues(t *testing.T) {
	subscriptions := map[string]byte{"$SYS/#": 0, "a.b/+": 1, "c": 2}
	record := NewSessionRecord("S1", subscriptions, time.Now())
	assert.Equal(t, "$SYS/#", record.Subscriptions[0].Filter)

	raw, err := bson.Marshal(record)
	require.NoError(t, err)
	_, isArray := bson.Raw(raw).Lookup("subscriptions").ArrayOK()
	assert.True(t, isArray)

	var decoded SessionRecord
	require.NoError(t, bson.Unmarshal(raw, &decoded))
	assert.Equal(t, subscriptions, decoded.SubscriptionMap())
}

func TestWrapError(t *testing.T) {
	assert.ErrorIs(t, wrapError(mongo.ErrNoDocuments), ErrNotFound)
	boom := errors.New("boom")
	err := wrapError(boom)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNotFound)
}
