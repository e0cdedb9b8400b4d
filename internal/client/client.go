// Package client is a small MQTT client over paho used by the pub and sub commands.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	c "github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/config"
)

var ErrNotConnected = errors.New("client is not connected")

const (
	connectTimeout   = 5 * time.Second
	operationTimeout = 10 * time.Second
	disconnectQuiet  = 250
)

// MessageHandler receives every message arriving on the default subscriptions.
type MessageHandler func(topic string, payload []byte)

type Client struct {
	clientID      string
	username      string
	password      string
	subscriptions []c.Subscription
	logger        *slog.Logger

	// newMQTTClient is replaced in tests.
	newMQTTClient func(*paho.ClientOptions) paho.Client

	mu        sync.RWMutex
	client    paho.Client
	onMessage MessageHandler
}

// New keeps its own copy of the default subscription list.
func New(cfg c.ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		clientID:      strings.TrimSpace(cfg.ClientID),
		username:      cfg.Username,
		password:      cfg.Password,
		subscriptions: c.CopySubscriptions(cfg.Subscriptions),
		logger:        logger,
		newMQTTClient: paho.NewClient,
	}
}

// Connect dials tcp://host:port.
func (cl *Client) Connect(host string, port int, keepalive uint16) error {
	return cl.ConnectBroker(fmt.Sprintf("tcp://%s:%d", host, port), keepalive)
}

// ConnectBroker dials a broker URL. The default subscriptions are (re)established on every connect.
func (cl *Client) ConnectBroker(broker string, keepalive uint16) error {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(cl.clientID).
		SetKeepAlive(time.Duration(keepalive) * time.Second).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetOnConnectHandler(cl.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			cl.logger.Warn("Connection to broker lost", "error", err)
		})
	if cl.username != "" {
		opts.SetUsername(cl.username)
		opts.SetPassword(cl.password)
	}

	client := cl.newMQTTClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("connect to %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", broker, err)
	}

	cl.mu.Lock()
	cl.client = client
	cl.mu.Unlock()
	cl.logger.Info("Connected to broker", "broker", broker, "client_id", cl.clientID)
	return nil
}

func (cl *Client) onConnect(client paho.Client) {
	for _, sub := range cl.subscriptions {
		token := client.Subscribe(sub.Filter, sub.QoS, cl.dispatch)
		go func(sub c.Subscription, token paho.Token) {
			if !token.WaitTimeout(operationTimeout) {
				cl.logger.Error("Subscribe timed out", "filter", sub.Filter)
				return
			}
			if err := token.Error(); err != nil {
				cl.logger.Error("Subscribe failed", "filter", sub.Filter, "error", err)
				return
			}
			cl.logger.Debug("Subscribed", "filter", sub.Filter, "qos", sub.QoS)
		}(sub, token)
	}
}

func (cl *Client) dispatch(_ paho.Client, msg paho.Message) {
	cl.mu.RLock()
	handler := cl.onMessage
	cl.mu.RUnlock()
	if handler == nil {
		cl.logger.Debug("Message without handler", "topic", msg.Topic())
		return
	}
	handler(msg.Topic(), msg.Payload())
}

func (cl *Client) Connected() bool {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.client != nil && cl.client.IsConnected()
}

func (cl *Client) SetOnMessage(handler MessageHandler) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.onMessage = handler
}

// Publish sends message to topic. Strings and byte slices are sent verbatim, anything else as JSON.
func (cl *Client) Publish(topic string, message any, qos byte, retain bool) error {
	cl.mu.RLock()
	client := cl.client
	cl.mu.RUnlock()
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	payload, err := encodePayload(message)
	if err != nil {
		return err
	}
	token := client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("publish to %s: timed out", topic)
	}
	return token.Error()
}

func encodePayload(message any) ([]byte, error) {
	switch m := message.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(m), nil
	case []byte:
		return m, nil
	case json.RawMessage:
		return m, nil
	default:
		payload, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return payload, nil
	}
}

func (cl *Client) Disconnect() {
	cl.mu.Lock()
	client := cl.client
	cl.client = nil
	cl.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(disconnectQuiet)
		cl.logger.Info("Disconnected from broker")
	}
}
