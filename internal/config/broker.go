package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/topic"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/utils"
)

// Subscription is a (filter, QoS) pair used for default subscription lists.
type Subscription struct {
	Filter string `json:"filter"`
	QoS    byte   `json:"qos"`
}

func (s Subscription) Validate() error {
	if err := topic.ValidateFilter(s.Filter); err != nil {
		return err
	}
	if s.QoS > 2 {
		return fmt.Errorf("qos %d of %q must be 0, 1 or 2", s.QoS, s.Filter)
	}
	return nil
}

// CopySubscriptions returns an independent copy so instances never share a default list.
func CopySubscriptions(subs []Subscription) []Subscription {
	if subs == nil {
		return nil
	}
	out := make([]Subscription, len(subs))
	copy(out, subs)
	return out
}

// DefaultMaxPacketSize bounds inbound packets when max_packet_size is not set.
const DefaultMaxPacketSize = 1 << 20

type BrokerConfig struct {
	BindAddress        string         `json:"bind_address"`
	Username           string         `json:"username"`
	Password           string         `json:"password"`
	HandshakeTimeout   string         `json:"handshake_timeout"`
	MaxConnections     int            `json:"max_connections"`
	MaxPacketSize      int            `json:"max_packet_size"`
	OutboundQueue      int            `json:"outbound_queue"`
	DeliveryRetries    *int           `json:"delivery_retries"`
	WriteTimeout       string         `json:"write_timeout"`
	FlushTimeout       string         `json:"flush_timeout"`
	DrainTimeout       string         `json:"drain_timeout"`
	EventQueue         int            `json:"event_queue"`
	MatchCacheSize     *int           `json:"match_cache_size"`
	LocalSubscriptions []Subscription `json:"local_subscriptions"`
}

func (c *BrokerConfig) SetDefaults() {
	if c.BindAddress == "" {
		c.BindAddress = ":1883"
	}
	if c.HandshakeTimeout == "" {
		c.HandshakeTimeout = "1m"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 10000
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	if c.OutboundQueue == 0 {
		c.OutboundQueue = 256
	}
	if c.DeliveryRetries == nil {
		c.DeliveryRetries = intPtr(3)
	}
	if c.WriteTimeout == "" {
		c.WriteTimeout = "5s"
	}
	if c.FlushTimeout == "" {
		c.FlushTimeout = "2s"
	}
	if c.DrainTimeout == "" {
		c.DrainTimeout = "10s"
	}
	if c.EventQueue == 0 {
		c.EventQueue = 1024
	}
	if c.MatchCacheSize == nil {
		c.MatchCacheSize = intPtr(1024)
	}
	if c.LocalSubscriptions == nil {
		c.LocalSubscriptions = []Subscription{{Filter: "client/+", QoS: 0}}
	}
}

func (c *BrokerConfig) Validate() error {
	if c.BindAddress == "" {
		return errors.New("bind_address is required")
	}
	if c.Password != "" && c.Username == "" {
		return errors.New("password requires a username")
	}
	for name, value := range map[string]string{
		"handshake_timeout": c.HandshakeTimeout,
		"write_timeout":     c.WriteTimeout,
		"flush_timeout":     c.FlushTimeout,
		"drain_timeout":     c.DrainTimeout,
	} {
		if _, err := utils.ParseStringTime(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.MaxConnections < 0 || c.OutboundQueue < 0 || c.EventQueue < 0 || c.MaxPacketSize < 0 ||
		c.DeliveryRetryCount() < 0 || c.MatchCacheCapacity() < 0 {
		return errors.New("sizes and counts must not be negative")
	}
	for _, sub := range c.LocalSubscriptions {
		if err := sub.Validate(); err != nil {
			return fmt.Errorf("local_subscriptions: %w", err)
		}
	}
	return nil
}

func (c *BrokerConfig) HandshakeTimeoutDuration() time.Duration { return mustDuration(c.HandshakeTimeout) }
func (c *BrokerConfig) WriteTimeoutDuration() time.Duration     { return mustDuration(c.WriteTimeout) }
func (c *BrokerConfig) FlushTimeoutDuration() time.Duration     { return mustDuration(c.FlushTimeout) }
func (c *BrokerConfig) DrainTimeoutDuration() time.Duration     { return mustDuration(c.DrainTimeout) }

// DeliveryRetryCount is the number of retries of a timed out write. Zero disables retrying.
func (c *BrokerConfig) DeliveryRetryCount() int { return intValue(c.DeliveryRetries) }

// MatchCacheCapacity is the size of the topic match cache. Zero disables the cache.
func (c *BrokerConfig) MatchCacheCapacity() int { return intValue(c.MatchCacheSize) }

func intPtr(v int) *int { return &v }

func intValue(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// mustDuration is only used on validated values; an unparsable value yields zero.
func mustDuration(value string) time.Duration {
	d, _ := utils.ParseStringTime(value)
	return d
}

type MetricsConfig struct {
	ListenAddress string `json:"listen_address"`
}
