package config

import (
	"errors"
	"fmt"
)

// ClientConfig configures the bundled client used by the pub and sub commands.
type ClientConfig struct {
	Broker        string         `json:"broker"`
	ClientID      string         `json:"client_id"`
	Username      string         `json:"username"`
	Password      string         `json:"password"`
	KeepAlive     int            `json:"keepalive"`
	Subscriptions []Subscription `json:"subscriptions"`
}

func (c *ClientConfig) SetDefaults() {
	if c.Broker == "" {
		c.Broker = "tcp://127.0.0.1:1883"
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 60
	}
}

func (c *ClientConfig) Validate() error {
	if c.KeepAlive < 0 || c.KeepAlive > 65535 {
		return errors.New("keepalive must be between 0 and 65535 seconds")
	}
	for _, sub := range c.Subscriptions {
		if err := sub.Validate(); err != nil {
			return fmt.Errorf("subscriptions: %w", err)
		}
	}
	return nil
}
