package config

import (
	"fmt"
	"time"
)

const (
	DriverMemory = "memory"
	DriverMongo  = "mongo"
)

type DatabaseConfig struct {
	Driver             string `json:"driver"`
	Host               string `json:"host"`
	Port               uint64 `json:"port"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Database           string `json:"database"`
	UseTLS             bool   `json:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout"`
	Heartbeat          string `json:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size"`
}

func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = DriverMemory
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 27017
	}
	if c.Database == "" {
		c.Database = "mqtt"
	}
	if c.ConnectTimeout == "" {
		c.ConnectTimeout = "10s"
	}
	if c.SocketTimeout == "" {
		c.SocketTimeout = "30s"
	}
	if c.ConnectIdleTimeout == "" {
		c.ConnectIdleTimeout = "5m"
	}
	if c.OperationTimeout == "" {
		c.OperationTimeout = "5s"
	}
	if c.Heartbeat == "" {
		c.Heartbeat = "10s"
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = 100
	}
}

func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverMongo:
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}
	if c.MinPoolSize > c.MaxPoolSize {
		return fmt.Errorf("min_pool_size %d exceeds max_pool_size %d", c.MinPoolSize, c.MaxPoolSize)
	}
	for name, value := range map[string]string{
		"connect_timeout":      c.ConnectTimeout,
		"socket_timeout":       c.SocketTimeout,
		"connect_idle_timeout": c.ConnectIdleTimeout,
		"operation_timeout":    c.OperationTimeout,
		"heartbeat":            c.Heartbeat,
	} {
		if d := mustDuration(value); d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %q", name, value)
		}
	}
	return nil
}

func (c *DatabaseConfig) ConnectTimeoutDuration() time.Duration { return mustDuration(c.ConnectTimeout) }
func (c *DatabaseConfig) SocketTimeoutDuration() time.Duration  { return mustDuration(c.SocketTimeout) }
func (c *DatabaseConfig) IdleTimeoutDuration() time.Duration    { return mustDuration(c.ConnectIdleTimeout) }
func (c *DatabaseConfig) OperationTimeoutDuration() time.Duration {
	return mustDuration(c.OperationTimeout)
}
func (c *DatabaseConfig) HeartbeatDuration() time.Duration { return mustDuration(c.Heartbeat) }
