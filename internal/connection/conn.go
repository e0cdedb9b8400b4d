// Package connection owns the write side of client connections: a bounded outbound queue drained
// by one writer goroutine per connection.
package connection

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/session"
)

type Options struct {
	// ID names the connection in logs and in the Manager. Defaults to the remote address.
	ID           string
	QueueSize    int
	WriteTimeout time.Duration
	// Retries is the number of extra attempts for a write that timed out.
	Retries      int
	Logger       *slog.Logger
	Metrics      metrics.Recorder
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NopRecorder{}
	}
}

type outbound struct {
	raw []byte
	msg *mqtt.Message
}

// Conn wraps a client socket. It implements session.Outbox.
type Conn struct {
	conn   net.Conn
	connID string
	opts   Options
	logger *slog.Logger
	ids    *session.PacketIDs

	queue      chan outbound
	stop       chan struct{}
	writerDone chan struct{}

	mu      sync.RWMutex
	closing bool
	reason  error

	stopOnce  sync.Once
	closeOnce sync.Once
}

// New wraps conn and starts its writer goroutine.
func New(conn net.Conn, opts Options) *Conn {
	opts.setDefaults()
	connID := opts.ID
	if connID == "" {
		connID = conn.RemoteAddr().String()
	}
	c := &Conn{
		conn:       conn,
		connID:     connID,
		opts:       opts,
		logger:     opts.Logger,
		ids:        session.NewPacketIDs(),
		queue:      make(chan outbound, opts.QueueSize),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Conn) ID() string {
	return c.connID
}

func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// PacketIDs is the in-flight table of outbound QoS 1 and 2 messages.
func (c *Conn) PacketIDs() *session.PacketIDs {
	return c.ids
}

// Deliver queues an application message. msg.QoS is the effective delivery QoS.
func (c *Conn) Deliver(msg mqtt.Message) error {
	return c.enqueue(outbound{msg: &msg})
}

// Send queues an encoded control packet.
func (c *Conn) Send(raw []byte) error {
	return c.enqueue(outbound{raw: raw})
}

func (c *Conn) enqueue(item outbound) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closing {
		return session.ErrSessionClosed
	}
	select {
	case c.queue <- item:
		return nil
	default:
		return session.ErrDeliveryFailed
	}
}

// Close stops intake and wakes up the reader. The first reason wins.
func (c *Conn) Close(reason error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.reason = reason
	c.mu.Unlock()

	_ = c.conn.SetReadDeadline(time.Now())
}

// SetReadDeadline moves the read deadline unless the connection is closing, so a deadline set by
// Close is never pushed back.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closing {
		return session.ErrSessionClosed
	}
	return c.conn.SetReadDeadline(t)
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closing
}

// Reason is the argument of the first Close call.
func (c *Conn) Reason() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

// Flush stops the writer and writes what is still queued, giving up after timeout.
func (c *Conn) Flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	c.stopOnce.Do(func() { close(c.stop) })

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.writerDone:
	case <-timer.C:
		c.logger.Warn("Writer did not stop before flush deadline")
		return
	}

	_ = c.conn.SetWriteDeadline(deadline)
	for {
		select {
		case item := <-c.queue:
			raw, ok := c.encode(item)
			if !ok {
				continue
			}
			if _, err := writeAll(c.conn, raw); err != nil {
				c.logger.Debug("Flush aborted", "pending", len(c.queue), "error", err)
				return
			}
		default:
			return
		}
	}
}

// Terminate closes the socket. Blocked reads and writes fail immediately.
func (c *Conn) Terminate() {
	c.closeOnce.Do(func() {
		c.stopOnce.Do(func() { close(c.stop) })
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Warn("Error occured while closing connection", "error", err)
		}
	})
}
