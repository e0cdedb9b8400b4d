package connection

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/session"
)

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.stop:
			return
		case item := <-c.queue:
			raw, ok := c.encode(item)
			if !ok {
				continue
			}
			if err := c.write(raw, item); err != nil {
				c.Close(err)
				return
			}
		}
	}
}

// encode turns a queued item into bytes, allocating a packet id for QoS 1 and 2 messages.
func (c *Conn) encode(item outbound) ([]byte, bool) {
	if item.msg == nil {
		return item.raw, true
	}
	var id uint16
	if item.msg.QoS > 0 {
		var err error
		id, err = c.ids.Acquire(*item.msg)
		if err != nil {
			c.drop(item, err)
			return nil, false
		}
	}
	return packet.NewPublishPacket(*item.msg, id, false), true
}

// write sends raw with a deadline per attempt. A timed out write is retried; once the retries are
// spent an untouched packet is dropped, while a partially written one breaks the stream and ends
// the connection.
func (c *Conn) write(raw []byte, item outbound) error {
	total := 0
	for attempt := 0; ; attempt++ {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		n, err := writeAll(c.conn, raw[total:])
		total += n
		if err == nil {
			c.logger.Debug("Send bytes to client", "bytes", total)
			return nil
		}
		if !os.IsTimeout(err) {
			return err
		}
		if attempt >= c.opts.Retries || c.stopped() {
			if total > 0 {
				return session.ErrDeliveryFailed
			}
			c.drop(item, session.ErrDeliveryFailed)
			return nil
		}
		c.logger.Debug("Write timed out, retrying", "attempt", attempt+1, "written", total)
	}
}

func (c *Conn) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Conn) drop(item outbound, err error) {
	if item.msg != nil {
		c.logger.Warn("Delivery dropped", "topic", item.msg.Topic, "qos", item.msg.QoS, "error", err)
	} else {
		c.logger.Warn("Control packet dropped", "error", err)
	}
	c.opts.Metrics.DeliveryDropped()
}

func writeAll(conn net.Conn, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// IsNetClosedError reports errors caused by a socket that is already closed or timed out.
func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}
