// Package server implements the MQTT broker: the TCP accept loop, one ConnectionHandler per client
// and the dispatcher event loop that owns the session store and the retained table.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	c "github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/router"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/topic"
)

var (
	ErrBrokerStarted    = errors.New("broker already started")
	ErrBrokerNotRunning = errors.New("broker is not running")
)

const loadTimeout = 10 * time.Second

// MessageHandler receives routed messages matching the broker's local subscriptions.
type MessageHandler func(msg mqtt.Message)

type Options struct {
	Config    c.BrokerConfig
	Logger    *slog.Logger
	Persister database.Persister
	Metrics   metrics.Recorder
}

type Broker struct {
	cfg       c.BrokerConfig
	logger    *slog.Logger
	persister database.Persister
	metrics   metrics.Recorder

	store     *session.Store
	retained  *session.RetainedTable
	router    *router.Router
	conns     *connection.Manager
	localSubs []c.Subscription
	onMessage atomic.Pointer[MessageHandler]

	events   chan event
	sem      chan struct{}
	handlers sync.WaitGroup

	started  atomic.Bool
	mu       sync.Mutex
	listener net.Listener
	running  bool
	used     bool
	stopping chan struct{}
	quit     chan struct{}
	loopDone chan struct{}
}

func New(opts Options) *Broker {
	cfg := opts.Config
	cfg.SetDefaults()
	cfg.LocalSubscriptions = c.CopySubscriptions(cfg.LocalSubscriptions)

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Persister == nil {
		opts.Persister = database.NewMemoryStore()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NopRecorder{}
	}

	b := &Broker{
		cfg:       cfg,
		logger:    opts.Logger,
		persister: opts.Persister,
		metrics:   opts.Metrics,
		store:     session.NewStore(),
		retained:  session.NewRetainedTable(),
		conns:     connection.NewManager(),
		localSubs: cfg.LocalSubscriptions,
		events:    make(chan event, cfg.EventQueue),
		stopping:  make(chan struct{}),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	if cfg.MaxConnections > 0 {
		b.sem = make(chan struct{}, cfg.MaxConnections)
	}
	b.router = router.New(router.Options{
		Store:     b.store,
		Retained:  b.retained,
		Persister: b.persister,
		Metrics:   b.metrics,
		Logger:    b.logger,
		CacheSize: cfg.MatchCacheCapacity(),
	})
	return b
}

// Start loads the retained messages, binds the listener and starts the accept and event loops.
// An empty bindAddress means the configured one. Failing to bind is returned to the caller.
func (b *Broker) Start(bindAddress string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used {
		return ErrBrokerStarted
	}
	if bindAddress == "" {
		bindAddress = b.cfg.BindAddress
	}

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	messages, err := b.persister.LoadRetained(ctx)
	cancel()
	if err != nil {
		b.logger.Error("Fail to load retained messages", "error", err)
	} else {
		b.retained.Load(messages)
		b.metrics.SetRetained(b.retained.Len())
		b.logger.Debug("Retained messages restored", "count", b.retained.Len())
	}

	ln, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return fmt.Errorf("mqtt server listen on %s: %w", bindAddress, err)
	}
	b.listener = ln
	b.used = true
	b.running = true
	b.started.Store(true)

	go b.eventLoop()
	go b.acceptLoop(ln)
	b.logger.Info("MQTT server listening", "address", ln.Addr().String())
	return nil
}

// Addr is the bound listener address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

func (b *Broker) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				b.logger.Debug("Listener closed, accept loop exiting")
				return
			}
			b.logger.Error("Accept connection error", "error", err)
			continue
		}

		b.logger.Debug("Accepted new connection", "remote", conn.RemoteAddr().String())
		if !b.acquire() {
			_ = conn.Close()
			return
		}

		b.metrics.ConnectionOpened()
		b.handlers.Add(1)
		go func(nc net.Conn) {
			defer b.handlers.Done()
			defer b.release()
			newConnectionHandler(b, nc).handleConnection()
		}(conn)
	}
}

func (b *Broker) acquire() bool {
	if b.sem == nil {
		return true
	}
	select {
	case b.sem <- struct{}{}:
		return true
	case <-b.stopping:
		return false
	}
}

func (b *Broker) release() {
	if b.sem != nil {
		<-b.sem
	}
}

// Stop stops accepting, asks every connection to close and waits for them up to the drain timeout,
// then force closes the remaining sockets and stops the event loop.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return ErrBrokerNotRunning
	}
	b.running = false
	close(b.stopping)
	ln := b.listener
	b.mu.Unlock()

	b.logger.Info("MQTT server stopping", "connections", b.conns.Len())
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		b.logger.Warn("Server close error", "error", err)
	}

	b.conns.CloseAll(session.ErrSessionClosed)

	drained := make(chan struct{})
	go func() {
		b.handlers.Wait()
		close(drained)
	}()

	drainCtx, cancel := context.WithTimeout(ctx, b.cfg.DrainTimeoutDuration())
	defer cancel()
	var err error
	select {
	case <-drained:
	case <-drainCtx.Done():
		b.logger.Warn("Drain timeout reached, force closing connections", "remaining", b.conns.Len())
		b.conns.TerminateAll()
		select {
		case <-drained:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	close(b.quit)
	select {
	case <-b.loopDone:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	b.logger.Info("MQTT server stopped")
	return err
}

// PublishLocal routes a broker originated message exactly like a client publish and returns the
// number of deliveries queued to client sessions.
func (b *Broker) PublishLocal(msg mqtt.Message) (int, error) {
	if err := topic.ValidateName(msg.Topic); err != nil {
		return 0, err
	}
	if msg.QoS > mqtt.ExactlyOnce {
		return 0, fmt.Errorf("invalid qos %d", msg.QoS)
	}
	reply := make(chan int, 1)
	if err := b.submit(&publishEvent{message: msg.Copy(), reply: reply}); err != nil {
		return 0, err
	}
	select {
	case n := <-reply:
		return n, nil
	case <-b.quit:
		return 0, ErrBrokerNotRunning
	}
}

// SetOnMessage installs the handler for messages matching the local subscriptions. It is called
// from the dispatcher loop and must not block. A nil handler removes it.
func (b *Broker) SetOnMessage(handler MessageHandler) {
	if handler == nil {
		b.onMessage.Store(nil)
		return
	}
	b.onMessage.Store(&handler)
}

// Sessions is the number of registered sessions.
func (b *Broker) Sessions() int {
	return b.store.Len()
}

// RetainedCount is the number of retained messages.
func (b *Broker) RetainedCount() int {
	return b.retained.Len()
}
