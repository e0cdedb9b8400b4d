// Package router fans published messages out to matching subscriptions and maintains the retained table.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/session"
)

const (
	matchCacheTTL  = time.Minute
	persistTimeout = 5 * time.Second
)

type Options struct {
	Store     *session.Store
	Retained  *session.RetainedTable
	Persister database.Persister
	Metrics   metrics.Recorder
	Logger    *slog.Logger
	// CacheSize bounds the topic match cache. Zero disables it.
	CacheSize int
}

// Router is not safe for concurrent Publish calls that race with subscription changes;
// the broker drives it from its event loop.
type Router struct {
	store     *session.Store
	retained  *session.RetainedTable
	persister database.Persister
	metrics   metrics.Recorder
	logger    *slog.Logger
	cache     *expirable.LRU[string, []session.Subscriber]
}

func New(opts Options) *Router {
	r := &Router{
		store:     opts.Store,
		retained:  opts.Retained,
		persister: opts.Persister,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
	if r.store == nil {
		r.store = session.NewStore()
	}
	if r.retained == nil {
		r.retained = session.NewRetainedTable()
	}
	if r.persister == nil {
		r.persister = database.NewMemoryStore()
	}
	if r.metrics == nil {
		r.metrics = metrics.NopRecorder{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if opts.CacheSize > 0 {
		r.cache = expirable.NewLRU[string, []session.Subscriber](opts.CacheSize, nil, matchCacheTTL)
	}
	return r
}

// Publish updates the retained table when msg.Retain is set and queues one delivery per matching
// subscription at min(subscription QoS, message QoS). It returns the number of queued deliveries.
// A failing subscriber is recorded and skipped.
func (r *Router) Publish(msg mqtt.Message) int {
	r.metrics.MessageReceived()
	if msg.Retain {
		r.retain(msg)
	}

	delivered := 0
	for _, sub := range r.match(msg.Topic) {
		out := msg
		out.QoS = mqtt.MinQoS(sub.QoS, msg.QoS)
		out.Retain = false
		if err := sub.Session.Deliver(out); err != nil {
			r.logger.Debug("Delivery failed",
				"client_id", sub.Session.ClientID,
				"topic", msg.Topic,
				"filter", sub.Filter,
				"error", err,
			)
			r.metrics.DeliveryDropped()
			continue
		}
		r.metrics.MessageDelivered(out.QoS)
		delivered++
	}
	r.logger.Debug("Message routed", "topic", msg.Topic, "qos", msg.QoS, "retain", msg.Retain, "delivered", delivered)
	return delivered
}

// DeliverRetained queues the retained messages matching filter to a session that just subscribed with qos.
func (r *Router) DeliverRetained(s *session.Session, filter string, qos mqtt.QoS) int {
	delivered := 0
	for _, msg := range r.retained.Match(filter) {
		msg.QoS = mqtt.MinQoS(qos, msg.QoS)
		msg.Retain = true
		if err := s.Deliver(msg); err != nil {
			r.logger.Debug("Retained delivery failed", "client_id", s.ClientID, "topic", msg.Topic, "error", err)
			r.metrics.DeliveryDropped()
			continue
		}
		r.metrics.MessageDelivered(msg.QoS)
		delivered++
	}
	return delivered
}

// Invalidate purges the match cache. It must be called after every subscription or session change.
func (r *Router) Invalidate() {
	if r.cache != nil {
		r.cache.Purge()
	}
}

func (r *Router) Store() *session.Store {
	return r.store
}

func (r *Router) Retained() *session.RetainedTable {
	return r.retained
}

func (r *Router) match(name string) []session.Subscriber {
	if r.cache == nil {
		return r.store.Matches(name)
	}
	if subs, ok := r.cache.Get(name); ok {
		return subs
	}
	subs := r.store.Matches(name)
	r.cache.Add(name, subs)
	return subs
}

func (r *Router) retain(msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if r.retained.Set(msg) {
		if err := r.persister.SaveRetained(ctx, msg); err != nil {
			r.logger.Error("Fail to persist retained message", "topic", msg.Topic, "error", err)
		}
	} else {
		if err := r.persister.DeleteRetained(ctx, msg.Topic); err != nil {
			r.logger.Error("Fail to delete retained message", "topic", msg.Topic, "error", err)
		}
	}
	r.metrics.SetRetained(r.retained.Len())
}
