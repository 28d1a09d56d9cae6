// Package memory implements an in-process bus.PubSub: values published
// on a topic are delivered directly to every handler subscribed to
// that topic, through a buffered channel and dispatcher goroutine per
// subscription, grounded on the teacher's worker pool dispatch loop.
// It backs the default CLI mode and every scenario test; it never
// leaves the process.
package memory

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"ias/internal/apperr"
	"ias/internal/bus"
	"ias/internal/metrics"
	"ias/internal/wire"
)

const defaultQueueSize = 64

// Bus is a thread-safe, in-process publish/subscribe hub keyed by
// wire.Value.FullRunningID.
type Bus struct {
	logger *logrus.Logger

	mu   sync.RWMutex
	subs map[string][]*subscription
	wg   sync.WaitGroup

	closed bool
}

type subscription struct {
	topics  map[string]bool
	handler bus.Handler
	queue   chan wire.Value
	done    chan struct{}
}

// New builds an empty in-process bus.
func New(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{logger: logger, subs: make(map[string][]*subscription)}
}

// Publish delivers v to every handler subscribed to v.FullRunningID.
// Delivery is asynchronous: Publish enqueues onto each matching
// subscription's buffered queue and returns once every enqueue
// succeeds or the queue is full, in which case it reports
// CodeBusPublishFailed rather than block the publisher indefinitely.
func (b *Bus) Publish(ctx context.Context, v wire.Value) error {
	const op = "Publish"
	b.mu.RLock()
	matches := append([]*subscription(nil), b.subs[v.FullRunningID]...)
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return apperr.New(apperr.CodeBusPublishFailed, "bus/memory", op, "bus is closed")
	}

	for _, s := range matches {
		select {
		case s.queue <- v:
		case <-ctx.Done():
			return apperr.New(apperr.CodeBusPublishFailed, "bus/memory", op, "context cancelled").Wrap(ctx.Err())
		default:
			metrics.BusPublishErrorsTotal.WithLabelValues("memory", v.FullRunningID).Inc()
			return apperr.New(apperr.CodeBusPublishFailed, "bus/memory", op, "subscriber queue full for "+v.FullRunningID)
		}
	}
	return nil
}

// Subscribe registers handler for topics. Each call owns its own
// dispatch goroutine and buffered queue, so one slow handler never
// blocks delivery to another subscriber.
func (b *Bus) Subscribe(ctx context.Context, topics []string, handler bus.Handler) error {
	const op = "Subscribe"
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return apperr.New(apperr.CodeBusSubscribeFailed, "bus/memory", op, "bus is closed")
	}
	topicSet := make(map[string]bool, len(topics))
	for _, t := range topics {
		topicSet[t] = true
	}
	s := &subscription{
		topics:  topicSet,
		handler: handler,
		queue:   make(chan wire.Value, defaultQueueSize),
		done:    make(chan struct{}),
	}
	for t := range topicSet {
		b.subs[t] = append(b.subs[t], s)
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatch(ctx, s)
	return nil
}

// dispatch delivers queued values to handler one at a time until ctx
// is cancelled or the subscription is torn down by Close.
func (b *Bus) dispatch(ctx context.Context, s *subscription) {
	defer b.wg.Done()
	for {
		select {
		case v := <-s.queue:
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.WithField("panic", r).Error("bus subscriber handler panicked")
					}
				}()
				s.handler([]wire.Value{v})
			}()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// Close tears down every subscription. Publish after Close fails.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	seen := map[*subscription]bool{}
	for _, list := range b.subs {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				close(s.done)
			}
		}
	}
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

var _ bus.PubSub = (*Bus)(nil)
