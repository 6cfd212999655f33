package pubsub

import (
	"context"
	"sync"
)

const subscriberQueueSize = 1024

type subscriber struct {
	handler Handler
	queue   chan delivery
	done    chan struct{}
}

type delivery struct {
	channel string
	payload []byte
}

// Memory is the in-process bus used in standalone mode and by tests.
// Each subscriber drains its own queue on a single goroutine, which
// preserves publication order per channel.
type Memory struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber
	closed      bool
}

func NewMemory() *Memory {
	return &Memory{
		subscribers: make(map[string][]*subscriber),
	}
}

func (m *Memory) Publish(_ context.Context, channel string, v any) error {
	data, err := marshal(channel, v)
	if err != nil {
		return err
	}

	m.mu.RLock()
	subs := m.subscribers[channel]
	m.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.queue <- delivery{channel: channel, payload: data}:
		default:
			log.Warnw("publish", "status", "subscriber queue full, dropping", "channel", channel)
		}
	}

	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string, handler Handler) error {
	sub := &subscriber{
		handler: handler,
		queue:   make(chan delivery, subscriberQueueSize),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.subscribers[channel] = append(m.subscribers[channel], sub)
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case d := <-sub.queue:
				sub.handler(d.channel, d.payload)
			}
		}
	}()

	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for _, subs := range m.subscribers {
		for _, sub := range subs {
			close(sub.done)
		}
	}
	m.subscribers = make(map[string][]*subscriber)

	return nil
}
