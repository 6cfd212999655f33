package pubsub

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis carries channels over redis pub/sub so the two peers of a
// share may sit on different nodes. Redis delivers per-channel in
// publication order to each subscriber connection.
type Redis struct {
	client *redis.Client
	mu     sync.Mutex
	subs   []*redis.PubSub
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Publish(ctx context.Context, channel string, v any) error {
	data, err := marshal(channel, v)
	if err != nil {
		return err
	}

	return r.client.Publish(ctx, channel, data).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channel string, handler Handler) error {
	sub := r.client.Subscribe(ctx, channel)

	// wait for the subscription to be established so publications
	// after Subscribe returns are not lost
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}()

	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs {
		if err := sub.Close(); err != nil {
			log.Errorw("close", "error", err)
		}
	}
	r.subs = nil

	return nil
}
