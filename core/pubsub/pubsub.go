// Package pubsub is the channel-named broadcast fabric between nodes,
// with per-channel subscriber ordering. Delivery is not retried: the
// in-process bus drops a message for a subscriber whose queue is full,
// and the Redis bus reaches only subscribers connected at publish time.
package pubsub

import (
	"context"
	"encoding/json"

	"github.com/MohamedAYassin/PeerLink/lib/logger"
)

var log, _ = logger.New("pubsub")

// Enumerated channels.
const (
	ChannelSessionCreated = "session:created"
	ChannelSessionEnded   = "session:ended"
	ChannelShareCreated   = "share:created"
	ChannelMessageRoute   = "message:route"
	ChannelRoutingRequest = "routing:request"
)

// payloadWarnBytes is the serialized-size operational signal, not a
// hard cap.
const payloadWarnBytes = 500 * 1024

// Handler consumes one published payload. Handlers on one channel are
// invoked in publication order.
type Handler func(channel string, payload []byte)

type PubSub interface {
	Publish(ctx context.Context, channel string, v any) error
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// marshal serializes a payload for the wire and warns on oversized
// messages. Binary fields serialize through the tagged base64 wrapper.
func marshal(channel string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	if len(data) > payloadWarnBytes {
		log.Warnw("publish", "status", "payload over 500KiB", "channel", channel, "bytes", len(data))
	}

	return data, nil
}
