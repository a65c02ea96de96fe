package bus

import (
	"context"
	"time"
)

// InboundMessage is one chat message as delivered by a message source.
type InboundMessage struct {
	ID        string    `json:"id"`
	GuildID   string    `json:"guild_id"`
	ChannelID string    `json:"channel_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *InboundMessage) SessionKey() string {
	return m.GuildID + ":" + m.ChannelID
}

const DefaultBufferSize = 256

// MessageBus carries inbound messages from sources to the ingest consumer.
type MessageBus struct {
	Inbound chan InboundMessage
}

func NewMessageBus(size int) *MessageBus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &MessageBus{Inbound: make(chan InboundMessage, size)}
}

// Publish enqueues msg, blocking while the buffer is full.
func (b *MessageBus) Publish(ctx context.Context, msg InboundMessage) error {
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume hands every inbound message to handle until ctx ends or the
// Inbound channel is closed. Handler errors do not stop the loop.
func (b *MessageBus) Consume(ctx context.Context, handle func(context.Context, InboundMessage) error, onError func(InboundMessage, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-b.Inbound:
			if !ok {
				return
			}
			if err := handle(ctx, msg); err != nil && onError != nil {
				onError(msg, err)
			}
		}
	}
}
