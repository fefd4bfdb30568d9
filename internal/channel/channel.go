// Package channel adapts external messaging surfaces to the bus:
// inbound chat messages become intents, outbound messages deliver
// final answers back to the chat they came from.
package channel

import (
	"context"

	"go.uber.org/zap"

	"github.com/stellarlinkco/telosd/internal/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel carries what every adapter needs: its name, the bus and
// the sender allow-list. An empty allow-list admits everyone.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
	logger    *zap.Logger
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string, logger *zap.Logger) BaseChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = true
	}
	return BaseChannel{
		name:      name,
		bus:       b,
		allowFrom: allowed,
		logger:    logger,
	}
}

func (c *BaseChannel) Name() string { return c.name }

func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[senderID]
}
