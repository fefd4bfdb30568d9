package channel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/telosd/internal/bus"
	"github.com/stellarlinkco/telosd/internal/config"
)

func TestChannelManagerNoChannelsEnabled(t *testing.T) {
	m, err := NewChannelManager(config.ChannelsConfig{}, bus.NewMessageBus(10), nil)
	require.NoError(t, err)
	require.Empty(t, m.EnabledChannels())
	require.NoError(t, m.StartAll(context.Background()))
	require.NoError(t, m.StopAll())
}

func TestChannelManagerTelegramNeedsToken(t *testing.T) {
	cfg := config.ChannelsConfig{Telegram: config.TelegramConfig{Enabled: true}}
	_, err := NewChannelManager(cfg, bus.NewMessageBus(10), nil)
	require.Error(t, err)
}

func TestChannelManagerRoutesOutboundThroughBus(t *testing.T) {
	b := bus.NewMessageBus(10)
	m, err := NewChannelManager(config.ChannelsConfig{}, b, nil)
	require.NoError(t, err)

	bot := &fakeBot{}
	ch, _ := newTestChannel(t, config.TelegramConfig{Token: "t"}, bot)
	m.register(ch)
	require.Equal(t, []string{"telegram"}, m.EnabledChannels())

	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "99", Content: "answer"})
	require.Len(t, bot.sent, 1)
}
