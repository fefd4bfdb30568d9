package channel

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/stellarlinkco/telosd/internal/bus"
	"github.com/stellarlinkco/telosd/internal/config"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	logger   *zap.Logger
}

func NewChannelManager(cfg config.ChannelsConfig, b *bus.MessageBus, logger *zap.Logger) (*ChannelManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		logger:   logger,
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b, logger)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.register(ch)
	}

	return m, nil
}

func (m *ChannelManager) register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			m.logger.Warn("outbound send failed",
				zap.String("channel", ch.Name()), zap.Error(err))
		}
	})
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.logger.Info("starting channel", zap.String("channel", name))
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		m.logger.Info("stopping channel", zap.String("channel", name))
		if err := ch.Stop(); err != nil {
			m.logger.Warn("error stopping channel",
				zap.String("channel", name), zap.Error(err))
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}
