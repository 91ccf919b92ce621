package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus carries session traffic over NATS core subjects.
type NATSBus struct {
	nc     *nats.Conn
	logger *zap.Logger
}

func NewNATSBus(url string, logger *zap.Logger) (*NATSBus, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("sandboxengine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSBus{nc: nc, logger: logger}, nil
}

func (b *NATSBus) Publish(ctx context.Context, channel string, data []byte) error {
	return b.nc.Publish(channel, data)
}

// Subscribe returns the *nats.Subscription, which already satisfies Subscription.
func (b *NATSBus) Subscribe(ctx context.Context, channel string, handler func(data []byte)) (Subscription, error) {
	sub, err := b.nc.Subscribe(channel, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return sub, nil
}

func (b *NATSBus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}
