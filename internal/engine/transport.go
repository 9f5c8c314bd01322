package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/parley/internal/config"
	"github.com/roach88/parley/internal/transport"
	"github.com/roach88/parley/internal/transport/kafkabus"
	"github.com/roach88/parley/internal/transport/memory"
	"github.com/roach88/parley/internal/transport/redisbus"
	"github.com/roach88/parley/internal/transport/wsclient"
)

// OpenTransport builds the transport cfg names. token authenticates the
// websocket upgrade; the other kinds ignore it.
//
// The memory kind is a private loopback: writes come back as echoes, but
// nobody else is on the bus.
func OpenTransport(ctx context.Context, cfg config.Transport, token string) (transport.Transport, error) {
	switch cfg.Kind {
	case "", config.TransportMemory:
		return memory.NewBroker().Connect(), nil

	case config.TransportWebSocket:
		return wsclient.New(wsclient.Config{
			URL:        cfg.URL,
			Token:      token,
			AckTimeout: cfg.AckTimeout,
		}), nil

	case config.TransportRedis:
		bus := redisbus.New(redisbus.Config{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			Prefix:   cfg.Prefix,
		})
		if err := bus.Ping(ctx); err != nil {
			bus.Close()
			return nil, err
		}
		slog.Info("redis transport connected", "addr", cfg.Addr)
		return bus, nil

	case config.TransportKafka:
		return kafkabus.New(kafkabus.Config{
			Brokers: cfg.Brokers,
			Prefix:  cfg.Prefix,
		}), nil
	}
	return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
}
