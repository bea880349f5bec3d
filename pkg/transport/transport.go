// Package transport selects and connects a bus transport from configuration.
package transport

import (
	"context"
	"sync"

	"github.com/billm/m2mipc/internal/config"
	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/bus"
	"github.com/billm/m2mipc/pkg/bus/amqp"
	"github.com/billm/m2mipc/pkg/bus/mqtt"
	"github.com/billm/m2mipc/pkg/bus/nats"
	"github.com/billm/m2mipc/pkg/bus/redis"
	"github.com/billm/m2mipc/pkg/types"
)

var (
	memoryOnce   sync.Once
	memoryBroker *bus.MemoryBroker
)

// MemoryBroker returns the process-wide broker behind the memory transport
func MemoryBroker() *bus.MemoryBroker {
	memoryOnce.Do(func() {
		memoryBroker = bus.NewMemoryBroker(nil)
	})
	return memoryBroker
}

// Dial validates cfg and connects the configured transport
func Dial(ctx context.Context, cfg config.BusConfig, log *logger.Logger) (bus.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	log.Debug("Dialing bus", "transport", cfg.Transport, "url", cfg.URL)

	var (
		client bus.Client
		err    error
	)
	switch cfg.Transport {
	case config.TransportMQTT:
		client, err = wrap(mqtt.Dial(ctx, cfg, log))
	case config.TransportNATS:
		client, err = wrap(nats.Dial(ctx, cfg, log))
	case config.TransportAMQP:
		client, err = wrap(amqp.Dial(ctx, cfg, log))
	case config.TransportRedis:
		client, err = wrap(redis.Dial(ctx, cfg, log))
	case config.TransportMemory:
		name := cfg.ClientID
		if name == "" {
			name = "memory-" + types.GenerateID().Short()
		}
		client = MemoryBroker().Connect(name)
	default:
		err = types.NewError(types.ErrCodeInvalidArgument, "unknown bus transport: "+cfg.Transport)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// wrap keeps a failed dial from returning a non-nil interface holding a nil
// pointer
func wrap[C bus.Client](c C, err error) (bus.Client, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}
