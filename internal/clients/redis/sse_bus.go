package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomstudio/loom-backend/internal/logger"
	"github.com/loomstudio/loom-backend/internal/sse"
	"github.com/loomstudio/loom-backend/internal/utils"
)

// SSEBus fans sse.SSEMessage values out across instances over Redis pub/sub,
// so a pipeline finishing on one replica reaches clients connected to
// another. Messages carry their own channel (services.ProjectChannel); the
// bus moves them verbatim on a single Redis channel and lets the receiving
// hub route them.
type SSEBus interface {
	Publish(ctx context.Context, msg sse.SSEMessage) error
	StartForwarder(ctx context.Context, onMsg func(m sse.SSEMessage)) error
	Close() error
}

const defaultBusChannel = "loom:sse"

type busConfig struct {
	addr     string
	password string
	db       int
	channel  string
}

func busConfigFromEnv(log *logger.Logger) (busConfig, error) {
	cfg := busConfig{
		addr:     strings.TrimSpace(utils.GetEnv("REDIS_ADDR", "", log)),
		password: utils.GetEnv("REDIS_PASSWORD", "", log),
		db:       utils.GetEnvAsInt("REDIS_DB", 0, log),
		channel:  strings.TrimSpace(utils.GetEnv("REDIS_CHANNEL", defaultBusChannel, log)),
	}
	if cfg.addr == "" {
		return cfg, fmt.Errorf("missing REDIS_ADDR")
	}
	if cfg.channel == "" {
		cfg.channel = defaultBusChannel
	}
	return cfg, nil
}

type sseBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewSSEBus(log *logger.Logger) (SSEBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	cfg, err := busConfigFromEnv(log)
	if err != nil {
		return nil, err
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.addr,
		Password:    cfg.password,
		DB:          cfg.db,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &sseBus{
		log:     log.With("service", "RedisSSEBus"),
		rdb:     rdb,
		channel: cfg.channel,
	}, nil
}

func (b *sseBus) Publish(ctx context.Context, msg sse.SSEMessage) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis SSE bus not initialized")
	}
	if msg.Channel == "" {
		return fmt.Errorf("sse message has no channel")
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes and pushes every decoded message into onMsg
// (normally the local hub's Broadcast) until ctx is done.
func (b *sseBus) StartForwarder(ctx context.Context, onMsg func(m sse.SSEMessage)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis SSE bus not initialized")
	}
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	// Confirm the subscription before reporting success; a dead connection
	// should fail here, not silently drop events later.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	go b.forward(ctx, sub, onMsg)
	return nil
}

func (b *sseBus) forward(ctx context.Context, sub *goredis.PubSub, onMsg func(m sse.SSEMessage)) {
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok || m == nil {
				return
			}
			msg, err := decodeBusPayload(m.Payload)
			if err != nil {
				b.log.Warn("bad redis SSE payload", "error", err)
				continue
			}
			onMsg(msg)
		}
	}
}

func decodeBusPayload(payload string) (sse.SSEMessage, error) {
	var msg sse.SSEMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return sse.SSEMessage{}, err
	}
	if msg.Channel == "" {
		return sse.SSEMessage{}, fmt.Errorf("decoded sse message has no channel")
	}
	return msg, nil
}

func (b *sseBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
