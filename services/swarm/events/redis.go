// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis pub/sub channel names. External monitors (the dashboard among them)
// subscribe to these; the core only ever publishes.
const (
	redisChannelPrefix      = "aleutianswarm:fleet:"
	RedisChannelAllLogs     = redisChannelPrefix + "logs"
	RedisChannelCoordinator = redisChannelPrefix + "coordinator"
	RedisChannelRPCBackends = redisChannelPrefix + "rpc_backends"
	RedisChannelMetrics     = redisChannelPrefix + "metrics"
	RedisChannelRaw         = redisChannelPrefix + "raw"
)

// redisPublishTimeout bounds a single PUBLISH. The sink is best-effort;
// a slow broker must never stall event delivery.
const redisPublishTimeout = 2 * time.Second

// RedisPublisher mirrors bus events to Redis pub/sub so out-of-process
// consumers can observe the fleet. It degrades silently: connection and
// publish failures are counted, logged once at warning, and otherwise
// ignored.
//
// Thread Safety: RedisPublisher is safe for concurrent use.
type RedisPublisher struct {
	client *redis.Client
	logger *slog.Logger

	published atomic.Int64
	failed    atomic.Int64

	warnOnce sync.Once
}

// NewRedisPublisher connects to the given Redis address ("host:port").
// The connection is verified with a short PING; on failure the publisher
// is still returned and every Emit becomes a cheap no-op failure count,
// matching the bus's degrade-silently contract.
func NewRedisPublisher(addr string, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis event publisher unavailable, events stay in-process",
			slog.String("addr", addr),
			slog.String("error", err.Error()),
		)
	}

	return &RedisPublisher{client: client, logger: logger}
}

// Emit implements Sink. Publishes the event to its logical channel and to
// the all-logs channel. Failures are swallowed.
func (p *RedisPublisher) Emit(ev Event) {
	payload := ev.JSON()

	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()

	channels := []string{RedisChannelAllLogs}
	switch ev.Channel() {
	case ChannelCoordinator:
		channels = append(channels, RedisChannelCoordinator)
	case ChannelRPCBackends:
		channels = append(channels, RedisChannelRPCBackends)
	case ChannelMetrics:
		channels = append(channels, RedisChannelMetrics)
	case ChannelRaw:
		channels = append(channels, RedisChannelRaw)
	}

	for _, ch := range channels {
		if err := p.client.Publish(ctx, ch, payload).Err(); err != nil {
			p.failed.Add(1)
			p.warnOnce.Do(func() {
				p.logger.Warn("redis publish failing, further failures suppressed",
					slog.String("channel", ch),
					slog.String("error", err.Error()),
				)
			})
			return
		}
	}
	p.published.Add(1)
}

// Stats reports publish/failure counters for the dashboard snapshot.
func (p *RedisPublisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
