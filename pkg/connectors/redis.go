// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package connectors

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/peercall/pkg/commons"
)

type RedisConnector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	GetConnection() *redis.Client
	Name() string
}

type redisConnector struct {
	cfg    *RedisConfig
	logger commons.Logger
	client *redis.Client
}

func NewRedisConnector(cfg *RedisConfig, logger commons.Logger) RedisConnector {
	return &redisConnector{cfg: cfg, logger: logger}
}

// NewRedisConnectorWithClient wraps an existing client, used by tests with redismock.
func NewRedisConnectorWithClient(client *redis.Client, logger commons.Logger) RedisConnector {
	return &redisConnector{logger: logger, client: client}
}

func (r *redisConnector) Name() string {
	if r.cfg == nil {
		return "redis"
	}
	return fmt.Sprintf("redis://%s:%d/%d", r.cfg.Host, r.cfg.Port, r.cfg.DB)
}

func (r *redisConnector) Connect(ctx context.Context) error {
	if r.client == nil {
		r.client = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port),
			Password: r.cfg.Password,
			DB:       r.cfg.DB,
		})
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping %s: %w", r.Name(), err)
	}
	r.logger.Debugf("connected to %s", r.Name())
	return nil
}

func (r *redisConnector) Disconnect(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", r.Name(), err)
	}
	r.client = nil
	return nil
}

func (r *redisConnector) GetConnection() *redis.Client {
	return r.client
}
