// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	internal_type "github.com/rapidaai/peercall/api/call-api/internal/type"
	"github.com/rapidaai/peercall/pkg/commons"
	"github.com/rapidaai/peercall/pkg/connectors"
	"github.com/rapidaai/peercall/pkg/utils"
)

var (
	// ErrNoToken is returned when no bearer token is available.
	ErrNoToken = errors.New("no auth token available")
	// ErrTokenExpired is returned when the token carries an exp claim in the past.
	ErrTokenExpired = errors.New("auth token expired")
)

type staticTokenSource struct {
	token string
}

// NewStaticTokenSource serves a fixed token.
func NewStaticTokenSource(token string) internal_type.TokenSource {
	return &staticTokenSource{token: strings.TrimSpace(token)}
}

func (s *staticTokenSource) Token(context.Context) (string, error) {
	if utils.IsEmpty(s.token) {
		return "", ErrNoToken
	}
	return s.token, nil
}

type redisTokenSource struct {
	logger    commons.Logger
	connector connectors.RedisConnector
	key       string
}

// NewRedisTokenSource reads the token from key on every call so that a
// refreshed token in the store is picked up by the next request.
func NewRedisTokenSource(logger commons.Logger, connector connectors.RedisConnector, key string) internal_type.TokenSource {
	return &redisTokenSource{logger: logger, connector: connector, key: key}
}

func (r *redisTokenSource) Token(ctx context.Context) (string, error) {
	client := r.connector.GetConnection()
	if client == nil {
		return "", fmt.Errorf("redis token source is not connected: %w", ErrNoToken)
	}
	value, err := client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		r.logger.Warnf("auth token key %s is not set", r.key)
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to read auth token: %w", err)
	}
	if utils.IsEmpty(value) {
		return "", ErrNoToken
	}
	return value, nil
}

type expiryCheckedTokenSource struct {
	inner internal_type.TokenSource
	now   func() time.Time
	skew  time.Duration
}

// NewExpiryCheckedTokenSource rejects JWTs whose exp claim has passed. Opaque
// tokens that do not parse as JWT are passed through unchanged.
func NewExpiryCheckedTokenSource(inner internal_type.TokenSource, skew time.Duration) internal_type.TokenSource {
	return &expiryCheckedTokenSource{inner: inner, now: time.Now, skew: skew}
}

func (e *expiryCheckedTokenSource) Token(ctx context.Context) (string, error) {
	token, err := e.inner.Token(ctx)
	if err != nil {
		return "", err
	}
	expiresAt, ok := ExpiresAt(token)
	if ok && !e.now().Add(e.skew).Before(expiresAt) {
		return "", ErrTokenExpired
	}
	return token, nil
}

// ExpiresAt returns the exp claim of a JWT without verifying its signature.
func ExpiresAt(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
