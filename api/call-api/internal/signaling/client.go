// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	internal_type "github.com/rapidaai/peercall/api/call-api/internal/type"
	"github.com/rapidaai/peercall/pkg/commons"
	"github.com/rapidaai/peercall/pkg/utils"
)

var (
	// ErrNotConnected is returned by Emit while there is no open connection.
	ErrNotConnected = errors.New("signaling connection is not open")
)

// Config holds the signaling endpoint and connection tuning.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ReadLimit        int64
}

// DefaultConfig returns sane timeouts for the given endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		URL:              endpoint,
		HandshakeTimeout: 30 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     25 * time.Second,
		ReadLimit:        1024 * 1024,
	}
}

// Client is the authenticated signaling connection of one local user.
type Client struct {
	logger  commons.Logger
	config  Config
	tokens  internal_type.TokenSource
	handler internal_type.SignalHandler

	mu           sync.RWMutex
	connection   *websocket.Conn
	connectionID string
	done         chan struct{}
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	writeMu sync.Mutex
}

// NewClient creates a disconnected client. Call Subscribe and then Connect.
func NewClient(logger commons.Logger, config Config, tokens internal_type.TokenSource) *Client {
	defaults := DefaultConfig(config.URL)
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	return &Client{
		logger: logger,
		config: config,
		tokens: tokens,
	}
}

// Subscribe sets the receiver of inbound events. It must be called before Connect.
func (c *Client) Subscribe(handler internal_type.SignalHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Connected reports whether the connection is open.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connection != nil
}

// Done is closed when the current connection stops reading. It returns nil
// before the first Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// Connect opens the websocket with the bearer token and starts the reader and
// keepalive loops. Connecting twice is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection != nil {
		return nil
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve signaling token: %w", err)
	}

	endpoint, err := url.Parse(c.config.URL)
	if err != nil {
		return fmt.Errorf("failed to parse signaling URL: %w", err)
	}

	connectionID := uuid.NewString()
	headers := http.Header{}
	headers.Set(utils.HEADER_AUTH_KEY, utils.BearerToken(token))
	headers.Set(utils.HEADER_CONNECTION_ID, connectionID)
	headers.Set(utils.HEADER_SOURCE_KEY, utils.CALL_AGENT_SOURCE)

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to signaling server (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	if c.config.ReadLimit > 0 {
		conn.SetReadLimit(c.config.ReadLimit)
	}
	conn.SetPongHandler(func(string) error {
		c.logger.Debugf("signaling pong received")
		return nil
	})

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.connection = conn
	c.connectionID = connectionID
	c.done = done
	c.cancel = cancel

	c.wg.Add(2)
	utils.Go(loopCtx, func() {
		defer c.wg.Done()
		c.listen(loopCtx, conn, done)
	})
	utils.Go(loopCtx, func() {
		defer c.wg.Done()
		c.keepalive(loopCtx, conn)
	})

	c.logger.Infow("signaling connected", "url", endpoint.Redacted(), "connection_id", connectionID)
	c.logger.Benchmark("SignalingClient.Connect", time.Since(start))
	return nil
}

// Emit sends one event. It fails with ErrNotConnected when the connection is closed.
func (c *Client) Emit(ctx context.Context, event string, payload interface{}) error {
	envelope, err := internal_type.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", event, err)
	}

	c.mu.RLock()
	conn := c.connection
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	c.logger.Debugf("signaling emit: event=%s", event)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", event, err)
	}
	return nil
}

// Close sends a close frame, closes the socket and waits for the loops. It is
// safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.connection
	cancel := c.cancel
	c.connection = nil
	c.cancel = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	err := conn.Close()
	c.wg.Wait()
	c.logger.Infof("signaling connection closed")
	return err
}

func (c *Client) listen(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer c.dropConnection(conn)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debugf("signaling connection closed normally")
				return
			}
			c.logger.Errorf("signaling read error: %v", err)
			return
		}

		var envelope internal_type.Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			c.logger.Errorf("failed to unmarshal signaling message: %v", err)
			continue
		}
		if envelope.Event == "" {
			c.logger.Warnf("dropping signaling message without event name")
			continue
		}

		c.mu.RLock()
		handler := c.handler
		c.mu.RUnlock()
		if handler == nil {
			c.logger.Warnf("no signal handler, dropping event=%s", envelope.Event)
			continue
		}
		c.logger.Debugf("signaling receive: event=%s", envelope.Event)
		handler.OnSignal(ctx, envelope)
	}
}

// dropConnection forgets conn if it is still the active connection, so a
// server-side close makes Emit fail fast.
func (c *Client) dropConnection(conn *websocket.Conn) {
	c.mu.Lock()
	if c.connection == conn {
		c.connection = nil
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		_ = conn.Close()
	}
	c.mu.Unlock()
}

func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn) {
	if c.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warnf("signaling ping failed: %v", err)
				return
			}
		}
	}
}
