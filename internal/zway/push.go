package zway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	closeWriteTimeout       = time.Second
)

// PushMessage is one event from the controller's push stream.
type PushMessage struct {
	Type    string      `json:"type"`
	Source  string      `json:"source"`
	Message PushPayload `json:"message"`
}

// PushPayload carries the new level of the source channel.
type PushPayload struct {
	Level any `json:"l"`
}

// PushHandler receives events from a push channel. OnError is called at most
// once, when the channel fails for a reason other than Close.
type PushHandler struct {
	OnMessage func(msg PushMessage)
	OnError   func(err error)
}

// PushChannel is an open push stream.
type PushChannel interface {
	// Close stops delivery. It is safe to call more than once.
	Close() error
}

// PushDialer opens push channels.
type PushDialer interface {
	Dial(ctx context.Context, handler PushHandler) (PushChannel, error)
}

// WebSocketDialer opens the controller's websocket push stream.
type WebSocketDialer struct {
	// URL of the push endpoint, e.g. "ws://192.168.1.20:8083/".
	URL string

	// Dialer overrides the default websocket dialer.
	Dialer *websocket.Dialer

	// Logger reports undecodable frames. Optional.
	Logger Logger
}

// Dial connects and starts a reader goroutine that feeds handler.
func (w *WebSocketDialer) Dial(ctx context.Context, handler PushHandler) (PushChannel, error) {
	dialer := w.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}

	conn, _, err := dialer.DialContext(ctx, w.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing push channel %s: %w", ErrTransport, w.URL, err)
	}

	ch := &wsChannel{
		conn:    conn,
		handler: handler,
		logger:  w.Logger,
		done:    make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

// wsChannel is a PushChannel backed by a websocket connection.
type wsChannel struct {
	conn    *websocket.Conn
	handler PushHandler
	logger  Logger

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func (ch *wsChannel) readLoop() {
	defer close(ch.done)

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if !ch.closing.Load() && ch.handler.OnError != nil {
				ch.handler.OnError(fmt.Errorf("%w: reading push channel: %w", ErrTransport, err))
			}
			return
		}

		var msg PushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if ch.logger != nil {
				ch.logger.Warn("dropping undecodable push frame", "error", err, "size", len(data))
			}
			continue
		}
		if ch.handler.OnMessage != nil {
			ch.handler.OnMessage(msg)
		}
	}
}

// Close sends a close frame, closes the connection and waits briefly for the
// reader to exit. Must not be called from a handler callback.
func (ch *wsChannel) Close() error {
	ch.closeOnce.Do(func() {
		ch.closing.Store(true)
		deadline := time.Now().Add(closeWriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ch.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		ch.closeErr = ch.conn.Close()

		select {
		case <-ch.done:
		case <-time.After(closeWriteTimeout):
		}
	})
	return ch.closeErr
}

// handlePush applies one push event to the owning device.
func (c *Client) handlePush(epoch uint64, msg PushMessage) {
	if c.Epoch() != epoch {
		return
	}
	if msg.Source == "" {
		return
	}

	d, ok := c.FindByKey(msg.Source)
	if !ok {
		c.logDebug("push event for unknown channel", "source", msg.Source, "type", msg.Type)
		return
	}

	value := msg.Message.Level
	if _, isFloat := c.floatTypes[msg.Type]; isFloat {
		f, err := coerceFloat(value)
		if err != nil {
			c.logWarn("dropping push event with non-numeric level",
				"source", msg.Source, "type", msg.Type, "error", err)
			return
		}
		value = f
	}

	d.SetProperty(msg.Source, value)
}

// coerceFloat converts a numeric or numeric-string level to float64.
func coerceFloat(v any) (float64, error) {
	if f, ok := toFloat(v); ok {
		return f, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unsupported level type %T", v)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing level %q: %w", s, err)
	}
	return f, nil
}
