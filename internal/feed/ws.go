package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPongWait          = 60 * time.Second
	wsPingPeriod        = (wsPongWait * 9) / 10
	wsWriteWait         = 10 * time.Second
	wsReconnectDelay    = time.Second
	wsMaxReconnectDelay = 30 * time.Second
)

// WSFeed streams price messages from a websocket endpoint and reconnects
// with exponential backoff.
type WSFeed struct {
	url    string
	sink   Sink
	logger *slog.Logger
}

// NewWSFeed creates a WSFeed for url.
func NewWSFeed(url string, sink Sink, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:    url,
		sink:   sink,
		logger: logger.With(slog.String("component", "ws_feed")),
	}
}

// Run streams until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	delay := wsReconnectDelay
	for {
		connected, err := f.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = wsReconnectDelay
		}
		f.logger.WarnContext(ctx, "price stream disconnected, reconnecting",
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, wsMaxReconnectDelay)
	}
}

// stream runs one connection and reports whether the dial succeeded.
func (f *WSFeed) stream(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("feed: dial %s: %w", f.url, err)
	}
	defer conn.Close()
	f.logger.InfoContext(ctx, "price stream connected", slog.String("url", f.url))

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go f.keepAlive(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("feed: read: %w", err)
		}
		snap, err := DecodeSnapshot(data)
		if err != nil {
			f.logger.DebugContext(ctx, "stream message ignored", slog.String("error", err.Error()))
			continue
		}
		if err := f.sink.Submit(ctx, snap); err != nil {
			return true, err
		}
	}
}

// keepAlive pings the peer and closes the connection when ctx ends so the
// blocked reader returns.
func (f *WSFeed) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
