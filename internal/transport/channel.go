package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/ashureev/mira/internal/presence"
)

const (
	outboxSize   = 64
	writeTimeout = 10 * time.Second
)

// wsChannel is the presence.Channel for one WebSocket. Send queues onto a
// bounded outbox drained by a single writer goroutine, so a slow client
// never blocks turn delivery. When the outbox is full the oldest event is
// dropped.
type wsChannel struct {
	id      string
	conn    *websocket.Conn
	outbox  chan presence.Event
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dropped atomic.Int64
	logger  *slog.Logger
}

func newWSChannel(conn *websocket.Conn, logger *slog.Logger) *wsChannel {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &wsChannel{
		id:     uuid.NewString(),
		conn:   conn,
		outbox: make(chan presence.Event, outboxSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	ch.wg.Add(1)
	go ch.writeLoop()
	return ch
}

func (c *wsChannel) ID() string { return c.id }

// Send implements presence.Channel.
func (c *wsChannel) Send(ev presence.Event) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.outbox <- ev:
		return true
	default:
	}

	select {
	case old := <-c.outbox:
		c.dropped.Add(1)
		c.logger.Warn("Outbox full, dropped oldest event", "channel_id", c.id, "dropped_type", old.Type)
	default:
	}
	select {
	case c.outbox <- ev:
		return true
	default:
		c.logger.Warn("Outbox full after drop", "channel_id", c.id, "type", ev.Type)
		return false
	}
}

func (c *wsChannel) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.outbox:
			writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c.conn, ev)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Debug("WebSocket write error", "channel_id", c.id, "error", err)
				}
				c.cancel()
				return
			}
		}
	}
}

// Close stops the writer and waits for it. Queued events are discarded.
func (c *wsChannel) Close() {
	c.cancel()
	c.wg.Wait()
	if n := c.dropped.Load(); n > 0 {
		c.logger.Info("Channel closed with dropped events", "channel_id", c.id, "dropped", n)
	}
}
