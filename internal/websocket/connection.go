package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/auth"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/constants"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/message"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/metrics"
	"go.uber.org/zap"
)

// Connection is one authenticated socket. Outbound traffic goes through a
// bounded queue; a connection that lets the queue fill up is marked stale and
// closed rather than slowing anyone else down.
type Connection struct {
	conn     *websocket.Conn
	id       string
	identity *auth.Identity
	logger   *zap.SugaredLogger

	send chan []byte
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	backlog [][]byte
	// scope and cursor gate message frames at write time: only frames of the
	// scoped session with a seq above cursor go out.
	scope  string
	cursor int64

	closing   atomic.Bool
	stale     atomic.Bool
	closeOnce sync.Once
	closeCode int
	closeText string

	// viewing is the session an admin connection currently has open. Only
	// the read goroutine touches it.
	viewing string
}

func newConnection(conn *websocket.Conn, id string, identity *auth.Identity, sendBuffer int, logger *zap.SugaredLogger) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = constants.DefaultSendBuffer
	}
	return &Connection{
		conn:      conn,
		id:        id,
		identity:  identity,
		logger:    logger,
		send:      make(chan []byte, sendBuffer),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

// ID returns the unique connection id
func (c *Connection) ID() string { return c.id }

// PrincipalID returns the verified user or admin id
func (c *Connection) PrincipalID() string { return c.identity.ID }

// IsAdmin reports whether the connection speaks for support staff
func (c *Connection) IsAdmin() bool { return c.identity.IsAdmin() }

// Role returns the connection's role label
func (c *Connection) Role() string { return string(c.identity.Role) }

// Stale reports whether the connection was dropped for falling behind
func (c *Connection) Stale() bool { return c.stale.Load() }

// Deliver queues payload without blocking. A full queue marks the
// connection stale and starts closing it.
func (c *Connection) Deliver(payload []byte) bool {
	if c.closing.Load() {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
	}

	if c.stale.CompareAndSwap(false, true) {
		metrics.StaleConnections.Inc()
		c.logger.Warnw("Send buffer full, closing slow connection",
			"connection_id", c.id,
			"principal_id", c.identity.ID,
			"buffered", len(c.send))
		c.CloseWith(websocket.ClosePolicyViolation, "slow consumer")
	}
	return false
}

// Preload queues a backlog that is written before anything delivered after
// this call returns.
func (c *Connection) Preload(batch [][]byte) {
	if len(batch) == 0 || c.closing.Load() {
		return
	}
	c.mu.Lock()
	c.backlog = append(c.backlog, batch...)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Resume scopes the connection to sessionID and queues batch, the replay of
// everything after afterSeq. Message frames still queued from before, for
// this or another session, are skipped by the writer unless they carry a seq
// past what the replay already wrote.
func (c *Connection) Resume(sessionID string, afterSeq int64, batch [][]byte) {
	if c.closing.Load() {
		return
	}
	c.mu.Lock()
	c.scope, c.cursor = sessionID, afterSeq
	c.backlog = append(c.backlog, batch...)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Detach drops the session scope; queued message frames are discarded.
func (c *Connection) Detach() {
	c.mu.Lock()
	c.scope, c.cursor = "", 0
	c.mu.Unlock()
}

func (c *Connection) takeBacklog() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.backlog
	c.backlog = nil
	return b
}

// Close starts a normal closure. It is idempotent and never blocks.
func (c *Connection) Close() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith starts closing with the given close code. Queued frames are
// flushed first. Only the first call's code is used.
func (c *Connection) CloseWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode, c.closeText = code, text
		c.mu.Unlock()
		c.closing.Store(true)
		close(c.done)
	})
}

// Done is closed once the connection starts closing
func (c *Connection) Done() <-chan struct{} { return c.done }

type frameHeader struct {
	Type    message.EventType `json:"type"`
	Message *struct {
		SessionID string `json:"session_id"`
		Seq       int64  `json:"seq"`
	} `json:"message"`
}

// admit reports whether payload should be written, advancing the cursor for
// message frames.
func (c *Connection) admit(payload []byte) bool {
	var h frameHeader
	if err := json.Unmarshal(payload, &h); err != nil || h.Type != message.TypeMessage || h.Message == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.Message.SessionID != c.scope || h.Message.Seq <= c.cursor {
		return false
	}
	c.cursor = h.Message.Seq
	return true
}

func (c *Connection) write(payload []byte) error {
	if !c.admit(payload) {
		return nil
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(constants.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) flushBacklog() error {
	for _, payload := range c.takeBacklog() {
		if err := c.write(payload); err != nil {
			return err
		}
	}
	return nil
}

// writePump is the only writer of data frames. Backlog always goes out
// before queued live frames.
func (c *Connection) writePump() {
	ticker := time.NewTicker(constants.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		if err := c.flushBacklog(); err != nil {
			c.writeFailed(err)
			return
		}

		select {
		case <-c.wake:
		case payload := <-c.send:
			if err := c.flushBacklog(); err != nil {
				c.writeFailed(err)
				return
			}
			if err := c.write(payload); err != nil {
				c.writeFailed(err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(constants.WriteWait)); err != nil {
				c.writeFailed(err)
				return
			}
		case <-c.done:
			c.drain()
			return
		}
	}
}

// drain writes whatever is still queued, then the close frame.
func (c *Connection) drain() {
	if !c.stale.Load() {
		if err := c.flushBacklog(); err != nil {
			return
		}
	pending:
		for {
			select {
			case payload := <-c.send:
				if err := c.write(payload); err != nil {
					return
				}
			default:
				break pending
			}
		}
	}

	c.mu.Lock()
	code, text := c.closeCode, c.closeText
	c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(constants.CloseGraceTime))
}

func (c *Connection) writeFailed(err error) {
	c.CloseWith(websocket.CloseAbnormalClosure, "")
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	c.logger.Debugw("Write failed", "connection_id", c.id, "error", err)
}
