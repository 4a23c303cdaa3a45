// Package client connects post authors to the server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ilnaes/gopost/internal/common"
)

var ErrNotConnected = errors.New("not connected")

type EventKind int

const (
	Connected EventKind = iota
	Disconnected
	Received
)

// Event is a change of the connection or a message from the server
type Event struct {
	Kind EventKind
	Msg  common.Envelope
}

// Conn is a websocket connection to a board or thread that redials, when it
// drops. All redials share one session, so the server hands the open post of
// the previous connection back.
type Conn struct {
	url     string
	session string
	dialer  *websocket.Dialer
	log     *slog.Logger
	events  chan Event

	// NewBackOff returns the redial schedule
	NewBackOff func() backoff.BackOff

	ws *websocket.Conn
	sync.Mutex // protects ws and concurrent writes
}

// NewConn prepares a connection to a thread on server, e.g.
// "http://localhost:8000". Thread 0 connects to the board only.
func NewConn(server, board string, thread int64, log *slog.Logger) (*Conn, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("parse server address: %w", err)
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/" + board
	if thread != 0 {
		u.Path += "/" + strconv.FormatInt(thread, 10)
	}
	session := uuid.New().String()
	u.RawQuery = url.Values{"session": {session}}.Encode()

	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		url:     u.String(),
		session: session,
		dialer:  websocket.DefaultDialer,
		log:     log,
		events:  make(chan Event, 64),
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}, nil
}

func (c *Conn) Session() string {
	return c.session
}

// Events is consumed by a single goroutine
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Run keeps the connection up until ctx is cancelled
func (c *Conn) Run(ctx context.Context) error {
	defer close(c.events)
	for {
		ws, err := c.dial(ctx)
		if err != nil {
			return err
		}

		c.Lock()
		c.ws = ws
		c.Unlock()
		if !c.emit(ctx, Event{Kind: Connected}) {
			ws.Close()
			return ctx.Err()
		}

		stop := context.AfterFunc(ctx, func() { ws.Close() })
		err = c.read(ctx, ws)
		stop()

		c.Lock()
		c.ws = nil
		c.Unlock()
		ws.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("connection lost", "err", err)
		if !c.emit(ctx, Event{Kind: Disconnected}) {
			return ctx.Err()
		}
	}
}

func (c *Conn) dial(ctx context.Context) (ws *websocket.Conn, err error) {
	op := func() error {
		ws, _, err = c.dialer.DialContext(ctx, c.url, nil)
		return err
	}
	notify := func(err error, d time.Duration) {
		c.log.Debug("dial failed", "url", c.url, "retry", d, "err", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.NewBackOff(), ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return ws, nil
}

func (c *Conn) read(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, buf, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var e common.Envelope
		if err := json.Unmarshal(buf, &e); err != nil {
			c.log.Warn("malformed message", "err", err)
			continue
		}
		if !c.emit(ctx, Event{Kind: Received, Msg: e}) {
			return ctx.Err()
		}
	}
}

func (c *Conn) emit(ctx context.Context, e Event) bool {
	select {
	case c.events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// Send writes a message, if connected. Messages that fail to write are
// dropped, the read loop reports the broken connection.
func (c *Conn) Send(typ common.MessageType, payload interface{}) {
	if err := c.write(typ, payload); err != nil {
		c.log.Warn("send failed", "type", typ, "err", err)
	}
}

func (c *Conn) write(typ common.MessageType, payload interface{}) error {
	buf, err := common.Encode(typ, payload)
	if err != nil {
		return err
	}

	c.Lock()
	defer c.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	return c.ws.WriteMessage(websocket.TextMessage, buf)
}
