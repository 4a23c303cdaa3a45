package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ilnaes/gopost/internal/common"
	"github.com/ilnaes/gopost/internal/feed"
)

type handler func(c *Client, data json.RawMessage) error

var handlers = map[common.MessageType]handler{
	common.MessageInsertThread: insertThread,
	common.MessageInsertPost:   insertPost,
	common.MessageClosePost:    closePost,
	common.MessageInsertImage:  insertImage,
}

var errInvalidMessage = errors.New("invalid message type")

// Client is one websocket connection. Messages are read and handled
// sequentially, so only writes need synchronization.
type Client struct {
	s       *Server
	session string
	ip      string
	board   string
	op      int64 // synced thread, 0 on the board page
	conn    *websocket.Conn
	log     *slog.Logger

	post openPost

	feed   <-chan feed.Message
	cancel func()
	done   chan struct{} // closed, once the connection is released

	sync.Mutex // protects concurrent conn writes
}

func (s *Server) newClient(session, board, ip string) *Client {
	return &Client{
		s:       s,
		session: session,
		ip:      ip,
		board:   board,
		log:     s.log.With("session", session),
		cancel:  func() {},
		done:    make(chan struct{}),
	}
}

// thread-safe websocket writing
func (c *Client) write(e common.Envelope) error {
	c.Lock()
	defer c.Unlock()
	return c.conn.WriteJSON(e)
}

func (c *Client) send(typ common.MessageType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.write(common.Envelope{Type: typ, Data: data})
}

// sync switches the feed subscription to thread op
func (c *Client) sync(ctx context.Context, op int64) error {
	ch, cancel, err := c.s.feed.Subscribe(ctx, op)
	if err != nil {
		return err
	}
	c.cancel()
	c.op = op
	c.feed = ch
	c.cancel = cancel
	if c.conn != nil {
		go c.forward(ch)
	}
	return nil
}

func (c *Client) unsubscribe() {
	c.cancel()
}

// forward relays mutations of other clients' posts to this client
func (c *Client) forward(ch <-chan feed.Message) {
	for m := range ch {
		if m.Client == c.session {
			continue
		}
		if err := c.write(m.Envelope()); err != nil {
			return
		}
	}
}

// resume adopts the open post left behind by a previous connection of the
// same session
func (c *Client) resume() {
	p, ok := c.s.unpark(c.session)
	if !ok {
		return
	}
	if p.op != c.op {
		if err := c.s.closePost(context.Background(), c.session, p); err != nil {
			c.log.Error("close parked post", "post", p.id, "err", err)
		}
		return
	}
	c.log.Debug("resumed open post", "post", p.id)
	c.post = p

	// the ack may have died with the previous connection
	err := c.send(common.MessagePostID, common.PostAlloc{
		ID:      p.id,
		Time:    p.time,
		Resumed: true,
	})
	if err != nil {
		c.log.Warn("resend post id", "post", p.id, "err", err)
	}
}

func (c *Client) interact() {
	go c.forward(c.feed)

	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Debug("connection closed", "err", err)
			break
		}

		var e common.Envelope
		if err := json.Unmarshal(buf, &e); err != nil {
			c.fail(err)
			break
		}
		if err := c.handle(e); err != nil {
			c.fail(err)
			break
		}
	}

	c.unsubscribe()
	c.conn.Close()
	if c.post.id != 0 {
		c.s.park(c.session, c.post)
	}
	c.s.release(c)
	close(c.done)
}

func (c *Client) handle(e common.Envelope) error {
	switch e.Type {
	case common.MessageAppend, common.MessageBackspace, common.MessageSplice:
		op, err := common.ParseEditOp(e)
		if err != nil {
			return err
		}
		return c.editLine(op)
	}

	h, ok := handlers[e.Type]
	if !ok {
		return errInvalidMessage
	}
	return h(c, e.Data)
}

// fail reports an error to the client before the connection is closed
func (c *Client) fail(err error) {
	c.log.Warn("invalid client message", "err", err)
	c.send(common.MessageError, err.Error())
}
