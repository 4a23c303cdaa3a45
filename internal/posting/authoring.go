// Package posting keeps a post that is still being typed in sync with the
// server. It tracks the authoring state, turns changes of the input line into
// edit messages and buffers them while the post id is pending or the
// connection is down.
//
// Nothing in this package blocks or spawns goroutines. All methods must be
// called from the same goroutine that feeds it connection and server events.
package posting

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ilnaes/gopost/internal/common"
)

var (
	ErrHalted        = errors.New("connection halted")
	ErrThreadPending = errors.New("thread creation already pending")
)

// Authoring is the authoring state machine of one client. At most one of its
// drafts is live at any time.
type Authoring struct {
	transport Transport
	creds     CredentialsFunc
	log       *slog.Logger

	state     State
	connected bool
	draft     *Draft
	posts     map[int64]*Draft // own posts by id

	outbox   outbox
	inflight []*request // in the order sent
	handlers map[common.MessageType]func(json.RawMessage) error
}

// NewAuthoring creates an idle state machine. It starts out disconnected.
func NewAuthoring(t Transport, creds CredentialsFunc, log *slog.Logger) *Authoring {
	if log == nil {
		log = slog.Default()
	}
	a := &Authoring{
		transport: t,
		creds:     creds,
		log:       log,
		posts:     make(map[int64]*Draft),
	}
	a.handlers = map[common.MessageType]func(json.RawMessage) error{
		common.MessageInsertImage: a.handleInsertImage,
		common.MessagePostID:      a.handlePostID,
	}
	return a
}

func (a *Authoring) State() State {
	return a.state
}

func (a *Authoring) Connected() bool {
	return a.connected
}

// Draft returns the last opened draft. It may already be closed.
func (a *Authoring) Draft() *Draft {
	return a.draft
}

// Post returns an allocated draft by its post id
func (a *Authoring) Post(id int64) (*Draft, bool) {
	d, ok := a.posts[id]
	return d, ok
}

// Pending returns the number of messages waiting to be sent
func (a *Authoring) Pending() int {
	return a.outbox.len()
}

// NewReply opens a draft for a new reply. A previous live draft is closed.
func (a *Authoring) NewReply(v View) *Draft {
	a.retire()
	d := newDraft(a, FreshReply, v)
	d.phase = Fresh
	a.draft = d
	a.update()
	return d
}

// Hijack replaces the read-only representation of an allocated thread opening
// post with a draft
func (a *Authoring) Hijack(post common.Post, v View) *Draft {
	a.retire()
	d := newDraft(a, OpenerTakeover, v)
	d.id = post.ID
	d.allocationRequested = true
	d.allocated = true
	d.image = post.Image
	d.load(post.Body)
	d.phase = Hijacked
	a.posts[post.ID] = d
	a.draft = d
	a.update()
	return d
}

// CreateThread requests a new thread and hijacks its opening post, once the
// server confirms it. A live draft is closed first. then receives the draft
// or nil, if the thread was refused.
func (a *Authoring) CreateThread(req common.ThreadRequest, v View, then func(*Draft)) error {
	if !a.connected {
		return ErrHalted
	}
	if _, ok := a.handlers[common.MessageInsertThread]; ok {
		return ErrThreadPending
	}
	a.retire()

	expect(a, common.MessageInsertThread, NewFuture(func(res common.ThreadResponse) {
		if res.Code != common.PostCreated {
			a.log.Warn("thread creation refused", "board", req.Board, "code", res.Code)
			then(nil)
			return
		}
		then(a.Hijack(common.Post{
			ID:      res.ID,
			OP:      res.ID,
			Board:   req.Board,
			Editing: true,
		}, v))
	}))
	a.enqueue(message{typ: common.MessageInsertThread, data: req})
	return nil
}

// SetConnected feeds the connection state of the transport. Restoring the
// connection flushes buffered messages.
//
// Only the last request sent on a dropped connection can still be
// acknowledged, by the server resuming its post. Acks of the others are lost
// with the connection.
func (a *Authoring) SetConnected(up bool) {
	if a.connected == up {
		return
	}
	a.connected = up
	if !up {
		if n := len(a.inflight); n > 0 {
			last := a.inflight[n-1]
			last.earlier = true
			a.inflight = []*request{last}
		}
	}
	a.update()
	if up {
		a.flush()
	}
}

// FailPending gives up every unacknowledged allocation request, after the
// server reported an error. The server handles messages in order and writes
// the ack of a request before anything else can fail, so none of them will
// be acknowledged. Their drafts are abandoned.
func (a *Authoring) FailPending() {
	failed := a.inflight
	a.inflight = nil
	for _, r := range failed {
		a.log.Warn("allocation request failed", "closed", r.draft.closed)
		if !r.draft.closed {
			r.draft.abandon(false)
		}
	}
	a.flush()
}

// Dispatch routes a message received from the server. Messages nobody waits
// for are ignored.
func (a *Authoring) Dispatch(typ common.MessageType, data json.RawMessage) error {
	h, ok := a.handlers[typ]
	if !ok {
		a.log.Debug("unhandled message", "type", typ)
		return nil
	}
	return h(data)
}

// expect registers a handler consumed by the first message of typ
func expect[T any](a *Authoring, typ common.MessageType, fut *Future[T]) {
	a.handlers[typ] = func(data json.RawMessage) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		delete(a.handlers, typ)
		fut.Resolve(v)
		return nil
	}
}

// handlePostID resolves the oldest request sent on the current connection. A
// resumed ack resolves the request left over from a dropped one.
func (a *Authoring) handlePostID(data json.RawMessage) error {
	var alloc common.PostAlloc
	if err := json.Unmarshal(data, &alloc); err != nil {
		return fmt.Errorf("decode %s: %w", common.MessagePostID, err)
	}
	for i, r := range a.inflight {
		if r.earlier != alloc.Resumed {
			continue
		}
		a.inflight = append(a.inflight[:i], a.inflight[i+1:]...)
		r.ack.Resolve(alloc)
		return nil
	}
	a.log.Debug("unexpected post id", "id", alloc.ID, "resumed", alloc.Resumed)
	return nil
}

func (a *Authoring) handleInsertImage(data json.RawMessage) error {
	var img common.Image
	if err := json.Unmarshal(data, &img); err != nil {
		return fmt.Errorf("decode %s: %w", common.MessageInsertImage, err)
	}
	if d := a.draft; d != nil && !d.closed {
		d.insertImage(img)
	}
	return nil
}

func (a *Authoring) enqueue(m message) {
	a.outbox.push(m)
	a.flush()
}

// flush sends queued messages in order, until the queue is empty or the
// live draft awaits the acknowledgement of its allocation request
func (a *Authoring) flush() {
	for a.connected && !a.awaiting() {
		m, ok := a.outbox.pop()
		if !ok {
			return
		}
		if m.ack != nil {
			a.inflight = append(a.inflight, &request{draft: m.draft, ack: m.ack})
		}
		a.transport.Send(m.typ, m.data)
	}
}

// awaiting reports whether a request of a draft, that is not closed yet, is
// unacknowledged
func (a *Authoring) awaiting() bool {
	for _, r := range a.inflight {
		if !r.draft.closed {
			return true
		}
	}
	return false
}

// retire closes the live draft, if any
func (a *Authoring) retire() {
	if d := a.draft; d != nil && !d.closed {
		d.Close()
	}
}

// update derives the machine state from the live draft and the connection
func (a *Authoring) update() {
	s := Idle
	if d := a.draft; d != nil {
		s = d.phase
		if !a.connected && s != Closed {
			s = Halted
		}
	}
	if s != a.state {
		a.log.Debug("authoring state changed", "from", a.state, "to", s)
		a.state = s
	}
}

func (a *Authoring) dropped(op string) {
	a.log.Debug("dropped operation on closed draft", "op", op)
}
