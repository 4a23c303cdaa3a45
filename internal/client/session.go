package client

import (
	"context"
	"log/slog"

	"github.com/ilnaes/gopost/internal/common"
	"github.com/ilnaes/gopost/internal/posting"
)

// Transport is a Conn or any other source of connection events that can
// send messages
type Transport interface {
	posting.Transport
	Events() <-chan Event
}

// Session drives an authoring state machine from connection events. The
// machine is only touched by the goroutine running Run. Callers with their
// own event loop use Handle and Authoring from that loop instead.
type Session struct {
	conn Transport
	a    *posting.Authoring
	log  *slog.Logger
	do   chan func(*posting.Authoring)

	// OnRelay receives mutations of other clients' posts
	OnRelay func(common.Envelope)
	// OnError receives errors reported by the server
	OnError func(msg string)
}

func NewSession(conn Transport, creds posting.CredentialsFunc, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		conn: conn,
		a:    posting.NewAuthoring(conn, creds, log),
		log:  log,
		do:   make(chan func(*posting.Authoring)),
	}
}

// Run processes connection events until ctx is cancelled or the event
// stream ends
func (s *Session) Run(ctx context.Context) error {
	events := s.conn.Events()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			s.Handle(e)
		case f := <-s.do:
			f(s.a)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) Authoring() *posting.Authoring {
	return s.a
}

// Handle feeds a connection event to the state machine
func (s *Session) Handle(e Event) {
	switch e.Kind {
	case Connected:
		s.a.SetConnected(true)
	case Disconnected:
		s.a.SetConnected(false)
	case Received:
		switch {
		case e.Msg.Post != 0:
			if s.OnRelay != nil {
				s.OnRelay(e.Msg)
			}
		case e.Msg.Type == common.MessageError:
			var msg string
			e.Msg.Decode(&msg)
			s.log.Warn("server error", "msg", msg)
			s.a.FailPending()
			if s.OnError != nil {
				s.OnError(msg)
			}
		default:
			if err := s.a.Dispatch(e.Msg.Type, e.Msg.Data); err != nil {
				s.log.Warn("dispatch", "type", e.Msg.Type, "err", err)
			}
		}
	}
}

// Do runs f on the session goroutine and waits for it to return
func (s *Session) Do(ctx context.Context, f func(*posting.Authoring)) error {
	done := make(chan struct{})
	wrapped := func(a *posting.Authoring) {
		defer close(done)
		f(a)
	}
	select {
	case s.do <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
