package posting

import "github.com/ilnaes/gopost/internal/common"

// message created while the connection is down or the post id is pending
type message struct {
	draft *Draft
	typ   common.MessageType
	data  interface{}

	// only set for allocation requests. Nothing after the request may be
	// sent before it resolves, unless its draft is closed first.
	ack *Future[common.PostAlloc]
}

// request is an allocation request sent and not yet acknowledged
type request struct {
	draft *Draft
	ack   *Future[common.PostAlloc]

	// sent on a connection that has since dropped
	earlier bool
}

// outbox is a FIFO of messages awaiting transmission
type outbox struct {
	queue []message
}

func (o *outbox) push(m message) {
	o.queue = append(o.queue, m)
}

func (o *outbox) pop() (message, bool) {
	if len(o.queue) == 0 {
		return message{}, false
	}
	m := o.queue[0]
	o.queue[0] = message{}
	if len(o.queue) == 1 {
		o.queue = o.queue[:0]
	} else {
		o.queue = o.queue[1:]
	}
	return m, true
}

// drop removes every queued message of d
func (o *outbox) drop(d *Draft) {
	kept := o.queue[:0]
	for _, m := range o.queue {
		if m.draft != d {
			kept = append(kept, m)
		}
	}
	for i := len(kept); i < len(o.queue); i++ {
		o.queue[i] = message{}
	}
	o.queue = kept
}

func (o *outbox) len() int {
	return len(o.queue)
}
