// Package feed distributes post mutations to every client synced to a thread.
package feed

import (
	"context"
	"encoding/json"

	"github.com/ilnaes/gopost/internal/common"
)

// Message is one mutation of a post in a thread
type Message struct {
	Client string             `json:"client"` // id of the originating connection
	Post   int64              `json:"post"`
	Type   common.MessageType `json:"type"`
	Data   json.RawMessage    `json:"data,omitempty"`
}

// Envelope converts the message into the form sent to clients
func (m Message) Envelope() common.Envelope {
	return common.Envelope{Type: m.Type, Post: m.Post, Data: m.Data}
}

type Feed interface {
	Publish(ctx context.Context, thread int64, m Message) error
	// Subscribe returns a channel of messages published to thread. The
	// channel is closed after cancel is called.
	Subscribe(ctx context.Context, thread int64) (<-chan Message, func(), error)
	Close() error
}
