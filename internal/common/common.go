package common

import (
	"encoding/json"
	"fmt"
)

// MaxBodyLength is the maximum number of code points in a post body
const MaxBodyLength = 2000

type MessageType string

const (
	MessageInsertThread MessageType = "insertThread"
	MessageInsertPost   MessageType = "insertPost"
	MessagePostID       MessageType = "postID"
	MessageAppend       MessageType = "append"
	MessageBackspace    MessageType = "backspace"
	MessageSplice       MessageType = "splice"
	MessageClosePost    MessageType = "closePost"
	MessageInsertImage  MessageType = "insertImage"
	MessageError        MessageType = "error"
)

// thread creation response codes
const (
	PostCreated = iota
	InvalidThreadRequest
)

// Envelope is the unit of every websocket frame in both directions.
// Post is only set on messages relayed from other clients.
type Envelope struct {
	Type MessageType     `json:"type"`
	Post int64           `json:"post,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload into an envelope of the given type
func Encode(typ MessageType, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Data: data})
}

// Decode unmarshals the envelope payload into v
func (e Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

type Credentials struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Auth     string `json:"auth,omitempty"` // staff token issued by /login
	Password string `json:"password,omitempty"`
}

// ImageRef points to an already uploaded and thumbnailed image
type ImageRef struct {
	Token   string `json:"token"`
	Name    string `json:"name"`
	Spoiler bool   `json:"spoiler,omitempty"`
}

// Image is an image attached to a post, as resolved by the server
type Image struct {
	Hash    string `json:"hash" bson:"hash"`
	Size    int    `json:"size" bson:"size"`
	Width   int    `json:"width" bson:"width"`
	Height  int    `json:"height" bson:"height"`
	Name    string `json:"name" bson:"name"`
	Spoiler bool   `json:"spoiler,omitempty" bson:"spoiler"`
}

// PostRequest asks the server to allocate a reply in the synced thread
type PostRequest struct {
	Credentials
	Body  string    `json:"body,omitempty"`
	Image *ImageRef `json:"image,omitempty"`
}

type ThreadRequest struct {
	Credentials
	Board   string    `json:"board"`
	Subject string    `json:"subject"`
	Image   *ImageRef `json:"image,omitempty"`
}

type ThreadResponse struct {
	Code int   `json:"code"`
	ID   int64 `json:"id"`
}

// PostAlloc is sent to the author once the server assigned an id
type PostAlloc struct {
	ID    int64  `json:"id"`
	Time  int64  `json:"time"`
	Image *Image `json:"image,omitempty"`

	// Resumed marks a repeat for a post created on an earlier connection of
	// the same session
	Resumed bool `json:"resumed,omitempty"`
}

type SpliceRequest struct {
	Start int    `json:"start"`
	Len   int    `json:"len"` // -1 replaces to the end of the line
	Text  string `json:"text"`
}

// Post is the public representation of a post
type Post struct {
	ID      int64  `json:"id"`
	OP      int64  `json:"op"`
	Board   string `json:"board"`
	Editing bool   `json:"editing"`
	Time    int64  `json:"time"`
	Body    string `json:"body"`
	Name    string `json:"name,omitempty"`
	Trip    string `json:"trip,omitempty"`
	Email   string `json:"email,omitempty"`
	Auth    string `json:"auth,omitempty"`
	Image   *Image `json:"image,omitempty"`
}
