// Package store persists threads, posts, image tokens and users.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ilnaes/gopost/internal/common"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidToken = errors.New("invalid image token")
)

type Thread struct {
	ID        int64  `bson:"_id"`
	Board     string `bson:"board"`
	Subject   string `bson:"subject"`
	PostCtr   int    `bson:"postCtr"`
	ImageCtr  int    `bson:"imageCtr"`
	ReplyTime int64  `bson:"replyTime"`
	Locked    bool   `bson:"locked"`
}

type Post struct {
	ID       int64         `bson:"_id"`
	OP       int64         `bson:"op"`
	Board    string        `bson:"board"`
	Editing  bool          `bson:"editing"`
	Time     int64         `bson:"time"`
	Body     string        `bson:"body"`
	Name     string        `bson:"name,omitempty"`
	Trip     string        `bson:"trip,omitempty"`
	Email    string        `bson:"email,omitempty"`
	Auth     string        `bson:"auth,omitempty"`
	Password []byte        `bson:"password"`
	IP       string        `bson:"ip"`
	Image    *common.Image `bson:"image,omitempty"`
}

// Public strips private fields
func (p Post) Public() common.Post {
	return common.Post{
		ID:      p.ID,
		OP:      p.OP,
		Board:   p.Board,
		Editing: p.Editing,
		Time:    p.Time,
		Body:    p.Body,
		Name:    p.Name,
		Trip:    p.Trip,
		Email:   p.Email,
		Auth:    p.Auth,
		Image:   p.Image,
	}
}

type User struct {
	Name     string `bson:"_id"`
	Password []byte `bson:"password"`
}

type Store interface {
	// ReservePostID returns the next unused post id
	ReservePostID(ctx context.Context) (int64, error)

	InsertThread(ctx context.Context, t Thread) error
	GetThread(ctx context.Context, id int64) (Thread, error)

	// BumpThread increments the post counter of a thread and optionally
	// its image counter
	BumpThread(ctx context.Context, id, replyTime int64, image bool) error
	LockThread(ctx context.Context, id int64, locked bool) error

	InsertPost(ctx context.Context, p Post) error
	GetPost(ctx context.Context, id int64) (Post, error)
	SetPostBody(ctx context.Context, id int64, body string) error
	SetPostImage(ctx context.Context, id int64, img common.Image) error
	ClosePost(ctx context.Context, id int64, body string) error

	// InsertImageToken makes a processed image claimable by a post
	InsertImageToken(ctx context.Context, token string, img common.Image) error
	// UseImageToken claims an image. Each token can be used once.
	UseImageToken(ctx context.Context, token string) (common.Image, error)

	// RegisterUser returns false, if the name is taken
	RegisterUser(ctx context.Context, u User) (bool, error)
	GetUser(ctx context.Context, name string) (User, error)

	Close() error
}

// Open connects to the store of the given driver
func Open(ctx context.Context, driver, dsn, database string) (Store, error) {
	switch driver {
	case "sqlite", "":
		return OpenSQLite(dsn)
	case "mongo":
		return OpenMongo(ctx, dsn, database)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}
