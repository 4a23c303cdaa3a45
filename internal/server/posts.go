package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/ilnaes/gopost/internal/common"
	"github.com/ilnaes/gopost/internal/feed"
	"github.com/ilnaes/gopost/internal/parser"
	"github.com/ilnaes/gopost/internal/store"
)

const bcryptCost = 6

var (
	errInvalidBoard      = errors.New("invalid board")
	errInvalidImageToken = errors.New("invalid image token")
	errNoImageName       = errors.New("no image name")
	errImageNameTooLong  = errors.New("image name too long")
	errNoTextOrImage     = errors.New("no text or image")
	errThreadIsLocked    = errors.New("thread is locked")
	errNotSynced         = errors.New("not synced to a thread")
	errNoPostOpen        = errors.New("no post open")
	errHasImage          = errors.New("post already has an image")
	errBodyTooLong       = errors.New("post body too long")
	errInvalidAuth       = errors.New("invalid auth token")
)

// openPost is the post currently edited by a client
type openPost struct {
	id, op   int64
	board    string
	time     int64
	lines    []string // terminated lines
	line     string
	length   int // code points, newlines included
	hasImage bool
}

func (p openPost) body() string {
	return strings.Join(append(append([]string(nil), p.lines...), p.line), "\n")
}

func insertThread(c *Client, data json.RawMessage) error {
	ctx := context.TODO()
	if err := c.closePreviousPost(ctx); err != nil {
		return err
	}

	var req common.ThreadRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	if !c.s.cfg.IsBoard(req.Board) {
		return c.refuseThread(errInvalidBoard)
	}
	subject, err := parser.ParseSubject(req.Subject)
	if err != nil {
		return c.refuseThread(err)
	}

	post, now, err := c.constructPost(req.Credentials)
	if err != nil {
		return err
	}
	thread := store.Thread{
		Board:     req.Board,
		Subject:   subject,
		ReplyTime: now,
	}

	hasImage := req.Image != nil && req.Image.Token != "" && req.Image.Name != ""
	if hasImage {
		if post.Image, err = c.s.getImage(ctx, *req.Image); err != nil {
			return err
		}
		thread.ImageCtr = 1
	}

	id, err := c.s.store.ReservePostID(ctx)
	if err != nil {
		return err
	}
	thread.ID = id
	post.ID = id
	post.OP = id
	post.Board = req.Board

	if err := c.s.store.InsertPost(ctx, post); err != nil {
		return err
	}
	if err := c.s.store.InsertThread(ctx, thread); err != nil {
		return err
	}

	c.board = req.Board
	c.post = openPost{
		id:       id,
		op:       id,
		board:    req.Board,
		time:     now,
		hasImage: hasImage,
	}
	if err := c.sync(ctx, id); err != nil {
		return err
	}
	c.log.Info("created thread", "thread", id, "board", req.Board)

	if err := c.send(common.MessageInsertThread, common.ThreadResponse{
		Code: common.PostCreated,
		ID:   id,
	}); err != nil {
		return err
	}
	if hasImage {
		return c.send(common.MessageInsertImage, post.Image)
	}
	return nil
}

func (c *Client) refuseThread(reason error) error {
	c.log.Info("refused thread", "reason", reason)
	return c.send(common.MessageInsertThread, common.ThreadResponse{
		Code: common.InvalidThreadRequest,
	})
}

func insertPost(c *Client, data json.RawMessage) error {
	ctx := context.TODO()
	if err := c.closePreviousPost(ctx); err != nil {
		return err
	}
	if c.op == 0 {
		return errNotSynced
	}

	var req common.PostRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}

	// post must have either at least one character or an image to be allocated
	hasImage := req.Image != nil && req.Image.Token != "" && req.Image.Name != ""
	if req.Body == "" && !hasImage {
		return errNoTextOrImage
	}
	if utf8.RuneCountInString(req.Body) > common.MaxBodyLength {
		return errBodyTooLong
	}

	thread, err := c.s.store.GetThread(ctx, c.op)
	if err != nil {
		return err
	}
	if thread.Locked {
		return errThreadIsLocked
	}

	post, now, err := c.constructPost(req.Credentials)
	if err != nil {
		return err
	}

	// the first line is inserted with the post and the rest applied as edits
	var rest string
	split := false
	if i := strings.IndexByte(req.Body, '\n'); i > -1 {
		rest = req.Body[i+1:]
		req.Body = req.Body[:i]
		split = true
	}
	post.Body = req.Body
	post.OP = c.op
	post.Board = thread.Board

	if post.ID, err = c.s.store.ReservePostID(ctx); err != nil {
		return err
	}
	if hasImage {
		if post.Image, err = c.s.getImage(ctx, *req.Image); err != nil {
			return err
		}
	}

	// the author must know the id before the public insertion is published
	if err := c.send(common.MessagePostID, common.PostAlloc{
		ID:    post.ID,
		Time:  now,
		Image: post.Image,
	}); err != nil {
		return err
	}

	if err := c.s.store.InsertPost(ctx, post); err != nil {
		return err
	}
	if err := c.s.store.BumpThread(ctx, c.op, now, hasImage); err != nil {
		return err
	}

	c.post = openPost{
		id:       post.ID,
		op:       c.op,
		board:    thread.Board,
		time:     now,
		line:     post.Body,
		length:   utf8.RuneCountInString(post.Body),
		hasImage: hasImage,
	}
	if err := c.publish(ctx, common.MessageInsertPost, post.Public()); err != nil {
		return err
	}

	if split {
		if err := c.editLine(common.Append('\n')); err != nil {
			return err
		}
		if rest != "" {
			return c.editLine(common.Splice(0, -1, rest))
		}
	}
	return nil
}

// editLine applies an append, backspace or splice to the open line
func (c *Client) editLine(op common.EditOp) error {
	p := &c.post
	if p.id == 0 {
		return errNoPostOpen
	}

	line, err := common.ApplyLine(p.line, op)
	if err != nil {
		return err
	}
	length := p.length - utf8.RuneCountInString(p.line) + utf8.RuneCountInString(line)
	if length > common.MaxBodyLength {
		return errBodyTooLong
	}
	p.length = length

	ctx := context.TODO()
	parts := strings.Split(line, "\n")
	p.line = parts[len(parts)-1]
	if len(parts) > 1 {
		p.lines = append(p.lines, parts[:len(parts)-1]...)
		if err := c.s.store.SetPostBody(ctx, p.id, p.body()); err != nil {
			return err
		}
	}

	typ, payload := op.Message()
	return c.publish(ctx, typ, payload)
}

func closePost(c *Client, _ json.RawMessage) error {
	if c.post.id == 0 {
		return errNoPostOpen
	}
	err := c.s.closePost(context.TODO(), c.session, c.post)
	c.post = openPost{}
	return err
}

// if the client has a previous post, close it silently
func (c *Client) closePreviousPost(ctx context.Context) error {
	if c.post.id == 0 {
		return nil
	}
	err := c.s.closePost(ctx, c.session, c.post)
	c.post = openPost{}
	return err
}

func (s *Server) closePost(ctx context.Context, session string, p openPost) error {
	if err := s.store.ClosePost(ctx, p.id, p.body()); err != nil {
		return err
	}
	return s.feed.Publish(ctx, p.op, feed.Message{
		Client: session,
		Post:   p.id,
		Type:   common.MessageClosePost,
	})
}

func insertImage(c *Client, data json.RawMessage) error {
	if c.post.id == 0 {
		return errNoPostOpen
	}
	if c.post.hasImage {
		return errHasImage
	}

	var req common.ImageRef
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	if req.Name == "" {
		return errNoImageName
	}

	ctx := context.TODO()
	img, err := c.s.getImage(ctx, req)
	if err != nil {
		return err
	}
	if err := c.s.store.SetPostImage(ctx, c.post.id, *img); err != nil {
		return err
	}
	c.post.hasImage = true

	if err := c.send(common.MessageInsertImage, img); err != nil {
		return err
	}
	return c.publish(ctx, common.MessageInsertImage, img)
}

// publish sends a mutation of the open post to the other clients in the thread
func (c *Client) publish(ctx context.Context, typ common.MessageType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.s.feed.Publish(ctx, c.post.op, feed.Message{
		Client: c.session,
		Post:   c.post.id,
		Type:   typ,
		Data:   data,
	})
}

// construct the common parts of new threads and replies
func (c *Client) constructPost(cr common.Credentials) (post store.Post, now int64, err error) {
	now = time.Now().Unix()
	post = store.Post{
		Editing: true,
		Time:    now,
		Email:   parser.FormatEmail(cr.Email),
		IP:      c.ip,
	}

	post.Name, post.Trip, err = parser.ParseName(cr.Name, c.s.cfg.Salt)
	if err != nil {
		return
	}
	if err = parser.VerifyPostPassword(cr.Password); err != nil {
		return
	}
	post.Password, err = bcrypt.GenerateFromPassword([]byte(cr.Password), bcryptCost)
	if err != nil {
		return
	}

	if cr.Auth != "" {
		uid, ok := c.s.parseJWT(cr.Auth)
		if !ok {
			err = errInvalidAuth
			return
		}
		post.Auth = uid
	}
	return
}

// getImage claims an uploaded image by its token. The name is cut at the
// first dot, so compound extensions like ".tar.gz" are removed whole.
func (s *Server) getImage(ctx context.Context, req common.ImageRef) (*common.Image, error) {
	switch {
	case len(req.Token) > 127:
		return nil, errInvalidImageToken
	case len(req.Name) > 200:
		return nil, errImageNameTooLong
	}

	img, err := s.store.UseImageToken(ctx, req.Token)
	switch {
	case errors.Is(err, store.ErrInvalidToken):
		return nil, errInvalidImageToken
	case err != nil:
		return nil, err
	}

	name := req.Name
	if i := strings.IndexByte(name, '.'); i != -1 {
		name = name[:i]
	}
	img.Name = name
	img.Spoiler = req.Spoiler
	return &img, nil
}
