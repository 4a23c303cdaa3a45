package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilnaes/gopost/internal/common"
	"github.com/ilnaes/gopost/internal/config"
	"github.com/ilnaes/gopost/internal/feed"
	"github.com/ilnaes/gopost/internal/store"
)

type testServer struct {
	*Server
	http *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Secret = "secret"
	cfg.Salt = "salt"
	s := New(cfg, st, feed.NewMemory(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	hs := httptest.NewServer(s.Router())
	t.Cleanup(hs.Close)
	return &testServer{s, hs}
}

func (ts *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (ts *testServer) post(t *testing.T, path, token, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	buf, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, string(buf)
}

func send(t *testing.T, conn *websocket.Conn, typ common.MessageType, payload interface{}) {
	t.Helper()
	buf, err := common.Encode(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, buf))
}

func receive(t *testing.T, conn *websocket.Conn) common.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e common.Envelope
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func receiveType(t *testing.T, conn *websocket.Conn, typ common.MessageType, v interface{}) common.Envelope {
	t.Helper()
	e := receive(t, conn)
	require.Equal(t, typ, e.Type, string(e.Data))
	if v != nil {
		require.NoError(t, e.Decode(v))
	}
	return e
}

var creds = common.Credentials{Name: "Anon#trip", Password: "hunter2"}

// createThread opens a thread on board a and returns its id
func (ts *testServer) createThread(t *testing.T, conn *websocket.Conn) int64 {
	t.Helper()
	send(t, conn, common.MessageInsertThread, common.ThreadRequest{
		Credentials: creds,
		Board:       "a",
		Subject:     "subject",
	})
	var res common.ThreadResponse
	receiveType(t, conn, common.MessageInsertThread, &res)
	require.Equal(t, common.PostCreated, res.Code)
	return res.ID
}

func TestReplyIsRelayed(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	op := ts.dial(t, "/ws/a")
	id := ts.createThread(t, op)
	assert.Equal(t, int64(1), id)

	author := ts.dial(t, "/ws/a/1")
	send(t, author, common.MessageInsertPost, common.PostRequest{
		Credentials: creds,
		Body:        "hi\nthere",
	})
	var alloc common.PostAlloc
	receiveType(t, author, common.MessagePostID, &alloc)
	assert.Equal(t, int64(2), alloc.ID)

	var pub common.Post
	e := receiveType(t, op, common.MessageInsertPost, &pub)
	assert.Equal(t, int64(2), e.Post)
	assert.Equal(t, "hi", pub.Body)
	assert.Equal(t, "Anon", pub.Name)
	assert.NotEmpty(t, pub.Trip)
	assert.True(t, pub.Editing)

	var r rune
	receiveType(t, op, common.MessageAppend, &r)
	assert.Equal(t, '\n', r)
	var sp common.SpliceRequest
	receiveType(t, op, common.MessageSplice, &sp)
	assert.Equal(t, common.SpliceRequest{Start: 0, Len: -1, Text: "there"}, sp)

	send(t, author, common.MessageAppend, '!')
	send(t, author, common.MessageBackspace, nil)
	send(t, author, common.MessageSplice, common.SpliceRequest{Start: 2, Len: -1, Text: "eir"})
	send(t, author, common.MessageClosePost, nil)

	receiveType(t, op, common.MessageAppend, nil)
	receiveType(t, op, common.MessageBackspace, nil)
	receiveType(t, op, common.MessageSplice, nil)
	receiveType(t, op, common.MessageClosePost, nil)

	p, err := ts.store.GetPost(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "hi\ntheir", p.Body)
	assert.False(t, p.Editing)

	th, err := ts.store.GetThread(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, th.PostCtr)
}

func TestRefusedThread(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "/ws/a")

	for _, req := range []common.ThreadRequest{
		{Credentials: creds, Board: "nope", Subject: "s"},
		{Credentials: creds, Board: "a"},
	} {
		send(t, conn, common.MessageInsertThread, req)
		var res common.ThreadResponse
		receiveType(t, conn, common.MessageInsertThread, &res)
		assert.Equal(t, common.InvalidThreadRequest, res.Code)
	}
}

func TestUnknownRoutes(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http")

	for _, path := range []string{"/ws/b", "/ws/a/7"} {
		_, res, err := websocket.DefaultDialer.Dial(url+path, nil)
		assert.Error(t, err)
		require.NotNil(t, res)
		assert.Equal(t, http.StatusNotFound, res.StatusCode)
	}
}

func TestInvalidMessages(t *testing.T) {
	ts := newTestServer(t)
	setup := ts.dial(t, "/ws/a")
	ts.createThread(t, setup)

	cases := []struct {
		name    string
		typ     common.MessageType
		payload interface{}
		err     error
	}{
		{"no text or image", common.MessageInsertPost, common.PostRequest{Credentials: creds}, errNoTextOrImage},
		{
			"too long",
			common.MessageInsertPost,
			common.PostRequest{Credentials: creds, Body: strings.Repeat("a", common.MaxBodyLength+1)},
			errBodyTooLong,
		},
		{"no post open", common.MessageAppend, 'a', errNoPostOpen},
		{"unknown type", "dance", nil, errInvalidMessage},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			conn := ts.dial(t, "/ws/a/1")
			send(t, conn, c.typ, c.payload)

			var msg string
			receiveType(t, conn, common.MessageError, &msg)
			assert.Equal(t, c.err.Error(), msg)

			_, _, err := conn.ReadMessage()
			assert.Error(t, err)
		})
	}
}

func TestBodyLimitOnEdits(t *testing.T) {
	ts := newTestServer(t)
	setup := ts.dial(t, "/ws/a")
	ts.createThread(t, setup)

	conn := ts.dial(t, "/ws/a/1")
	send(t, conn, common.MessageInsertPost, common.PostRequest{
		Credentials: creds,
		Body:        strings.Repeat("a", common.MaxBodyLength),
	})
	receiveType(t, conn, common.MessagePostID, nil)

	send(t, conn, common.MessageAppend, 'b')
	var msg string
	receiveType(t, conn, common.MessageError, &msg)
	assert.Equal(t, errBodyTooLong.Error(), msg)
}

func TestLockedThread(t *testing.T) {
	ts := newTestServer(t)
	setup := ts.dial(t, "/ws/a")
	ts.createThread(t, setup)

	code, _ := ts.post(t, "/lock/1", "garbage", "")
	assert.Equal(t, http.StatusForbidden, code)

	code, token := ts.post(t, "/register", "", `{"username":"admin","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = ts.post(t, "/lock/1", token, "")
	require.Equal(t, http.StatusNoContent, code)
	code, _ = ts.post(t, "/lock/9", token, "")
	assert.Equal(t, http.StatusNotFound, code)

	conn := ts.dial(t, "/ws/a/1")
	send(t, conn, common.MessageInsertPost, common.PostRequest{Credentials: creds, Body: "a"})
	var msg string
	receiveType(t, conn, common.MessageError, &msg)
	assert.Equal(t, errThreadIsLocked.Error(), msg)
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t)

	code, _ := ts.post(t, "/register", "", `{"username":"admin"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, token := ts.post(t, "/register", "", `{"username":"admin","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = ts.post(t, "/register", "", `{"username":"admin","password":"other"}`)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = ts.post(t, "/login", "", `{"username":"admin","password":"wrong"}`)
	assert.Equal(t, http.StatusForbidden, code)
	code, login := ts.post(t, "/login", "", `{"username":"admin","password":"hunter2"}`)
	assert.Equal(t, http.StatusOK, code)

	for _, tok := range []string{token, login} {
		uid, ok := ts.parseJWT(tok)
		assert.True(t, ok)
		assert.Equal(t, "admin", uid)
	}

	// staff posts carry the user name
	conn := ts.dial(t, "/ws/a")
	send(t, conn, common.MessageInsertThread, common.ThreadRequest{
		Credentials: common.Credentials{Auth: token, Password: "hunter2"},
		Board:       "a",
		Subject:     "rules",
	})
	var res common.ThreadResponse
	receiveType(t, conn, common.MessageInsertThread, &res)
	p, err := ts.store.GetPost(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, "admin", p.Auth)
}

func TestImages(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.post(t, "/register", "", `{"username":"imager","password":"hunter2"}`)

	upload := func() string {
		code, tok := ts.post(t, "/images", token, `{"hash":"abc","size":10,"width":1,"height":2}`)
		require.Equal(t, http.StatusOK, code)
		return tok
	}

	setup := ts.dial(t, "/ws/a")
	ts.createThread(t, setup)

	conn := ts.dial(t, "/ws/a/1")
	send(t, conn, common.MessageInsertPost, common.PostRequest{
		Credentials: creds,
		Image:       &common.ImageRef{Token: upload(), Name: "cat.tar.gz", Spoiler: true},
	})
	var alloc common.PostAlloc
	receiveType(t, conn, common.MessagePostID, &alloc)
	require.NotNil(t, alloc.Image)
	assert.Equal(t, common.Image{Hash: "abc", Size: 10, Width: 1, Height: 2, Name: "cat", Spoiler: true}, *alloc.Image)

	th, err := ts.store.GetThread(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, th.ImageCtr)

	send(t, conn, common.MessageInsertImage, common.ImageRef{Token: upload(), Name: "dog.png"})
	var msg string
	receiveType(t, conn, common.MessageError, &msg)
	assert.Equal(t, errHasImage.Error(), msg)

	// image after allocation, token already used
	conn = ts.dial(t, "/ws/a/1")
	tok := upload()
	send(t, conn, common.MessageInsertPost, common.PostRequest{Credentials: creds, Body: "a"})
	receiveType(t, conn, common.MessagePostID, &alloc)
	send(t, conn, common.MessageInsertImage, common.ImageRef{Token: tok, Name: "dog.png"})
	var img common.Image
	receiveType(t, conn, common.MessageInsertImage, &img)
	assert.Equal(t, "dog", img.Name)

	p, err := ts.store.GetPost(context.Background(), alloc.ID)
	require.NoError(t, err)
	require.NotNil(t, p.Image)
	assert.Equal(t, "dog", p.Image.Name)

	conn = ts.dial(t, "/ws/a/1")
	send(t, conn, common.MessageInsertPost, common.PostRequest{
		Credentials: creds,
		Image:       &common.ImageRef{Token: tok, Name: "dog.png"},
	})
	receiveType(t, conn, common.MessageError, &msg)
	assert.Equal(t, errInvalidImageToken.Error(), msg)
}

func TestSessionResume(t *testing.T) {
	ts := newTestServer(t)
	setup := ts.dial(t, "/ws/a")
	ts.createThread(t, setup)

	session := uuid.New().String()
	conn := ts.dial(t, "/ws/a/1?session="+session)
	send(t, conn, common.MessageInsertPost, common.PostRequest{Credentials: creds, Body: "a"})
	var alloc common.PostAlloc
	receiveType(t, conn, common.MessagePostID, &alloc)
	conn.Close()

	require.Eventually(t, func() bool {
		ts.Lock()
		defer ts.Unlock()
		return len(ts.parked) == 1
	}, 5*time.Second, 10*time.Millisecond)

	conn = ts.dial(t, "/ws/a/1?session="+session)
	var resumed common.PostAlloc
	receiveType(t, conn, common.MessagePostID, &resumed)
	assert.Equal(t, alloc.ID, resumed.ID)
	assert.True(t, resumed.Resumed)

	send(t, conn, common.MessageAppend, 'b')
	send(t, conn, common.MessageClosePost, nil)

	require.Eventually(t, func() bool {
		p, err := ts.store.GetPost(context.Background(), alloc.ID)
		return err == nil && !p.Editing && p.Body == "ab"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestResumeResendsPostID(t *testing.T) {
	ts := newTestServer(t)
	setup := ts.dial(t, "/ws/a")
	op := ts.createThread(t, setup)

	// the post id is never read on the first connection
	session := uuid.New().String()
	conn := ts.dial(t, "/ws/a/1?session="+session)
	send(t, conn, common.MessageInsertPost, common.PostRequest{Credentials: creds, Body: "a"})
	require.Eventually(t, func() bool {
		_, err := ts.store.GetPost(context.Background(), op+1)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	conn.Close()

	require.Eventually(t, func() bool {
		ts.Lock()
		defer ts.Unlock()
		return len(ts.parked) == 1
	}, 5*time.Second, 10*time.Millisecond)

	conn = ts.dial(t, "/ws/a/1?session="+session)
	var alloc common.PostAlloc
	receiveType(t, conn, common.MessagePostID, &alloc)
	assert.Equal(t, common.PostAlloc{ID: op + 1, Time: alloc.Time, Resumed: true}, alloc)
	assert.NotZero(t, alloc.Time)
}

func TestParkTimeout(t *testing.T) {
	ts := newTestServer(t)
	ts.parkTimeout = 10 * time.Millisecond
	setup := ts.dial(t, "/ws/a")
	ts.createThread(t, setup)

	conn := ts.dial(t, "/ws/a/1")
	send(t, conn, common.MessageInsertPost, common.PostRequest{Credentials: creds, Body: "a\nb"})
	var alloc common.PostAlloc
	receiveType(t, conn, common.MessagePostID, &alloc)
	conn.Close()

	require.Eventually(t, func() bool {
		p, err := ts.store.GetPost(context.Background(), alloc.ID)
		return err == nil && !p.Editing && p.Body == "a\nb"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewPostClosesPrevious(t *testing.T) {
	ts := newTestServer(t)
	setup := ts.dial(t, "/ws/a")
	ts.createThread(t, setup)

	conn := ts.dial(t, "/ws/a/1")
	send(t, conn, common.MessageInsertPost, common.PostRequest{Credentials: creds, Body: "first"})
	var first, second common.PostAlloc
	receiveType(t, conn, common.MessagePostID, &first)
	send(t, conn, common.MessageInsertPost, common.PostRequest{Credentials: creds, Body: "second"})
	receiveType(t, conn, common.MessagePostID, &second)

	p, err := ts.store.GetPost(context.Background(), first.ID)
	require.NoError(t, err)
	assert.False(t, p.Editing)
	assert.Equal(t, "first", p.Body)
}

func TestSessionTakeOver(t *testing.T) {
	ts := newTestServer(t)
	setup := ts.dial(t, "/ws/a")
	ts.createThread(t, setup)

	session := uuid.New().String()
	stale := ts.dial(t, "/ws/a/1?session="+session)
	send(t, stale, common.MessageInsertPost, common.PostRequest{Credentials: creds, Body: "a"})
	var alloc common.PostAlloc
	receiveType(t, stale, common.MessagePostID, &alloc)

	conn := ts.dial(t, "/ws/a/1?session="+session)
	send(t, conn, common.MessageAppend, 'b')
	send(t, conn, common.MessageClosePost, nil)

	stale.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := stale.ReadMessage()
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		p, err := ts.store.GetPost(context.Background(), alloc.ID)
		return err == nil && !p.Editing && p.Body == "ab"
	}, 5*time.Second, 10*time.Millisecond)
}
