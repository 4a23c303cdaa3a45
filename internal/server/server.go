// Package server accepts websocket connections of post authors and applies
// their edits to open posts.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ilnaes/gopost/internal/config"
	"github.com/ilnaes/gopost/internal/feed"
	"github.com/ilnaes/gopost/internal/store"
)

// ParkTimeout is how long the open post of a dropped connection waits for
// its author to reconnect before it is closed
const ParkTimeout = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type Server struct {
	cfg    config.Config
	store  store.Store
	feed   feed.Feed
	log    *slog.Logger
	secret []byte

	parkTimeout time.Duration
	parked      map[string]*parkedPost // by session
	live        map[string]*Client     // by session

	sync.Mutex // protects parked and live
}

type parkedPost struct {
	post  openPost
	timer *time.Timer
}

func New(cfg config.Config, st store.Store, f feed.Feed, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		store:       st,
		feed:        f,
		log:         log,
		secret:      []byte(cfg.Secret),
		parkTimeout: ParkTimeout,
		parked:      make(map[string]*parkedPost),
		live:        make(map[string]*Client),
	}
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/ws/{board}", s.ws)
	r.HandleFunc("/ws/{board}/{thread:[0-9]+}", s.ws)
	r.HandleFunc("/login", s.login).Methods(http.MethodPost)
	r.HandleFunc("/register", s.register).Methods(http.MethodPost)
	r.HandleFunc("/lock/{thread:[0-9]+}", s.middleware(s.lock)).Methods(http.MethodPost)
	r.HandleFunc("/images", s.middleware(s.images)).Methods(http.MethodPost)

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.log.Info("handled", "method", r.Method, "url", r.URL.Path, "duration", m.Duration, "status", m.Code)
	})
}

// set up websocket
func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	board := vars["board"]
	if !s.cfg.IsBoard(board) {
		http.Error(w, "Unknown board", http.StatusNotFound)
		return
	}

	var op int64
	if v, ok := vars["thread"]; ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "Malformed id", http.StatusBadRequest)
			return
		}
		t, err := s.store.GetThread(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound), err == nil && t.Board != board:
			http.Error(w, "Unknown thread", http.StatusNotFound)
			return
		case err != nil:
			s.log.Error("get thread", "thread", id, "err", err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		op = id
	}

	session := r.URL.Query().Get("session")
	if _, err := uuid.Parse(session); err != nil {
		session = uuid.New().String()
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	c := s.newClient(session, board, ip)
	// subscribe before upgrading, so nothing published in between is lost
	if err := c.sync(r.Context(), op); err != nil {
		s.log.Error("subscribe to feed", "thread", op, "err", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.unsubscribe()
		s.log.Warn("websocket upgrade", "err", err)
		return
	}
	c.conn = conn
	s.takeOver(c)
	c.resume()
	c.interact()
}

// takeOver registers c as the connection of its session. A previous
// connection of the session, which the server may not have noticed dropping
// yet, is closed first.
func (s *Server) takeOver(c *Client) {
	s.Lock()
	old := s.live[c.session]
	s.live[c.session] = c
	s.Unlock()

	if old != nil {
		old.conn.Close()
		<-old.done
	}
}

func (s *Server) release(c *Client) {
	s.Lock()
	defer s.Unlock()
	if s.live[c.session] == c {
		delete(s.live, c.session)
	}
}

// park keeps the open post of a disconnected session for a while
func (s *Server) park(session string, p openPost) {
	s.Lock()
	defer s.Unlock()

	s.parked[session] = &parkedPost{
		post: p,
		timer: time.AfterFunc(s.parkTimeout, func() {
			if p, ok := s.unpark(session); ok {
				if err := s.closePost(context.Background(), session, p); err != nil {
					s.log.Error("close parked post", "post", p.id, "err", err)
				}
			}
		}),
	}
}

func (s *Server) unpark(session string) (openPost, bool) {
	s.Lock()
	defer s.Unlock()

	pp, ok := s.parked[session]
	if !ok {
		return openPost{}, false
	}
	pp.timer.Stop()
	delete(s.parked, session)
	return pp.post, true
}
