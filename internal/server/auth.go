package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/ilnaes/gopost/internal/common"
	"github.com/ilnaes/gopost/internal/parser"
	"github.com/ilnaes/gopost/internal/store"
)

type ctxKey int

const uidKey ctxKey = iota

type userCredentials struct {
	Password string `json:"password"`
	Username string `json:"username"`
}

type Claims struct {
	Uid string `json:"uid"`
	jwt.StandardClaims
}

// userid -> token, err
func (s *Server) signJWT(claim Claims) (string, error) {
	claim.ExpiresAt = time.Now().Add(time.Hour * 24 * 30).Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claim)
	return token.SignedString(s.secret)
}

// token -> userid, ok
func (s *Server) parseJWT(token string) (string, bool) {
	parsedToken, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", false
	}

	if claim, ok := parsedToken.Claims.(*Claims); ok && parsedToken.Valid {
		return claim.Uid, true
	}
	return "", false
}

func (s *Server) middleware(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		uid, ok := s.parseJWT(token)
		if !ok {
			http.Error(w, "Invalid token", http.StatusForbidden)
			return
		}
		ctx := context.WithValue(r.Context(), uidKey, uid)
		next(w, r.WithContext(ctx))
	}
}

func decodeCredentials(r *http.Request) (userCredentials, error) {
	var user userCredentials
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		return user, err
	}
	if user.Username == "" || len(user.Username) > parser.MaxLengthName {
		return user, errors.New("invalid username")
	}
	if err := parser.VerifyPostPassword(user.Password); err != nil {
		return user, err
	}
	return user, nil
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	user, err := decodeCredentials(r)
	if err != nil {
		http.Error(w, "Bad format", http.StatusBadRequest)
		return
	}

	u, err := s.store.GetUser(r.Context(), user.Username)
	if err == nil {
		err = bcrypt.CompareHashAndPassword(u.Password, []byte(user.Password))
	}
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusForbidden)
		return
	}
	s.writeToken(w, user.Username)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	user, err := decodeCredentials(r)
	if err != nil {
		http.Error(w, "Bad format", http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		s.internalError(w, "hash password", err)
		return
	}
	ok, err := s.store.RegisterUser(r.Context(), store.User{
		Name:     user.Username,
		Password: hash,
	})
	if err != nil {
		s.internalError(w, "register user", err)
		return
	}
	if !ok {
		http.Error(w, "Already exists", http.StatusForbidden)
		return
	}
	s.log.Info("registered user", "user", user.Username)
	s.writeToken(w, user.Username)
}

func (s *Server) writeToken(w http.ResponseWriter, uid string) {
	token, err := s.signJWT(Claims{Uid: uid})
	if err != nil {
		s.internalError(w, "sign token", err)
		return
	}
	fmt.Fprint(w, token)
}

// lock stops a thread from accepting new replies
func (s *Server) lock(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["thread"], 10, 64)
	if err != nil {
		http.Error(w, "Malformed id", http.StatusBadRequest)
		return
	}

	err = s.store.LockThread(r.Context(), id, true)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Unknown thread", http.StatusNotFound)
	case err != nil:
		s.internalError(w, "lock thread", err)
	default:
		s.log.Info("locked thread", "thread", id, "by", r.Context().Value(uidKey))
		w.WriteHeader(http.StatusNoContent)
	}
}

// images registers a processed upload and responds with the token a post
// claims it by
func (s *Server) images(w http.ResponseWriter, r *http.Request) {
	var img common.Image
	if err := json.NewDecoder(r.Body).Decode(&img); err != nil || img.Hash == "" {
		http.Error(w, "Bad format", http.StatusBadRequest)
		return
	}

	token := uuid.New().String()
	if err := s.store.InsertImageToken(r.Context(), token, img); err != nil {
		s.internalError(w, "insert image token", err)
		return
	}
	fmt.Fprint(w, token)
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.log.Error(msg, "err", err)
	http.Error(w, "Internal error", http.StatusInternalServerError)
}
