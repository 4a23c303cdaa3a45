package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ilnaes/gopost/internal/common"
)

//go:embed schema.sql
var schemaSQL string

// SQLite is a Store in a single SQLite database file
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the schema
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// single writer, avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) ReservePostID(ctx context.Context) (id int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO counters (name, seq) VALUES ('post', 1)
		ON CONFLICT (name) DO UPDATE SET seq = seq + 1
		RETURNING seq`,
	).Scan(&id)
	if err != nil {
		err = fmt.Errorf("reserve post id: %w", err)
	}
	return
}

func (s *SQLite) InsertThread(ctx context.Context, t Thread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, board, subject, post_ctr, image_ctr, reply_time, locked)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Board, t.Subject, t.PostCtr, t.ImageCtr, t.ReplyTime, t.Locked,
	)
	if err != nil {
		return fmt.Errorf("insert thread %d: %w", t.ID, err)
	}
	return nil
}

func (s *SQLite) GetThread(ctx context.Context, id int64) (t Thread, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT id, board, subject, post_ctr, image_ctr, reply_time, locked
		FROM threads WHERE id = ?`,
		id,
	).Scan(&t.ID, &t.Board, &t.Subject, &t.PostCtr, &t.ImageCtr, &t.ReplyTime, &t.Locked)
	return t, notFound(err)
}

func (s *SQLite) BumpThread(ctx context.Context, id, replyTime int64, image bool) error {
	imageInc := 0
	if image {
		imageInc = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET post_ctr = post_ctr + 1, image_ctr = image_ctr + ?, reply_time = ?
		WHERE id = ?`,
		imageInc, replyTime, id,
	)
	return affected(res, err)
}

func (s *SQLite) LockThread(ctx context.Context, id int64, locked bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE threads SET locked = ? WHERE id = ?`, locked, id)
	return affected(res, err)
}

func (s *SQLite) InsertPost(ctx context.Context, p Post) error {
	img, err := encodeImage(p.Image)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO posts
			(id, op, board, editing, time, body, name, trip, email, auth, password, ip, image)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OP, p.Board, p.Editing, p.Time, p.Body, p.Name, p.Trip, p.Email,
		p.Auth, p.Password, p.IP, img,
	)
	if err != nil {
		return fmt.Errorf("insert post %d: %w", p.ID, err)
	}
	return nil
}

func (s *SQLite) GetPost(ctx context.Context, id int64) (p Post, err error) {
	var img sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT id, op, board, editing, time, body, name, trip, email, auth, password, ip, image
		FROM posts WHERE id = ?`,
		id,
	).Scan(
		&p.ID, &p.OP, &p.Board, &p.Editing, &p.Time, &p.Body, &p.Name, &p.Trip,
		&p.Email, &p.Auth, &p.Password, &p.IP, &img,
	)
	if err != nil {
		return p, notFound(err)
	}
	if img.Valid {
		p.Image = new(common.Image)
		if err := json.Unmarshal([]byte(img.String), p.Image); err != nil {
			return p, fmt.Errorf("decode image of post %d: %w", id, err)
		}
	}
	return p, nil
}

func (s *SQLite) SetPostBody(ctx context.Context, id int64, body string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE posts SET body = ? WHERE id = ?`, body, id)
	return affected(res, err)
}

func (s *SQLite) SetPostImage(ctx context.Context, id int64, img common.Image) error {
	enc, err := encodeImage(&img)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE posts SET image = ? WHERE id = ?`, enc, id)
	return affected(res, err)
}

func (s *SQLite) ClosePost(ctx context.Context, id int64, body string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET body = ?, editing = 0 WHERE id = ?`,
		body, id,
	)
	return affected(res, err)
}

func (s *SQLite) InsertImageToken(ctx context.Context, token string, img common.Image) error {
	enc, err := encodeImage(&img)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO image_tokens (token, image) VALUES (?, ?)`,
		token, enc,
	)
	if err != nil {
		return fmt.Errorf("insert image token: %w", err)
	}
	return nil
}

func (s *SQLite) UseImageToken(ctx context.Context, token string) (img common.Image, err error) {
	var enc string
	err = s.db.QueryRowContext(ctx,
		`DELETE FROM image_tokens WHERE token = ? RETURNING image`,
		token,
	).Scan(&enc)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return img, ErrInvalidToken
	case err != nil:
		return img, fmt.Errorf("use image token: %w", err)
	}
	err = json.Unmarshal([]byte(enc), &img)
	return
}

func (s *SQLite) RegisterUser(ctx context.Context, u User) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, password) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`,
		u.Name, u.Password,
	)
	if err != nil {
		return false, fmt.Errorf("register user: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLite) GetUser(ctx context.Context, name string) (u User, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT name, password FROM users WHERE name = ?`,
		name,
	).Scan(&u.Name, &u.Password)
	return u, notFound(err)
}

func encodeImage(img *common.Image) (interface{}, error) {
	if img == nil {
		return nil, nil
	}
	buf, err := json.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return string(buf), nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
