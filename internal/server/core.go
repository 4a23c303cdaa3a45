package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Handler:     s.Router(),
		Addr:        s.cfg.Addr(),
		ReadTimeout: 15 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		srv.Close()
	}
	s.closeParked()
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) closeParked() {
	s.Lock()
	sessions := make([]string, 0, len(s.parked))
	for k := range s.parked {
		sessions = append(sessions, k)
	}
	s.Unlock()

	for _, k := range sessions {
		if p, ok := s.unpark(k); ok {
			if err := s.closePost(context.Background(), k, p); err != nil {
				s.log.Error("close parked post", "post", p.id, "err", err)
			}
		}
	}
}
