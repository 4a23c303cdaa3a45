package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilnaes/gopost/internal/config"
	"github.com/ilnaes/gopost/internal/feed"
	"github.com/ilnaes/gopost/internal/server"
	"github.com/ilnaes/gopost/internal/store"
)

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "compose"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
}

func TestComposeFlags(t *testing.T) {
	cmd := NewRootCommand()
	compose, _, err := cmd.Find([]string{"compose"})
	require.NoError(t, err)

	for _, name := range []string{"server", "board", "thread", "subject", "plain", "name", "password", "image"} {
		assert.NotNil(t, compose.Flags().Lookup(name), name)
	}
	assert.Equal(t, "http://127.0.0.1:8000", compose.Flags().Lookup("server").DefValue)
}

func TestComposeRequiresTarget(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"compose", "--plain"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--thread or --subject")
}

func TestUnknownFeedDriver(t *testing.T) {
	_, err := openFeed(context.Background(), config.Feed{Driver: "kafka"}, slog.Default())
	assert.Error(t, err)
}

func startServer(t *testing.T) (string, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Secret = "secret"
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hs := httptest.NewServer(server.New(cfg, st, feed.NewMemory(), log).Router())
	t.Cleanup(hs.Close)
	return hs.URL, st
}

func runCompose(t *testing.T, in string, args ...string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs(append([]string{"compose", "--plain"}, args...))
	cmd.SetIn(strings.NewReader(in))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	require.NoError(t, cmd.ExecuteContext(ctx))
	return out.String()
}

func TestComposePlain(t *testing.T) {
	url, st := startServer(t)
	ctx := context.Background()

	out := runCompose(t, "opening\npost", "--server", url, "--subject", "first", "--name", "Anon")
	assert.Equal(t, "posted >>1\n", out)

	th, err := st.GetThread(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "first", th.Subject)

	require.Eventually(t, func() bool {
		p, err := st.GetPost(ctx, 1)
		return err == nil && !p.Editing
	}, 5*time.Second, 20*time.Millisecond)
	op, err := st.GetPost(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "opening\npost", op.Body)
	assert.Equal(t, "Anon", op.Name)

	out = runCompose(t, "a reply\n>>1", "--server", url, "--thread", "1")
	assert.Equal(t, "posted >>2\n", out)

	require.Eventually(t, func() bool {
		p, err := st.GetPost(ctx, 2)
		return err == nil && !p.Editing
	}, 5*time.Second, 20*time.Millisecond)
	reply, err := st.GetPost(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "a reply\n>>1", reply.Body)
	assert.Equal(t, int64(1), reply.OP)
}

func TestComposeRefusedThread(t *testing.T) {
	url, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := NewRootCommand()
	subject := strings.Repeat("x", 101)
	cmd.SetArgs([]string{"compose", "--plain", "--server", url, "--subject", subject})
	cmd.SetIn(strings.NewReader("body"))
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.ErrorIs(t, cmd.ExecuteContext(ctx), errThreadRefused)
}
