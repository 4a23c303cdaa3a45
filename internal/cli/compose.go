package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ilnaes/gopost/internal/client"
	"github.com/ilnaes/gopost/internal/common"
	"github.com/ilnaes/gopost/internal/posting"
	"github.com/ilnaes/gopost/internal/tui"
)

var errThreadRefused = errors.New("thread creation refused")

type ComposeOptions struct {
	*RootOptions
	Server  string
	Board   string
	Thread  int64
	Subject string
	Plain   bool
	LogFile string

	Name     string
	Email    string
	Password string
	Auth     string

	ImageToken string
	ImageName  string
}

func NewComposeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ComposeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Write a live post",
		Long: `Write a post that readers of the thread see while it is typed.

Without --subject a reply to --thread is written, otherwise a new thread is
created on --board. With --plain the post body is read from stdin and the
post is closed at EOF.

Example:
  gopost compose --board a --thread 12
  gopost compose --board a --subject "hello" --name "Anon#trip"
  echo "first post" | gopost compose --plain --board a --thread 12`,
		Args: cobra.NoArgs,
		PreRunE: func(*cobra.Command, []string) error {
			if opts.Subject == "" && opts.Thread == 0 {
				return errors.New("either --thread or --subject is required")
			}
			if (opts.ImageToken == "") != (opts.ImageName == "") {
				return errors.New("--image and --image-name go together")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return compose(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.Server, "server", "s", "http://127.0.0.1:8000", "server address")
	f.StringVarP(&opts.Board, "board", "b", "a", "board of the thread")
	f.Int64VarP(&opts.Thread, "thread", "t", 0, "thread to reply to")
	f.StringVar(&opts.Subject, "subject", "", "create a new thread with this subject")
	f.BoolVar(&opts.Plain, "plain", false, "read the body from stdin")
	f.StringVar(&opts.LogFile, "log", "", "log file of the terminal composer")
	f.StringVarP(&opts.Name, "name", "n", "", "poster name, with an optional #tripcode")
	f.StringVar(&opts.Email, "email", "", "poster email")
	f.StringVar(&opts.Password, "password", "", "post password, random if empty")
	f.StringVar(&opts.Auth, "auth", "", "staff token issued by /login")
	f.StringVar(&opts.ImageToken, "image", "", "token of an uploaded image")
	f.StringVar(&opts.ImageName, "image-name", "", "file name of the uploaded image")
	return cmd
}

func (o *ComposeOptions) credentials() posting.CredentialsFunc {
	if o.Password == "" {
		o.Password = uuid.New().String()
	}
	c := common.Credentials{
		Name:     o.Name,
		Email:    o.Email,
		Password: o.Password,
		Auth:     o.Auth,
	}
	return func() common.Credentials { return c }
}

func (o *ComposeOptions) image() *common.ImageRef {
	if o.ImageToken == "" {
		return nil
	}
	return &common.ImageRef{Token: o.ImageToken, Name: o.ImageName}
}

func (o *ComposeOptions) threadRequest(creds posting.CredentialsFunc) *common.ThreadRequest {
	if o.Subject == "" {
		return nil
	}
	return &common.ThreadRequest{
		Credentials: creds(),
		Board:       o.Board,
		Subject:     o.Subject,
		Image:       o.image(),
	}
}

func compose(ctx context.Context, opts *ComposeOptions, in io.Reader, out, errOut io.Writer) error {
	thread := opts.Thread
	if opts.Subject != "" {
		thread = 0
	}
	creds := opts.credentials()

	if opts.Plain {
		log := opts.logger(errOut)
		conn, err := client.NewConn(opts.Server, opts.Board, thread, log)
		if err != nil {
			return err
		}
		return composePlain(ctx, conn, creds, opts, in, out, log)
	}

	w := io.Discard
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	log := opts.logger(w)
	conn, err := client.NewConn(opts.Server, opts.Board, thread, log)
	if err != nil {
		return err
	}
	return tui.Run(ctx, conn, creds, tui.Options{
		NewThread: opts.threadRequest(creds),
		Log:       log,
	})
}

// composePlain types in line by line and closes the post at EOF
func composePlain(ctx context.Context, conn *client.Conn, creds posting.CredentialsFunc, opts *ComposeOptions, in io.Reader, out io.Writer, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := client.NewSession(conn, creds, log)
	errc := make(chan error, 1)
	s.OnError = func(msg string) {
		select {
		case errc <- errors.New(msg):
		default:
		}
	}
	go conn.Run(ctx)
	go s.Run(ctx)

	var draft *posting.Draft
	if req := opts.threadRequest(creds); req != nil {
		if err := waitFor(ctx, s, errc, (*posting.Authoring).Connected); err != nil {
			return err
		}
		created := make(chan *posting.Draft, 1)
		var reqErr error
		err := s.Do(ctx, func(a *posting.Authoring) {
			reqErr = a.CreateThread(*req, nil, func(d *posting.Draft) { created <- d })
		})
		if err != nil {
			return err
		}
		if reqErr != nil {
			return reqErr
		}
		select {
		case draft = <-created:
		case err := <-errc:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
		if draft == nil {
			return errThreadRefused
		}
	} else {
		err := s.Do(ctx, func(a *posting.Authoring) {
			draft = a.NewReply(nil)
			if img := opts.image(); img != nil {
				draft.AttachImage(*img)
			}
		})
		if err != nil {
			return err
		}
	}

	r := bufio.NewReader(in)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			if err := s.Do(ctx, func(*posting.Authoring) {
				for _, c := range line {
					draft.TypeRune(c)
				}
			}); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		select {
		case err := <-errc:
			return err
		default:
		}
	}

	if err := s.Do(ctx, func(*posting.Authoring) { draft.Close() }); err != nil {
		return err
	}
	err := waitFor(ctx, s, errc, func(a *posting.Authoring) bool {
		acked := draft.Allocated() || !draft.AllocationRequested()
		return a.Connected() && a.Pending() == 0 && acked
	})
	if err != nil {
		return err
	}

	var id int64
	if err := s.Do(ctx, func(*posting.Authoring) { id = draft.ID() }); err != nil {
		return err
	}
	if id != 0 {
		fmt.Fprintf(out, "posted >>%d\n", id)
	}
	return nil
}

// waitFor polls cond on the session goroutine
func waitFor(ctx context.Context, s *client.Session, errc <-chan error, cond func(*posting.Authoring) bool) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		var ok bool
		if err := s.Do(ctx, func(a *posting.Authoring) { ok = cond(a) }); err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case err := <-errc:
			return err
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
