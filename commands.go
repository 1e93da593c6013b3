package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"github.com/pliu/sealedchat/internal/client"
	"github.com/pliu/sealedchat/internal/config"
	"github.com/pliu/sealedchat/internal/conversation"
	"github.com/pliu/sealedchat/internal/crypto"
	"github.com/pliu/sealedchat/internal/directory"
	"github.com/pliu/sealedchat/internal/inbox"
	"github.com/pliu/sealedchat/internal/keystore"
	"github.com/pliu/sealedchat/internal/log"
	"github.com/pliu/sealedchat/internal/metrics"
	"github.com/pliu/sealedchat/internal/retry"
	"github.com/pliu/sealedchat/internal/session"
)

// clientEnv is everything a client command runs on.
type clientEnv struct {
	cfg     *config.Config
	log     *logging.Logger
	backend *log.Backend
	creds   *config.Credentials
	client  *client.Client
	session *session.Session
}

func (f *globalFlags) clientEnv(requireLogin bool) (*clientEnv, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}

	var backend *log.Backend
	if cfg.Logging.File != "" || cfg.Logging.Disable {
		backend, err = log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	} else {
		// stdout carries command output.
		backend, err = log.NewWriter(os.Stderr, cfg.Logging.Level)
	}
	if err != nil {
		return nil, err
	}

	env := &clientEnv{cfg: cfg, backend: backend, log: backend.GetLogger("sealedchat")}
	opts := []client.Option{
		client.WithTimeout(cfg.Client.RequestTimeout),
		client.WithLogger(backend.GetLogger("client")),
	}

	creds, err := config.LoadCredentials(cfg.Client.CredentialsPath())
	switch {
	case err == nil:
		env.creds = creds
		opts = append(opts, client.WithCookie(creds.Cookie))
	case errors.Is(err, config.ErrNotLoggedIn):
		if requireLogin {
			return nil, errors.New("not logged in, run 'sealedchat login' first")
		}
	default:
		return nil, err
	}

	env.client = client.New(cfg.Client.ServerURL, opts...)
	if env.creds != nil {
		env.session, err = env.newSession()
		if err != nil {
			return nil, err
		}
	}
	return env, nil
}

func (e *clientEnv) newSession() (*session.Session, error) {
	vault := keystore.New(e.cfg.Client.KeyVaultPath(), keystore.WithOpenTimeout(e.cfg.Client.VaultOpenTimeout))
	deviceID, err := vault.DeviceID()
	if err != nil {
		// The session reports the degradation itself once it tries to
		// load keys.
		e.log.Warningf("Key vault %s unusable: %v", vault.Path(), err)
	}

	m := metrics.New()
	rc := retry.Default()
	rc.MaxRetries = e.cfg.Client.RetryMaxAttempts
	rc.BaseDelay = e.cfg.Client.RetryBaseDelay

	dir := directory.New(e.client,
		directory.WithTTL(e.cfg.Client.DirectoryTTL),
		directory.WithRetry(rc),
		directory.WithLogger(e.backend.GetLogger("directory")),
		directory.WithMetrics(m),
	)
	return session.New(session.Config{
		UserID:             e.creds.UserID,
		DeviceID:           deviceID,
		DecryptConcurrency: e.cfg.Client.DecryptWorkers,
	}, session.Deps{
		Vault:     vault,
		Directory: dir,
		Messages:  e.client,
		Logger:    e.backend.GetLogger("session"),
		Metrics:   m,
	}), nil
}

// start initializes the session, warning rather than failing when the key
// vault is unusable.
func (e *clientEnv) start(ctx context.Context, out io.Writer) error {
	err := e.session.Start(ctx)
	if errors.Is(err, session.ErrDegraded) {
		fmt.Fprintln(out, "warning: local key storage is unavailable; messages are sent and received as plaintext and encrypted messages cannot be read")
		return nil
	}
	return err
}

// resolveUser accepts a numeric id or an exact username.
func (e *clientEnv) resolveUser(ctx context.Context, arg string) (int, error) {
	if id, err := strconv.Atoi(arg); err == nil && id > 0 {
		return id, nil
	}
	users, err := e.client.SearchUsers(ctx, arg)
	if err != nil {
		return 0, err
	}
	for _, u := range users {
		if u.Username == arg {
			return u.ID, nil
		}
	}
	return 0, fmt.Errorf("no user named %q", arg)
}

func newSignupCommand(flags *globalFlags) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "signup USERNAME",
		Short: "Create an account on the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.clientEnv(false)
			if err != nil {
				return err
			}
			u, err := env.client.Signup(cmd.Context(), args[0], email, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id %d)\n", u.Username, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", os.Getenv("SEALEDCHAT_PASSWORD"), "account password (default $SEALEDCHAT_PASSWORD)")
	return cmd
}

func newLoginCommand(flags *globalFlags) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login USERNAME",
		Short: "Log in and remember the session on this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.clientEnv(false)
			if err != nil {
				return err
			}
			u, err := env.client.Login(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			creds := &config.Credentials{UserID: u.ID, Username: u.Username, Cookie: env.client.Cookie()}
			if err := creds.Save(env.cfg.Client.CredentialsPath()); err != nil {
				return err
			}
			env.creds = creds
			if env.session, err = env.newSession(); err != nil {
				return err
			}
			if err := env.start(cmd.Context(), cmd.ErrOrStderr()); err != nil {
				env.log.Warningf("Key setup incomplete, it will be retried: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (id %d)\n", u.Username, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", os.Getenv("SEALEDCHAT_PASSWORD"), "account password (default $SEALEDCHAT_PASSWORD)")
	return cmd
}

func newKeygenCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Load or create this device's key pair and publish it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.clientEnv(true)
			if err != nil {
				return err
			}
			if err := env.start(cmd.Context(), cmd.ErrOrStderr()); err != nil {
				return err
			}
			if pk := env.session.PublicKey(); pk != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "public key %s (%s)\n", pk.Fingerprint(), crypto.Ciphersuite)
			}
			return nil
		},
	}
}

func newWipeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "wipe",
		Short: "Delete this device's key pair and withdraw its published key",
		Long: "Delete this device's key pair and withdraw its published key.\n" +
			"Encrypted messages already received can no longer be read on this device.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.clientEnv(true)
			if err != nil {
				return err
			}
			if err := env.session.Wipe(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "key pair deleted")
			return nil
		},
	}
}

func newSendCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send USER MESSAGE...",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.clientEnv(true)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			to, err := env.resolveUser(ctx, args[0])
			if err != nil {
				return err
			}
			if err := env.start(ctx, cmd.ErrOrStderr()); err != nil {
				env.log.Warningf("Key setup incomplete: %v", err)
			}

			m, err := env.session.Send(ctx, to, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			kind := "encrypted"
			if !m.Payload.IsEncrypted() {
				kind = "plaintext, recipient has no key"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent message %d (%s)\n", m.ID, kind)
			return nil
		},
	}
}

func newConversationsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.clientEnv(true)
			if err != nil {
				return err
			}
			convs, err := env.session.Conversations(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d conversations, %d unread\n", len(convs), conversation.UnreadTotal(convs))
			for _, c := range convs {
				name := strconv.Itoa(c.CounterpartID)
				if u, err := env.client.User(cmd.Context(), c.CounterpartID); err == nil {
					name = u.Username
				}
				fmt.Fprintf(out, "%-20s %s  %d unread\n", name, c.LastMessageAt.Local().Format(time.DateTime), c.UnreadCount)
			}
			return nil
		},
	}
}

func newReadCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "read USER",
		Short: "Show a conversation and mark it read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.clientEnv(true)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			with, err := env.resolveUser(ctx, args[0])
			if err != nil {
				return err
			}
			if err := env.start(ctx, cmd.ErrOrStderr()); err != nil {
				env.log.Warningf("Key setup incomplete: %v", err)
			}
			view, err := env.session.Open(ctx, with)
			if err != nil {
				return err
			}
			printView(cmd.OutOrStdout(), view, 0)
			return nil
		},
	}
}

func newWatchCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch USER",
		Short: "Follow a conversation as messages arrive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.clientEnv(true)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			with, err := env.resolveUser(ctx, args[0])
			if err != nil {
				return err
			}
			if err := env.start(ctx, cmd.ErrOrStderr()); err != nil {
				env.log.Warningf("Key setup incomplete: %v", err)
			}

			view, err := env.session.Open(ctx, with)
			if err != nil {
				return err
			}
			printView(out, view, 0)
			var seen int64
			if n := len(view.Entries); n > 0 {
				seen = view.Entries[n-1].Message.ID
			}

			show := func(v *inbox.View, err error) {
				if err != nil {
					env.log.Warningf("Refresh failed: %v", err)
					return
				}
				seen = printView(out, v, seen)
			}

			backoff := retry.Default()
			for attempt := 0; ; {
				notes, err := env.client.Subscribe(ctx)
				if err != nil {
					if errors.Is(err, client.ErrUnauthorized) || ctx.Err() != nil {
						return err
					}
					env.log.Noticef("Change feed unavailable: %v", err)
					if err := backoff.Wait(ctx, attempt); err != nil {
						return nil
					}
					attempt++
					continue
				}
				attempt = 0

				// Anything sent while disconnected.
				show(env.session.Refresh(ctx))

				if err := env.session.Watch(ctx, notes, show); err != nil {
					return nil
				}
			}
		},
	}
}

// printView writes the entries newer than after and returns the newest id
// written.
func printView(w io.Writer, v *inbox.View, after int64) int64 {
	last := after
	for _, e := range v.Entries {
		if e.Message.ID <= after {
			continue
		}
		dir := "<-"
		if e.Message.SenderID == v.Self {
			dir = "->"
		}
		fmt.Fprintf(w, "%s %s %s %s\n", e.Message.CreatedAt.Local().Format(time.DateTime), dir, stateLabel(e), entryText(e))
		if e.Message.ID > last {
			last = e.Message.ID
		}
	}
	return last
}

func stateLabel(e inbox.Entry) string {
	switch e.State {
	case inbox.StateDecrypted:
		return "[e2e]"
	case inbox.StatePlaintext:
		return "[plain]"
	case inbox.StateSentUnrecoverable:
		return "[e2e, sent]"
	default:
		return "[undecryptable]"
	}
}

func entryText(e inbox.Entry) string {
	switch e.State {
	case inbox.StateDecrypted, inbox.StatePlaintext:
		return e.Text
	case inbox.StateSentUnrecoverable:
		return "(encrypted for the recipient)"
	default:
		return "(cannot be decrypted on this device)"
	}
}
