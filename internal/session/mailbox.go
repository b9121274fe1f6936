package session

import (
	"context"
	"errors"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"

	"mailbag/internal/mailerr"
)

// Mailbox is an authenticated IMAP session.
type Mailbox struct {
	*core
	client *client.Client
}

// OpenMailbox dials the IMAP server, upgrades to TLS when configured and
// logs in. A refused or unreachable server yields a Connection error, a
// rejected LOGIN an Auth error and a stalled handshake a Timeout error.
func OpenMailbox(ctx context.Context, cfg Config, log zerolog.Logger) (*Mailbox, error) {
	const op = "imap open"

	raw, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m := &Mailbox{core: newCore("imap", cfg, log)}
	m.raw = raw

	stop := watch(ctx, raw)
	defer stop()

	deadline := time.Now().Add(cfg.dialTimeout())
	raw.SetDeadline(deadline)

	c, err := client.New(raw)
	if err != nil {
		raw.Close()
		return nil, openErr(ctx, op, err, deadline)
	}
	m.client = c

	if cfg.StartTLS && !cfg.TLS {
		if err := m.startTLS(cfg); err != nil {
			raw.Close()
			return nil, openErr(ctx, op, err, deadline)
		}
	}

	password, err := cfg.Credentials.reveal()
	if err != nil {
		raw.Close()
		return nil, mailerr.New(mailerr.KindAuth, op, err)
	}
	if err := c.Login(cfg.Credentials.Username, password); err != nil {
		err = m.loginErr(ctx, op, err, deadline)
		raw.Close()
		return nil, err
	}

	raw.SetDeadline(time.Time{})
	m.setState(StateAuthenticated)
	m.log.Debug().Str("user", cfg.Credentials.Username).Msg("imap session opened")
	return m, nil
}

func (m *Mailbox) startTLS(cfg Config) error {
	ok, err := m.client.SupportStartTLS()
	if err != nil {
		return err
	}
	if !ok {
		return mailerr.New(mailerr.KindConnection, "imap starttls", errors.New("server does not advertise STARTTLS"))
	}
	if err := m.client.StartTLS(cfg.tlsConfig()); err != nil {
		return mailerr.New(mailerr.KindConnection, "imap starttls", err)
	}
	return nil
}

// loginErr tells a rejected LOGIN apart from a connection that went away
// during the round trip. It must run before the transport is closed.
func (m *Mailbox) loginErr(ctx context.Context, op string, err error, deadline time.Time) error {
	err = openErr(ctx, op, err, deadline)
	if mailerr.KindOf(err) != mailerr.KindProtocol {
		return err
	}
	select {
	case <-m.client.LoggedOut():
		return mailerr.New(mailerr.KindConnection, op, errors.Unwrap(err))
	default:
	}
	return mailerr.New(mailerr.KindAuth, op, errors.Unwrap(err))
}

// Exec runs one command exchange against the IMAP client. See core.exec.
func (m *Mailbox) Exec(ctx context.Context, op string, fn func(c *client.Client) error) error {
	return m.exec(ctx, op, func() error {
		return fn(m.client)
	})
}

// Healthy reports whether the session may be handed to another operation.
func (m *Mailbox) Healthy() bool {
	if !m.healthy() {
		return false
	}
	select {
	case <-m.client.LoggedOut():
		return false
	default:
		return true
	}
}

// Close logs out when the session is healthy and closes the transport. It
// is safe to call more than once.
func (m *Mailbox) Close() error {
	var polite func() error
	if m.client != nil {
		polite = m.client.Logout
	}
	return m.shutdown(polite)
}
