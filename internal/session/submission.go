package session

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"mailbag/internal/mailerr"
)

const localName = "localhost"

// Submission is an SMTP submission session, authenticated when credentials
// are configured.
type Submission struct {
	*core
	client *smtp.Client
}

// OpenSubmission dials the submission server, says EHLO, upgrades with
// STARTTLS when configured and advertised, and authenticates with PLAIN.
func OpenSubmission(ctx context.Context, cfg Config, log zerolog.Logger) (*Submission, error) {
	raw, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Submission{core: newCore("smtp", cfg, log)}
	s.raw = raw

	stop := watch(ctx, raw)
	defer stop()

	deadline := time.Now().Add(cfg.dialTimeout())
	raw.SetDeadline(deadline)

	c, err := s.greet(ctx, cfg, raw, deadline)
	if err != nil {
		raw.Close()
		return nil, err
	}
	s.client = c

	if !cfg.Credentials.Empty() {
		if err := s.auth(ctx, cfg, deadline); err != nil {
			raw.Close()
			return nil, err
		}
	}

	raw.SetDeadline(time.Time{})
	s.setState(StateAuthenticated)
	s.log.Debug().Str("user", cfg.Credentials.Username).Msg("smtp session opened")
	return s, nil
}

// greet says EHLO. With StartTLS, go-smtp sends EHLO and STARTTLS itself
// and says EHLO again over TLS on the next command; Hello is refused after
// that.
func (s *Submission) greet(ctx context.Context, cfg Config, raw net.Conn, deadline time.Time) (*smtp.Client, error) {
	const op = "smtp open"

	if !cfg.StartTLS || cfg.TLS {
		c := smtp.NewClient(raw)
		if err := c.Hello(localName); err != nil {
			return nil, openErr(ctx, op, err, deadline)
		}
		return c, nil
	}

	c, err := smtp.NewClientStartTLS(raw, cfg.tlsConfig())
	if err != nil {
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			return nil, openErr(ctx, "smtp starttls", err, deadline)
		}
		return nil, mailerr.New(mailerr.KindConnection, "smtp starttls", err)
	}
	return c, nil
}

func (s *Submission) auth(ctx context.Context, cfg Config, deadline time.Time) error {
	const op = "smtp auth"

	if ok, _ := s.client.Extension("AUTH"); !ok {
		return mailerr.New(mailerr.KindAuth, op, errors.New("server does not advertise AUTH"))
	}
	password, err := cfg.Credentials.reveal()
	if err != nil {
		return mailerr.New(mailerr.KindAuth, op, err)
	}
	err = s.client.Auth(sasl.NewPlainClient("", cfg.Credentials.Username, password))
	if err == nil {
		return nil
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return mailerr.New(mailerr.KindAuth, op, err)
	}
	return openErr(ctx, op, err, deadline)
}

// Exec runs one command exchange against the SMTP client. See core.exec.
func (s *Submission) Exec(ctx context.Context, op string, fn func(c *smtp.Client) error) error {
	return s.exec(ctx, op, func() error {
		return fn(s.client)
	})
}

func (s *Submission) Healthy() bool {
	return s.healthy()
}

// Close sends QUIT when the session is healthy and closes the transport.
func (s *Submission) Close() error {
	var polite func() error
	if s.client != nil {
		polite = s.client.Quit
	}
	return s.shutdown(polite)
}
