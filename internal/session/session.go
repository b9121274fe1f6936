// Package session owns single authenticated connections to the remote mail
// server: a read-side IMAP Mailbox session and a send-side SMTP Submission
// session.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mailbag/internal/mailerr"
)

const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultCommandTimeout = 30 * time.Second

	closeTimeout = 2 * time.Second
)

// ErrBusy is returned when a command is issued while the previous reply is
// still being drained.
var ErrBusy = errors.New("session busy: previous command still in flight")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Config describes one endpoint of the remote mail server.
type Config struct {
	Host               string
	Port               int
	TLS                bool
	StartTLS           bool
	InsecureSkipVerify bool
	Credentials        Credentials
	DialTimeout        time.Duration
	CommandTimeout     time.Duration
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return DefaultDialTimeout
}

func (c Config) commandTimeout() time.Duration {
	if c.CommandTimeout > 0 {
		return c.CommandTimeout
	}
	return DefaultCommandTimeout
}

func (c Config) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         c.Host,
		InsecureSkipVerify: c.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}

// dial opens the transport, bounded by the dial timeout. Implicit TLS is
// negotiated before returning.
func dial(ctx context.Context, cfg Config) (net.Conn, error) {
	const op = "dial"

	d := net.Dialer{Timeout: cfg.dialTimeout()}
	raw, err := d.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		if ctx.Err() != nil {
			return nil, mailerr.Classify(op, ctx.Err())
		}
		return nil, mailerr.New(mailerr.KindConnection, op, err)
	}
	if !cfg.TLS {
		return raw, nil
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.dialTimeout())
	defer cancel()
	tc := tls.Client(raw, cfg.tlsConfig())
	if err := tc.HandshakeContext(hctx); err != nil {
		raw.Close()
		return nil, mailerr.New(mailerr.KindConnection, "tls handshake", err)
	}
	return tc, nil
}

// core is the part shared by both protocol sessions: state, the in-flight
// guard and the bounded execute primitive.
type core struct {
	proto   string
	raw     net.Conn
	timeout time.Duration
	log     zerolog.Logger

	state  atomic.Int32
	busy   atomic.Bool
	closed atomic.Bool
}

func newCore(proto string, cfg Config, log zerolog.Logger) *core {
	c := &core{
		proto:   proto,
		timeout: cfg.commandTimeout(),
		log:     log.With().Str("proto", proto).Str("host", cfg.Addr()).Logger(),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *core) State() State {
	return State(c.state.Load())
}

func (c *core) setState(s State) {
	c.state.Store(int32(s))
}

func (c *core) healthy() bool {
	return c.State() == StateAuthenticated && !c.busy.Load() && !c.closed.Load()
}

// exec runs fn as exactly one command exchange. Commands never overlap: a
// second call while fn is running fails with ErrBusy without touching the
// connection. When the exchange outlives the command timeout or ctx, the
// connection is torn down and the session is Failed for good.
func (c *core) exec(ctx context.Context, op string, fn func() error) error {
	if !c.busy.CompareAndSwap(false, true) {
		return mailerr.New(mailerr.KindInternal, op, ErrBusy)
	}
	defer c.busy.Store(false)

	if st := c.State(); st != StateAuthenticated || c.closed.Load() {
		return mailerr.Errorf(mailerr.KindConnection, op, "%s session is %s", c.proto, st)
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return c.settle(op, err)
	case <-timer.C:
		c.abort(op, "no reply within command timeout")
		<-done
		return mailerr.Errorf(mailerr.KindTimeout, op, "no reply within %s", c.timeout)
	case <-ctx.Done():
		c.abort(op, "context done")
		<-done
		return mailerr.Classify(op, ctx.Err())
	}
}

// settle classifies the error of a finished exchange. Transport-level
// failures leave the framing state unknown, so the session is failed.
func (c *core) settle(op string, err error) error {
	if err == nil {
		return nil
	}
	err = mailerr.Classify(op, err)
	switch mailerr.KindOf(err) {
	case mailerr.KindConnection, mailerr.KindTimeout:
		c.abort(op, err.Error())
	}
	return err
}

// abort fails the session and closes the transport, which unblocks any
// exchange still waiting for a reply.
func (c *core) abort(op, reason string) {
	c.setState(StateFailed)
	c.log.Warn().Str("op", op).Str("reason", reason).Msg("session failed")
	if c.raw != nil {
		c.raw.Close()
	}
}

// shutdown closes the session once. polite runs the protocol goodbye while
// the session is still healthy.
func (c *core) shutdown(polite func() error) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.State() == StateAuthenticated && !c.busy.Load() && polite != nil {
		c.raw.SetDeadline(time.Now().Add(closeTimeout))
		if err := polite(); err != nil {
			c.log.Debug().Err(err).Msg("goodbye failed")
		}
	}
	if c.State() != StateFailed {
		c.setState(StateDisconnected)
	}
	if err := c.raw.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Debug().Err(err).Msg("close transport")
	}
	c.log.Debug().Msg("session closed")
	return nil
}

// watch closes the transport if ctx ends while the session is being
// opened. The returned stop func must be called once opening is done.
func watch(ctx context.Context, raw net.Conn) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		raw.Close()
	})
}

// openErr classifies a handshake failure. Expiry of the open deadline or of
// ctx wins over whatever the protocol client reported.
func openErr(ctx context.Context, op string, err error, deadline time.Time) error {
	if ctx.Err() != nil {
		return mailerr.Classify(op, ctx.Err())
	}
	if !time.Now().Before(deadline) {
		return mailerr.New(mailerr.KindTimeout, op, fmt.Errorf("handshake not finished within deadline: %w", err))
	}
	return mailerr.Classify(op, err)
}
