package session

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailbag/internal/crypto"
	"mailbag/internal/mailerr"
	"mailbag/internal/mailtest"
)

func testConfig(t *testing.T, host string, port int, user, pass string) Config {
	t.Helper()
	m, err := crypto.NewManager("")
	require.NoError(t, err)
	creds, err := NewCredentials(m, user, pass)
	require.NoError(t, err)
	return Config{
		Host:           host,
		Port:           port,
		Credentials:    creds,
		DialTimeout:    500 * time.Millisecond,
		CommandTimeout: 300 * time.Millisecond,
	}
}

func TestOpenMailbox(t *testing.T) {
	srv := mailtest.NewIMAPServer(t)
	cfg := testConfig(t, srv.Host, srv.Port, mailtest.Username, mailtest.Password)

	m, err := OpenMailbox(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, m.State())
	assert.True(t, m.Healthy())

	err = m.Exec(context.Background(), "select", func(c *client.Client) error {
		_, err := c.Select("INBOX", true)
		return err
	})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.Healthy())

	err = m.Exec(context.Background(), "noop", func(c *client.Client) error {
		return c.Noop()
	})
	assert.ErrorIs(t, err, mailerr.ErrConnection)
}

func TestOpenMailboxErrors(t *testing.T) {
	t.Run("rejected credentials", func(t *testing.T) {
		srv := mailtest.NewIMAPServer(t)
		cfg := testConfig(t, srv.Host, srv.Port, mailtest.Username, "wrong")

		for i := 0; i < 5; i++ {
			_, err := OpenMailbox(context.Background(), cfg, zerolog.Nop())
			require.ErrorIs(t, err, mailerr.ErrAuth)
			assert.NotErrorIs(t, err, mailerr.ErrConnection)
		}
	})

	t.Run("refused connection", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		cfg := testConfig(t, "127.0.0.1", port, mailtest.Username, mailtest.Password)
		_, err = OpenMailbox(context.Background(), cfg, zerolog.Nop())
		assert.ErrorIs(t, err, mailerr.ErrConnection)
	})

	t.Run("stalled greeting", func(t *testing.T) {
		srv := mailtest.NewScriptedIMAP(t)
		srv.StallGreeting()
		cfg := testConfig(t, srv.Host, srv.Port, mailtest.Username, mailtest.Password)

		start := time.Now()
		_, err := OpenMailbox(context.Background(), cfg, zerolog.Nop())
		assert.ErrorIs(t, err, mailerr.ErrTimeout)
		assert.Less(t, time.Since(start), 3*time.Second)
	})
}

func TestExecTimeoutFailsSession(t *testing.T) {
	srv := mailtest.NewScriptedIMAP(t)
	srv.On("NOOP", mailtest.Reply{Stall: true})
	cfg := testConfig(t, srv.Host, srv.Port, mailtest.Username, mailtest.Password)

	m, err := OpenMailbox(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()

	err = m.Exec(context.Background(), "noop", func(c *client.Client) error {
		return c.Noop()
	})
	assert.ErrorIs(t, err, mailerr.ErrTimeout)
	assert.Equal(t, StateFailed, m.State())
	assert.False(t, m.Healthy())

	require.NoError(t, m.Close())
	assert.Equal(t, StateFailed, m.State())
}

func TestExecCanceled(t *testing.T) {
	srv := mailtest.NewScriptedIMAP(t)
	srv.On("NOOP", mailtest.Reply{Stall: true})
	cfg := testConfig(t, srv.Host, srv.Port, mailtest.Username, mailtest.Password)
	cfg.CommandTimeout = 5 * time.Second

	m, err := OpenMailbox(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err = m.Exec(ctx, "noop", func(c *client.Client) error {
		return c.Noop()
	})
	assert.ErrorIs(t, err, mailerr.ErrCanceled)
	assert.Equal(t, StateFailed, m.State())
}

func TestExecRejectsOverlappingCommands(t *testing.T) {
	srv := mailtest.NewScriptedIMAP(t)
	srv.On("NOOP", mailtest.Reply{Stall: true})
	cfg := testConfig(t, srv.Host, srv.Port, mailtest.Username, mailtest.Password)

	m, err := OpenMailbox(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()

	first := make(chan error, 1)
	go func() {
		first <- m.Exec(context.Background(), "noop", func(c *client.Client) error {
			return c.Noop()
		})
	}()
	require.Eventually(t, m.busy.Load, time.Second, 5*time.Millisecond)

	called := false
	err = m.Exec(context.Background(), "check", func(c *client.Client) error {
		called = true
		return c.Check()
	})
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, err, mailerr.ErrInternal)
	assert.False(t, called)

	assert.ErrorIs(t, <-first, mailerr.ErrTimeout)
	assert.NotContains(t, srv.Commands(), "CHECK")
}

func TestExecKeepsSessionOnCommandRejection(t *testing.T) {
	srv := mailtest.NewScriptedIMAP(t)
	srv.On("EXAMINE", mailtest.Reply{Status: "NO", Text: "no such mailbox"})
	cfg := testConfig(t, srv.Host, srv.Port, mailtest.Username, mailtest.Password)

	m, err := OpenMailbox(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()

	err = m.Exec(context.Background(), "examine", func(c *client.Client) error {
		_, err := c.Select("Nope", true)
		return err
	})
	assert.ErrorIs(t, err, mailerr.ErrProtocol)
	assert.Equal(t, StateAuthenticated, m.State())
	assert.True(t, m.Healthy())
}

func TestOpenSubmission(t *testing.T) {
	srv := mailtest.NewSMTPServer(t)

	t.Run("authenticated", func(t *testing.T) {
		cfg := testConfig(t, srv.Host, srv.Port, mailtest.Username, mailtest.Password)
		s, err := OpenSubmission(context.Background(), cfg, zerolog.Nop())
		require.NoError(t, err)
		assert.True(t, s.Healthy())

		err = s.Exec(context.Background(), "noop", func(c *smtp.Client) error {
			return c.Noop()
		})
		require.NoError(t, err)

		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
		assert.False(t, s.Healthy())
	})

	t.Run("rejected credentials", func(t *testing.T) {
		cfg := testConfig(t, srv.Host, srv.Port, mailtest.Username, "wrong")
		_, err := OpenSubmission(context.Background(), cfg, zerolog.Nop())
		assert.ErrorIs(t, err, mailerr.ErrAuth)
	})
}

func TestStartTLS(t *testing.T) {
	t.Run("imap", func(t *testing.T) {
		srv := mailtest.NewIMAPServer(t, mailtest.WithStartTLS(t))
		cfg := testConfig(t, srv.Host, srv.Port, mailtest.Username, mailtest.Password)
		cfg.StartTLS = true
		cfg.InsecureSkipVerify = true

		m, err := OpenMailbox(context.Background(), cfg, zerolog.Nop())
		require.NoError(t, err)
		defer m.Close()
		assert.True(t, m.client.IsTLS())

		err = m.Exec(context.Background(), "select", func(c *client.Client) error {
			_, err := c.Select("INBOX", true)
			return err
		})
		assert.NoError(t, err)
	})

	t.Run("imap login refused in plain text", func(t *testing.T) {
		srv := mailtest.NewIMAPServer(t, mailtest.WithStartTLS(t))
		cfg := testConfig(t, srv.Host, srv.Port, mailtest.Username, mailtest.Password)

		_, err := OpenMailbox(context.Background(), cfg, zerolog.Nop())
		assert.ErrorIs(t, err, mailerr.ErrAuth)
	})

	t.Run("smtp", func(t *testing.T) {
		srv := mailtest.NewSMTPServer(t, mailtest.WithStartTLS(t))
		cfg := testConfig(t, srv.Host, srv.Port, mailtest.Username, mailtest.Password)
		cfg.StartTLS = true
		cfg.InsecureSkipVerify = true

		s, err := OpenSubmission(context.Background(), cfg, zerolog.Nop())
		require.NoError(t, err)
		defer s.Close()
		_, ok := s.client.TLSConnectionState()
		assert.True(t, ok)

		err = s.Exec(context.Background(), "send", func(c *smtp.Client) error {
			return c.SendMail("me@example.org", []string{"bob@example.org"}, strings.NewReader("Subject: hi\r\n\r\nhello\r\n"))
		})
		require.NoError(t, err)
		require.Len(t, srv.Received(), 1)
	})

	t.Run("smtp auth refused in plain text", func(t *testing.T) {
		srv := mailtest.NewSMTPServer(t, mailtest.WithStartTLS(t))
		cfg := testConfig(t, srv.Host, srv.Port, mailtest.Username, mailtest.Password)

		_, err := OpenSubmission(context.Background(), cfg, zerolog.Nop())
		assert.ErrorIs(t, err, mailerr.ErrAuth)
	})

	t.Run("smtp server without starttls", func(t *testing.T) {
		srv := mailtest.NewSMTPServer(t)
		cfg := testConfig(t, srv.Host, srv.Port, mailtest.Username, mailtest.Password)
		cfg.StartTLS = true

		_, err := OpenSubmission(context.Background(), cfg, zerolog.Nop())
		assert.ErrorIs(t, err, mailerr.ErrConnection)
	})
}

func TestCredentialsNeverPrintPassword(t *testing.T) {
	m, err := crypto.NewManager("")
	require.NoError(t, err)
	creds, err := NewCredentials(m, "alice", "hunter2")
	require.NoError(t, err)

	assert.NotContains(t, creds.String(), "hunter2")
	plain, err := creds.reveal()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}
