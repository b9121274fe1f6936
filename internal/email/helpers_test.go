package email

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mailbag/internal/crypto"
	"mailbag/internal/mailtest"
	"mailbag/internal/session"
)

func sessionConfig(t *testing.T, host string, port int) session.Config {
	t.Helper()
	m, err := crypto.NewManager("")
	require.NoError(t, err)
	creds, err := session.NewCredentials(m, mailtest.Username, mailtest.Password)
	require.NoError(t, err)
	return session.Config{
		Host:           host,
		Port:           port,
		Credentials:    creds,
		DialTimeout:    time.Second,
		CommandTimeout: time.Second,
	}
}

func openMailbox(t *testing.T, host string, port int) *session.Mailbox {
	t.Helper()
	s, err := session.OpenMailbox(context.Background(), sessionConfig(t, host, port), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openSubmission(t *testing.T, srv *mailtest.SMTPServer, commandTimeout time.Duration) *session.Submission {
	t.Helper()
	cfg := sessionConfig(t, srv.Host, srv.Port)
	cfg.CommandTimeout = commandTimeout
	s, err := session.OpenSubmission(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rawMessage(subject, body string) string {
	return "From: Alice <alice@example.org>\r\n" +
		"To: bob@example.org\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Fri, 01 Mar 2024 10:00:00 +0000\r\n" +
		"Message-Id: <" + subject + "@example.org>\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		body
}

func newTestClient(opts ...Option) *Client {
	return NewClient(zerolog.Nop(), opts...)
}
