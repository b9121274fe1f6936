package config

import (
	"fmt"

	"mailbag/internal/crypto"
	"mailbag/internal/gateway"
	"mailbag/internal/session"
	"mailbag/pkg/concurrent"
)

// GatewayConfig seals the account passwords with m and returns the gateway
// settings. The plaintext password fields are cleared.
func (c *Config) GatewayConfig(m *crypto.Manager) (gateway.Config, error) {
	imapSession, err := c.IMAP.session(m)
	if err != nil {
		return gateway.Config{}, fmt.Errorf("imap: %w", err)
	}
	smtpSession, err := c.SMTP.session(m)
	if err != nil {
		return gateway.Config{}, fmt.Errorf("smtp: %w", err)
	}

	return gateway.Config{
		IMAP:          imapSession,
		SMTP:          smtpSession,
		From:          c.SMTP.From,
		SentFolder:    c.SMTP.SentFolder,
		IMAPPool:      c.IMAP.pool(),
		SMTPPool:      c.SMTP.pool(),
		BodyCacheTTL:  c.Gateway.BodyCacheTTL,
		BodyCacheSize: c.Gateway.BodyCacheSize,
		PreferHTML:    c.Gateway.PreferHTML,
	}, nil
}

func (e *Endpoint) session(m *crypto.Manager) (session.Config, error) {
	var creds session.Credentials
	if e.Username != "" {
		var err error
		creds, err = session.NewCredentials(m, e.Username, e.Password)
		if err != nil {
			return session.Config{}, err
		}
	}
	e.Password = ""

	return session.Config{
		Host:               e.Host,
		Port:               e.Port,
		TLS:                e.TLS,
		StartTLS:           e.StartTLS,
		InsecureSkipVerify: e.InsecureSkipVerify,
		Credentials:        creds,
		DialTimeout:        e.DialTimeout,
		CommandTimeout:     e.CommandTimeout,
	}, nil
}

func (e Endpoint) pool() concurrent.PoolConfig {
	return concurrent.PoolConfig{
		Size:           e.PoolSize,
		AcquireTimeout: e.AcquireTimeout,
		IdleTimeout:    e.IdleTimeout,
	}
}
