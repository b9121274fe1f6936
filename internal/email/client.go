// Package email turns protocol sessions into mail operations: the mailbox
// catalog, the message index, the body fetcher and the mutator.
package email

import (
	"context"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/charset"
	"github.com/rs/zerolog"

	"mailbag/internal/mailerr"
	"mailbag/internal/session"
)

func init() {
	imap.CharsetReader = charset.Reader
}

type Option func(*Client)

// WithPreferHTML makes the fetcher pick the HTML alternative of a message
// when it has both.
func WithPreferHTML(prefer bool) Option {
	return func(c *Client) {
		c.preferHTML = prefer
	}
}

// Client runs mail operations over sessions it is handed. It holds no
// connection state of its own and is safe for concurrent use.
type Client struct {
	log        zerolog.Logger
	preferHTML bool
}

func NewClient(log zerolog.Logger, opts ...Option) *Client {
	c := &Client{log: log}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// lookupMailbox checks that name exists with LIST "" name. Missing
// mailboxes yield a NotFound error.
func (c *Client) lookupMailbox(ctx context.Context, s *session.Mailbox, name string) (*imap.MailboxInfo, error) {
	if name == "" {
		return nil, mailerr.Errorf(mailerr.KindBadInput, "lookup mailbox", "empty mailbox name")
	}

	var found *imap.MailboxInfo
	err := s.Exec(ctx, "list "+name, func(ic *client.Client) error {
		mailboxes := make(chan *imap.MailboxInfo, 10)
		done := make(chan error, 1)
		go func() {
			done <- ic.List("", name, mailboxes)
		}()
		for info := range mailboxes {
			if found == nil && sameMailbox(info.Name, name) {
				found = info
			}
		}
		return <-done
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, mailerr.Errorf(mailerr.KindNotFound, "lookup mailbox", "mailbox %q does not exist", name)
	}
	return found, nil
}

// INBOX is case-insensitive, every other name is not.
func sameMailbox(a, b string) bool {
	if strings.EqualFold(a, "INBOX") {
		return strings.EqualFold(b, "INBOX")
	}
	return a == b
}

func hasAttr(info *imap.MailboxInfo, attr string) bool {
	for _, a := range info.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// selectMailbox opens name for the following commands of this operation.
func selectMailbox(ctx context.Context, s *session.Mailbox, name string, readOnly bool) (*imap.MailboxStatus, error) {
	op := "select " + name
	if readOnly {
		op = "examine " + name
	}
	var status *imap.MailboxStatus
	err := s.Exec(ctx, op, func(ic *client.Client) error {
		var err error
		status, err = ic.Select(name, readOnly)
		return err
	})
	return status, err
}
