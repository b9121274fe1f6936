package email

import (
	"context"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"mailbag/internal/mailerr"
	"mailbag/internal/models"
	"mailbag/internal/session"
)

// ListMailboxes returns every folder of the account with its message and
// unseen counts, in the order the server listed them. When the server lists
// a name twice, the later entry's data wins at the first entry's position.
// Folders that cannot be selected are reported with zero counts.
func (c *Client) ListMailboxes(ctx context.Context, s *session.Mailbox) ([]models.Mailbox, error) {
	var infos []*imap.MailboxInfo
	err := s.Exec(ctx, "list", func(ic *client.Client) error {
		mailboxes := make(chan *imap.MailboxInfo, 10)
		done := make(chan error, 1)
		go func() {
			done <- ic.List("", "*", mailboxes)
		}()
		for info := range mailboxes {
			infos = append(infos, info)
		}
		return <-done
	})
	if err != nil {
		return nil, err
	}

	var order []string
	byName := make(map[string]*imap.MailboxInfo, len(infos))
	for _, info := range infos {
		if _, seen := byName[info.Name]; seen {
			c.log.Warn().Str("mailbox", info.Name).Msg("server listed mailbox twice, keeping later entry")
		} else {
			order = append(order, info.Name)
		}
		byName[info.Name] = info
	}

	result := make([]models.Mailbox, 0, len(order))
	for _, name := range order {
		info := byName[name]
		mb := models.Mailbox{
			Name:       info.Name,
			Delimiter:  info.Delimiter,
			Attributes: info.Attributes,
		}
		if !hasAttr(info, imap.NoSelectAttr) {
			if err := c.countMessages(ctx, s, &mb); err != nil {
				return nil, err
			}
		}
		result = append(result, mb)
	}
	return result, nil
}

// countMessages fills in the counts with STATUS. A folder the server
// refuses to report on keeps zero counts.
func (c *Client) countMessages(ctx context.Context, s *session.Mailbox, mb *models.Mailbox) error {
	var status *imap.MailboxStatus
	err := s.Exec(ctx, "status "+mb.Name, func(ic *client.Client) error {
		var err error
		status, err = ic.Status(mb.Name, []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen})
		return err
	})
	if err != nil {
		if mailerr.Is(err, mailerr.KindProtocol) {
			c.log.Warn().Err(err).Str("mailbox", mb.Name).Msg("status refused, reporting zero counts")
			return nil
		}
		return err
	}

	mb.MessageCount = status.Messages
	mb.UnseenCount = status.Unseen
	if mb.UnseenCount > mb.MessageCount {
		mb.UnseenCount = mb.MessageCount
	}
	return nil
}
