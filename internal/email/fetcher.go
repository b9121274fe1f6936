package email

import (
	"bytes"
	"context"
	"io"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"mailbag/internal/mailerr"
	"mailbag/internal/models"
	"mailbag/internal/session"
)

// GetBody fetches message id of mailbox and decodes it to text. The
// message is fetched with BODY.PEEK[] so reading it does not set \Seen.
func (c *Client) GetBody(ctx context.Context, s *session.Mailbox, mailbox string, id uint32) (*models.MessageBody, error) {
	raw, err := c.fetchRaw(ctx, s, mailbox, id)
	if err != nil {
		return nil, err
	}

	d := decodeBody(bytes.NewReader(raw), c.preferHTML)
	if d.partial {
		c.log.Warn().Str("mailbox", mailbox).Uint32("id", id).Strs("warnings", d.warnings).Msg("partial decode")
	}
	return &models.MessageBody{
		ID:            id,
		Mailbox:       mailbox,
		ContentType:   d.contentType,
		Text:          d.text,
		PartialDecode: d.partial,
		Warnings:      d.warnings,
	}, nil
}

func (c *Client) fetchRaw(ctx context.Context, s *session.Mailbox, mailbox string, id uint32) ([]byte, error) {
	if id == 0 {
		return nil, mailerr.Errorf(mailerr.KindBadInput, "fetch body", "message id must be positive")
	}
	info, err := c.lookupMailbox(ctx, s, mailbox)
	if err != nil {
		return nil, err
	}
	if hasAttr(info, imap.NoSelectAttr) {
		return nil, mailerr.Errorf(mailerr.KindNotFound, "fetch body", "mailbox %q holds no messages", mailbox)
	}
	if _, err := selectMailbox(ctx, s, info.Name, true); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(id)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	var raw []byte
	found := false
	err = s.Exec(ctx, "fetch body", func(ic *client.Client) error {
		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- ic.UidFetch(seqSet, items, messages)
		}()
		var readErr error
		for msg := range messages {
			if found || msg.Uid != id {
				continue
			}
			for _, lit := range msg.Body {
				if lit == nil {
					continue
				}
				raw, readErr = io.ReadAll(lit)
				found = true
				break
			}
		}
		if err := <-done; err != nil {
			return err
		}
		return readErr
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, mailerr.Errorf(mailerr.KindNotFound, "fetch body", "message %d not in %q", id, mailbox)
	}
	return raw, nil
}
