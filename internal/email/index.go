package email

import (
	"context"
	"mime"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/charset"

	"mailbag/internal/models"
	"mailbag/internal/session"
)

var envelopeItems = []imap.FetchItem{
	imap.FetchUid,
	imap.FetchEnvelope,
	imap.FetchFlags,
	imap.FetchInternalDate,
	imap.FetchRFC822Size,
}

// ListMessages returns the envelopes of every message in mailbox, in the
// server's native order. Bodies are never fetched here.
func (c *Client) ListMessages(ctx context.Context, s *session.Mailbox, mailbox string) ([]models.MessageEnvelope, error) {
	info, err := c.lookupMailbox(ctx, s, mailbox)
	if err != nil {
		return nil, err
	}
	envelopes := []models.MessageEnvelope{}
	if hasAttr(info, imap.NoSelectAttr) {
		return envelopes, nil
	}

	status, err := selectMailbox(ctx, s, info.Name, true)
	if err != nil {
		return nil, err
	}
	if status.Messages == 0 {
		return envelopes, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, 0)

	err = s.Exec(ctx, "fetch envelopes", func(ic *client.Client) error {
		messages := make(chan *imap.Message, 10)
		done := make(chan error, 1)
		go func() {
			done <- ic.Fetch(seqSet, envelopeItems, messages)
		}()
		for msg := range messages {
			if msg.Uid == 0 {
				continue
			}
			envelopes = append(envelopes, toEnvelope(mailbox, msg))
		}
		return <-done
	})
	if err != nil {
		return nil, err
	}
	return envelopes, nil
}

func toEnvelope(mailbox string, msg *imap.Message) models.MessageEnvelope {
	env := models.MessageEnvelope{
		ID:      msg.Uid,
		Mailbox: mailbox,
		Date:    msg.InternalDate,
		Flags:   toFlags(msg.Flags),
		Size:    msg.Size,
	}
	if e := msg.Envelope; e != nil {
		env.Subject = decodeWords(e.Subject)
		env.MessageID = strings.Trim(strings.TrimSpace(e.MessageId), "<>")
		if !e.Date.IsZero() {
			env.Date = e.Date
		}
		if len(e.From) > 0 {
			env.From = toAddress(e.From[0])
		}
	}
	return env
}

func toAddress(a *imap.Address) models.Address {
	addr := a.MailboxName
	if a.HostName != "" {
		addr += "@" + a.HostName
	}
	return models.Address{
		Name:    decodeWords(a.PersonalName),
		Address: addr,
	}
}

var systemFlags = []struct {
	imap string
	flag models.Flag
}{
	{imap.SeenFlag, models.FlagSeen},
	{imap.AnsweredFlag, models.FlagAnswered},
	{imap.FlaggedFlag, models.FlagFlagged},
	{imap.DeletedFlag, models.FlagDeleted},
}

// toFlags keeps the system flags the envelope model knows, in canonical
// order. Keywords and \Draft are dropped.
func toFlags(flags []string) models.Flags {
	out := models.Flags{}
	for _, sf := range systemFlags {
		for _, f := range flags {
			if strings.EqualFold(f, sf.imap) {
				out = append(out, sf.flag)
				break
			}
		}
	}
	return out
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// decodeWords decodes RFC 2047 encoded words left in a header value.
func decodeWords(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
