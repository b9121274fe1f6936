package email

import (
	"bytes"
	"context"
	"errors"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-smtp"

	"mailbag/internal/mailerr"
	"mailbag/internal/models"
	"mailbag/internal/session"
)

// DeleteMessage marks message id deleted and expunges the mailbox. When the
// mark succeeds but the expunge does not, the message stays present with
// \Deleted set and a Partial error is returned along with the result.
func (c *Client) DeleteMessage(ctx context.Context, s *session.Mailbox, mailbox string, id uint32) (models.Result, error) {
	failed := models.Result{Outcome: models.OutcomeFailed}
	if id == 0 {
		return failed, mailerr.Errorf(mailerr.KindBadInput, "delete", "message id must be positive")
	}
	info, err := c.lookupMailbox(ctx, s, mailbox)
	if err != nil {
		return failed, err
	}
	if hasAttr(info, imap.NoSelectAttr) {
		return failed, mailerr.Errorf(mailerr.KindNotFound, "delete", "mailbox %q holds no messages", mailbox)
	}
	if _, err := selectMailbox(ctx, s, info.Name, false); err != nil {
		return failed, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(id)

	exists := false
	err = s.Exec(ctx, "fetch flags", func(ic *client.Client) error {
		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- ic.UidFetch(seqSet, []imap.FetchItem{imap.FetchUid, imap.FetchFlags}, messages)
		}()
		for msg := range messages {
			if msg.Uid == id {
				exists = true
			}
		}
		return <-done
	})
	if err != nil {
		return failed, err
	}
	if !exists {
		return failed, mailerr.Errorf(mailerr.KindNotFound, "delete", "message %d not in %q", id, mailbox)
	}

	// Mark as deleted
	err = s.Exec(ctx, "store deleted", func(ic *client.Client) error {
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		return ic.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil)
	})
	if err != nil {
		return failed, err
	}

	if err := expunge(ctx, s); err != nil {
		c.log.Warn().Err(err).Str("mailbox", mailbox).Uint32("id", id).Msg("message marked deleted but not expunged")
		return models.Result{
				Outcome: models.OutcomePartial,
				Detail:  "message marked deleted but not expunged; purge the mailbox to finish",
			},
			mailerr.New(mailerr.KindPartial, "expunge", err)
	}
	return models.Result{Outcome: models.OutcomeOK}, nil
}

// Purge expunges every message marked deleted in mailbox. It is the
// purge-only retry after a Partial delete.
func (c *Client) Purge(ctx context.Context, s *session.Mailbox, mailbox string) (models.Result, error) {
	failed := models.Result{Outcome: models.OutcomeFailed}
	info, err := c.lookupMailbox(ctx, s, mailbox)
	if err != nil {
		return failed, err
	}
	if hasAttr(info, imap.NoSelectAttr) {
		return failed, mailerr.Errorf(mailerr.KindNotFound, "purge", "mailbox %q holds no messages", mailbox)
	}
	if _, err := selectMailbox(ctx, s, info.Name, false); err != nil {
		return failed, err
	}
	if err := expunge(ctx, s); err != nil {
		return failed, err
	}
	return models.Result{Outcome: models.OutcomeOK}, nil
}

func expunge(ctx context.Context, s *session.Mailbox) error {
	return s.Exec(ctx, "expunge", func(ic *client.Client) error {
		return ic.Expunge(nil)
	})
}

// AppendSent stores a submitted message in folder with \Seen set.
func (c *Client) AppendSent(ctx context.Context, s *session.Mailbox, folder string, out *Outgoing) error {
	return s.Exec(ctx, "append "+folder, func(ic *client.Client) error {
		return ic.Append(folder, []string{imap.SeenFlag}, out.Date, bytes.NewBuffer(out.Raw))
	})
}

// Submit hands out to the submission server. Envelope or content rejection
// is a Submission error. Once the message data has been sent, losing the
// final reply leaves the outcome Unknown: the server may have accepted it,
// so the submission must not be retried.
func (c *Client) Submit(ctx context.Context, sub *session.Submission, out *Outgoing) (models.Result, error) {
	failed := models.Result{Outcome: models.OutcomeFailed, MessageID: out.MessageID}

	err := sub.Exec(ctx, "smtp mail", func(sc *smtp.Client) error {
		return sc.Mail(out.From, nil)
	})
	if err != nil {
		return failed, submissionErr("smtp mail", err)
	}

	for _, rcpt := range out.To {
		err := sub.Exec(ctx, "smtp rcpt", func(sc *smtp.Client) error {
			return sc.Rcpt(rcpt, nil)
		})
		if err != nil {
			return failed, submissionErr("smtp rcpt "+rcpt, err)
		}
	}

	awaitingReply := false
	err = sub.Exec(ctx, "smtp data", func(sc *smtp.Client) error {
		w, err := sc.Data()
		if err != nil {
			return err
		}
		if _, err := w.Write(out.Raw); err != nil {
			return mailerr.New(mailerr.KindConnection, "smtp data write", err)
		}
		awaitingReply = true
		return w.Close()
	})
	if err == nil {
		c.log.Info().Str("message_id", out.MessageID).Int("recipients", len(out.To)).Msg("message accepted")
		return models.Result{Outcome: models.OutcomeOK, MessageID: out.MessageID}, nil
	}

	var smtpErr *smtp.SMTPError
	if awaitingReply && !errors.As(err, &smtpErr) {
		switch mailerr.KindOf(err) {
		case mailerr.KindTimeout, mailerr.KindConnection, mailerr.KindCanceled, mailerr.KindProtocol:
			c.log.Error().Err(err).Str("message_id", out.MessageID).Msg("final reply to DATA lost, outcome unknown")
			return models.Result{Outcome: models.OutcomeUnknown, MessageID: out.MessageID},
				mailerr.New(mailerr.KindUnknownOutcome, "smtp data", err)
		}
	}
	return failed, submissionErr("smtp data", err)
}

// submissionErr turns a server rejection into a Submission error and keeps
// every other kind as classified by the session.
func submissionErr(op string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return mailerr.New(mailerr.KindSubmission, op, smtpErr)
	}
	return err
}
