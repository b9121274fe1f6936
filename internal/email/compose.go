package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"mailbag/internal/mailerr"
	"mailbag/internal/models"
)

// Outgoing is a composed message ready for submission.
type Outgoing struct {
	From      string
	To        []string
	MessageID string
	Date      time.Time
	Raw       []byte
}

// Compose builds an RFC 5322 message with a single quoted-printable utf-8
// text part. Invalid addresses are BadInput errors.
func Compose(from string, msg *models.OutboundMessage, now time.Time) (*Outgoing, error) {
	const op = "compose"

	sender, err := mail.ParseAddress(from)
	if err != nil {
		return nil, mailerr.Errorf(mailerr.KindBadInput, op, "invalid sender %q: %v", from, err)
	}

	rcpts := msg.Recipients()
	if len(rcpts) == 0 {
		return nil, mailerr.Errorf(mailerr.KindBadInput, op, "at least one recipient is required")
	}
	to := make([]*mail.Address, 0, len(rcpts))
	envelopeTo := make([]string, 0, len(rcpts))
	for _, r := range rcpts {
		addr, err := mail.ParseAddress(r)
		if err != nil {
			return nil, mailerr.Errorf(mailerr.KindBadInput, op, "invalid recipient %q: %v", r, err)
		}
		to = append(to, addr)
		envelopeTo = append(envelopeTo, addr.Address)
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{sender})
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, mailerr.New(mailerr.KindInternal, op, err)
	}
	if ref := strings.Trim(strings.TrimSpace(msg.InReplyTo), "<>"); ref != "" {
		h.SetMsgIDList("In-Reply-To", []string{ref})
		h.SetMsgIDList("References", []string{ref})
	}

	contentType := "text/plain"
	if msg.HTML {
		contentType = "text/html"
	}
	h.Set("MIME-Version", "1.0")
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, mailerr.New(mailerr.KindInternal, op, err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, mailerr.New(mailerr.KindInternal, op, err)
	}
	if err := w.Close(); err != nil {
		return nil, mailerr.New(mailerr.KindInternal, op, err)
	}

	id, err := h.MessageID()
	if err != nil {
		return nil, mailerr.New(mailerr.KindInternal, op, fmt.Errorf("read back message id: %w", err))
	}
	return &Outgoing{
		From:      sender.Address,
		To:        envelopeTo,
		MessageID: id,
		Date:      now,
		Raw:       buf.Bytes(),
	}, nil
}
