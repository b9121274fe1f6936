package models

import (
	"strings"
)

// ContentType of a decoded message body
type ContentType string

const (
	ContentPlain ContentType = "text/plain"
	ContentHTML  ContentType = "text/html"
)

// MessageBody is a decoded body, derived on demand for one request.
type MessageBody struct {
	ID          uint32      `json:"id"`
	Mailbox     string      `json:"mailbox"`
	ContentType ContentType `json:"contentType"`
	Text        string      `json:"text"`

	// PartialDecode is set when the text is a best-effort decoding
	// (unknown charset, corrupt transfer encoding).
	PartialDecode bool     `json:"partialDecode"`
	Warnings      []string `json:"warnings,omitempty"`
}

// OutboundMessage is consumed exactly once by a send.
type OutboundMessage struct {
	To        []string `json:"to"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	HTML      bool     `json:"html"`
	InReplyTo string   `json:"inReplyTo,omitempty"`
}

// Recipients returns the trimmed, de-duplicated recipient list.
func (m *OutboundMessage) Recipients() []string {
	seen := make(map[string]struct{}, len(m.To))
	out := make([]string, 0, len(m.To))
	for _, rcpt := range m.To {
		rcpt = strings.TrimSpace(rcpt)
		if rcpt == "" {
			continue
		}
		key := strings.ToLower(rcpt)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rcpt)
	}
	return out
}

// Outcome of a mutating operation
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomePartial Outcome = "partial"
	OutcomeUnknown Outcome = "unknown"
	OutcomeFailed  Outcome = "failed"
)

// Result reports what a delete, purge or send actually did.
type Result struct {
	Outcome   Outcome `json:"outcome"`
	MessageID string  `json:"messageId,omitempty"`
	Detail    string  `json:"detail,omitempty"`
}
