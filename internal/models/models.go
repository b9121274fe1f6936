package models

import (
	"time"
)

// Address represents an email address with optional name
type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Mailbox is a read-only snapshot of a folder, rebuilt on every catalog query.
type Mailbox struct {
	Name         string   `json:"name"`
	Delimiter    string   `json:"delimiter,omitempty"`
	Attributes   []string `json:"attributes,omitempty"`
	MessageCount uint32   `json:"messageCount"`
	UnseenCount  uint32   `json:"unseenCount"`
}

// Flag is one of the system flags the index reports.
type Flag string

const (
	FlagSeen     Flag = "seen"
	FlagAnswered Flag = "answered"
	FlagFlagged  Flag = "flagged"
	FlagDeleted  Flag = "deleted"
)

// Flags is a set of flags, serialized as a list in canonical order.
type Flags []Flag

// Has reports whether f contains flag
func (f Flags) Has(flag Flag) bool {
	for _, v := range f {
		if v == flag {
			return true
		}
	}
	return false
}

// MessageEnvelope is the header-level view of a message. ID is only
// meaningful together with Mailbox.
type MessageEnvelope struct {
	ID        uint32    `json:"id"`
	Mailbox   string    `json:"mailbox"`
	Subject   string    `json:"subject"`
	From      Address   `json:"from"`
	Date      time.Time `json:"date"`
	Flags     Flags     `json:"flags"`
	MessageID string    `json:"messageId,omitempty"`
	Size      uint32    `json:"size,omitempty"`
}
