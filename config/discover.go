package config

import (
	"net/mail"
	"strings"
)

// Servers are the default IMAP and SMTP hosts for an account domain.
type Servers struct {
	IMAP string
	SMTP string
}

var commonProviders = map[string]Servers{
	"gmail.com":      {"imap.gmail.com", "smtp.gmail.com"},
	"googlemail.com": {"imap.gmail.com", "smtp.gmail.com"},
	"outlook.com":    {"outlook.office365.com", "smtp.office365.com"},
	"hotmail.com":    {"outlook.office365.com", "smtp.office365.com"},
	"live.com":       {"outlook.office365.com", "smtp.office365.com"},
	"yahoo.com":      {"imap.mail.yahoo.com", "smtp.mail.yahoo.com"},
	"aol.com":        {"imap.aol.com", "smtp.aol.com"},
	"icloud.com":     {"imap.mail.me.com", "smtp.mail.me.com"},
	"me.com":         {"imap.mail.me.com", "smtp.mail.me.com"},
	"fastmail.com":   {"imap.fastmail.com", "smtp.fastmail.com"},
}

// DetectServers derives mail hosts from an account address: a known
// provider first, then the imap./smtp. naming convention.
func DetectServers(address string) (Servers, bool) {
	addr, err := mail.ParseAddress(address)
	if err != nil {
		return Servers{}, false
	}
	at := strings.LastIndexByte(addr.Address, '@')
	domain := strings.ToLower(addr.Address[at+1:])
	if domain == "" {
		return Servers{}, false
	}

	if s, ok := commonProviders[domain]; ok {
		return s, true
	}
	return Servers{IMAP: "imap." + domain, SMTP: "smtp." + domain}, true
}
