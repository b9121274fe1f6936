// Package mailtest runs in-process mail servers for tests: a go-imap
// memory server, a scripted IMAP server for stalls and injected failures,
// and a go-smtp submission server.
package mailtest

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
)

const (
	Username = "username"
	Password = "password"
)

// IMAPServer is a go-imap server backed by the memory backend. The account
// starts with an empty INBOX. Without WithStartTLS, LOGIN is allowed on the
// plain connection.
type IMAPServer struct {
	Host string
	Port int

	user *memory.User
	srv  *server.Server
}

func NewIMAPServer(t testing.TB, opts ...ServerOption) *IMAPServer {
	t.Helper()
	o := applyOptions(opts)

	be := memory.New()
	u, err := be.Login(nil, Username, Password)
	if err != nil {
		t.Fatalf("memory backend login: %v", err)
	}
	user := u.(*memory.User)

	s := server.New(be)
	s.AllowInsecureAuth = o.tls == nil
	s.TLSConfig = o.tls
	s.ErrorLog = discardLog{}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.Serve(ln)
	t.Cleanup(func() {
		s.Close()
	})

	host, port := splitAddr(t, ln.Addr())
	srv := &IMAPServer{Host: host, Port: port, user: user, srv: s}
	srv.mailbox(t, "INBOX").Messages = nil
	return srv
}

func (s *IMAPServer) mailbox(t testing.TB, name string) *memory.Mailbox {
	t.Helper()
	mbox, err := s.user.GetMailbox(name)
	if err != nil {
		t.Fatalf("get mailbox %q: %v", name, err)
	}
	return mbox.(*memory.Mailbox)
}

// CreateMailbox adds an empty folder.
func (s *IMAPServer) CreateMailbox(t testing.TB, name string) {
	t.Helper()
	if err := s.user.CreateMailbox(name); err != nil {
		t.Fatalf("create mailbox %q: %v", name, err)
	}
}

// AddMessage stores a raw RFC 5322 message with the given uid and flags.
func (s *IMAPServer) AddMessage(t testing.TB, mailbox string, uid uint32, flags []string, raw string) {
	t.Helper()
	mbox := s.mailbox(t, mailbox)
	mbox.Messages = append(mbox.Messages, &memory.Message{
		Uid:   uid,
		Date:  time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Size:  uint32(len(raw)),
		Flags: flags,
		Body:  []byte(raw),
	})
}

// Messages returns the messages currently stored in mailbox.
func (s *IMAPServer) Messages(t testing.TB, mailbox string) []*memory.Message {
	t.Helper()
	return s.mailbox(t, mailbox).Messages
}

func splitAddr(t testing.TB, addr net.Addr) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

type discardLog struct{}

func (discardLog) Printf(string, ...interface{}) {}
func (discardLog) Println(...interface{})        {}
