package mailtest

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Received is one message accepted by the SMTP server.
type Received struct {
	From string
	To   []string
	Data []byte
}

// SMTPServer is a go-smtp submission server requiring PLAIN auth with
// Username/Password. With WithStartTLS, AUTH is only offered after STARTTLS.
type SMTPServer struct {
	Host string
	Port int

	mu       sync.Mutex
	received []Received
	reject   map[string]bool
	blocking bool
	release  chan struct{}

	srv *smtp.Server
}

func NewSMTPServer(t testing.TB, opts ...ServerOption) *SMTPServer {
	t.Helper()
	o := applyOptions(opts)

	s := &SMTPServer{
		reject:  make(map[string]bool),
		release: make(chan struct{}),
	}
	srv := smtp.NewServer(&smtpBackend{s})
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = o.tls == nil
	srv.TLSConfig = o.tls
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.MaxMessageBytes = 1 << 20
	srv.MaxRecipients = 50
	s.srv = srv

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() {
		close(s.release)
		srv.Close()
	})

	s.Host, s.Port = splitAddr(t, ln.Addr())
	return s
}

// RejectRecipient makes RCPT TO fail with 550 for addr.
func (s *SMTPServer) RejectRecipient(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject[strings.ToLower(addr)] = true
}

// BlockData holds the final DATA reply until the test ends.
func (s *SMTPServer) BlockData() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocking = true
}

// Received returns the accepted messages.
func (s *SMTPServer) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

type smtpBackend struct {
	srv *SMTPServer
}

func (b *smtpBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &smtpSession{srv: b.srv}, nil
}

type smtpSession struct {
	srv    *SMTPServer
	authed bool
	from   string
	to     []string
}

func (s *smtpSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *smtpSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != Username || password != Password {
			return errors.New("invalid username or password")
		}
		s.authed = true
		return nil
	}), nil
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authed {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.srv.mu.Lock()
	rejected := s.srv.reject[strings.ToLower(to)]
	s.srv.mu.Unlock()
	if rejected {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "mailbox unavailable",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.srv.mu.Lock()
	blocking := s.srv.blocking
	s.srv.mu.Unlock()
	if blocking {
		<-s.srv.release
		return errors.New("server shutting down")
	}

	s.srv.mu.Lock()
	s.srv.received = append(s.srv.received, Received{From: s.from, To: s.to, Data: data})
	s.srv.mu.Unlock()
	return nil
}

func (s *smtpSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *smtpSession) Logout() error {
	return nil
}
