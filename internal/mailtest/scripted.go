package mailtest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Reply scripts the answer to one IMAP command.
type Reply struct {
	// Untagged lines written before the completion, without "* " or CRLF.
	Untagged []string
	// Status is OK, NO or BAD. Empty means OK.
	Status string
	Text   string
	// Stall never answers the command.
	Stall bool
	// Hangup closes the connection instead of answering.
	Hangup bool
}

// Command is a command received by the scripted server. Name is upper
// case and carries the UID prefix ("UID FETCH").
type Command struct {
	Tag  string
	Name string
	Args string
}

// ScriptedIMAP speaks just enough IMAP4rev1 to log in and answer scripted
// replies, so tests can stall or fail any single step.
type ScriptedIMAP struct {
	Host string
	Port int

	mu            sync.Mutex
	stallGreeting bool
	replies       map[string]Reply
	commands      []Command
	ln            net.Listener
	done          chan struct{}
}

func NewScriptedIMAP(t testing.TB) *ScriptedIMAP {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port := splitAddr(t, ln.Addr())
	s := &ScriptedIMAP{
		Host:    host,
		Port:    port,
		replies: make(map[string]Reply),
		ln:      ln,
		done:    make(chan struct{}),
	}
	go s.serve()
	t.Cleanup(func() {
		close(s.done)
		ln.Close()
	})
	return s
}

// On scripts the reply for every command with the given name.
func (s *ScriptedIMAP) On(name string, r Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[strings.ToUpper(name)] = r
}

// StallGreeting keeps new connections waiting for the greeting.
func (s *ScriptedIMAP) StallGreeting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stallGreeting = true
}

// Commands returns the names of the commands received so far.
func (s *ScriptedIMAP) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.commands))
	for _, c := range s.commands {
		names = append(names, c.Name)
	}
	return names
}

func (s *ScriptedIMAP) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

var literalRe = regexp.MustCompile(`\{(\d+)\+?\}$`)

func (s *ScriptedIMAP) handle(conn net.Conn) {
	defer conn.Close()

	s.mu.Lock()
	stall := s.stallGreeting
	s.mu.Unlock()
	if stall {
		<-s.done
		return
	}

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	write := func(format string, args ...any) {
		fmt.Fprintf(w, format+"\r\n", args...)
		w.Flush()
	}
	write("* OK [CAPABILITY IMAP4rev1] scripted server ready")

	for {
		line, err := readCommand(r, write)
		if err != nil {
			return
		}
		cmd, ok := parseCommand(line)
		if !ok {
			write("* BAD malformed command")
			continue
		}

		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		reply, scripted := s.replies[cmd.Name]
		s.mu.Unlock()

		if !scripted {
			reply = defaultReply(cmd)
		}
		if reply.Stall {
			<-s.done
			return
		}
		if reply.Hangup {
			return
		}
		for _, u := range reply.Untagged {
			write("* %s", u)
		}
		status := reply.Status
		if status == "" {
			status = "OK"
		}
		text := reply.Text
		if text == "" {
			text = cmd.Name + " completed"
		}
		write("%s %s %s", cmd.Tag, status, text)

		if cmd.Name == "LOGOUT" {
			return
		}
	}
}

// readCommand reads one command line, accepting synchronizing literals.
func readCommand(r *bufio.Reader, write func(string, ...any)) (string, error) {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		b.WriteString(line)

		m := literalRe.FindStringSubmatch(line)
		if m == nil {
			return b.String(), nil
		}
		n, _ := strconv.Atoi(m[1])
		if !strings.HasSuffix(line, "+}") {
			write("+ ready")
		}
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return "", err
		}
	}
}

func parseCommand(line string) (Command, bool) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return Command{}, false
	}
	cmd := Command{Tag: parts[0], Name: strings.ToUpper(parts[1])}
	if len(parts) == 3 {
		cmd.Args = parts[2]
	}
	if cmd.Name == "UID" && cmd.Args != "" {
		sub := strings.SplitN(cmd.Args, " ", 2)
		cmd.Name = "UID " + strings.ToUpper(sub[0])
		cmd.Args = ""
		if len(sub) == 2 {
			cmd.Args = sub[1]
		}
	}
	return cmd, true
}

func defaultReply(cmd Command) Reply {
	switch cmd.Name {
	case "CAPABILITY":
		return Reply{Untagged: []string{"CAPABILITY IMAP4rev1"}}
	case "SELECT":
		return Reply{Untagged: []string{"1 EXISTS", "0 RECENT", "FLAGS (\\Seen \\Deleted)"}, Text: "[READ-WRITE] SELECT completed"}
	case "EXAMINE":
		return Reply{Untagged: []string{"1 EXISTS", "0 RECENT", "FLAGS (\\Seen \\Deleted)"}, Text: "[READ-ONLY] EXAMINE completed"}
	case "LOGOUT":
		return Reply{Untagged: []string{"BYE logging out"}}
	}
	return Reply{}
}
