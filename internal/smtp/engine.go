package smtp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/smtpsink/smtpsink/internal/mail"
)

// Engine states for the SMTP state machine.
const (
	stateInit = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
	stateMessageComplete
	stateClosed
)

// Fatal session errors. Sequencing errors are not among them: a command in
// the wrong state gets a 503 reply and the session continues.
var (
	// ErrUnknownCommand reports a verb the engine does not recognize.
	ErrUnknownCommand = errors.New("unrecognized command")

	// ErrSyntax reports a recognized verb with a malformed argument.
	ErrSyntax = errors.New("malformed command")

	// ErrFraming reports a stream that ended inside message data, before
	// the terminating dot line.
	ErrFraming = errors.New("stream ended before data terminator")

	// ErrNoGreeting reports a stream that ended before any HELO/EHLO.
	ErrNoGreeting = errors.New("stream ended before greeting")
)

// Engine runs the SMTP state machine for one session. It reads command
// lines from the stream, writes one reply per command, and accumulates the
// session into a Connection record. It has no concurrency concerns of its
// own; the dispatcher owns the socket, deadlines and shared state.
type Engine struct {
	reader *bufio.Reader
	writer *bufio.Writer
	state  int

	conn mail.Connection
	cur  *mail.Message

	// werr is the first reply-write failure; checked once per command so
	// a broken transport aborts the session.
	werr error
}

// NewEngine creates an Engine reading commands from r and writing replies to w.
func NewEngine(r io.Reader, w io.Writer) *Engine {
	return &Engine{
		reader: bufio.NewReader(r),
		writer: bufio.NewWriter(w),
		state:  stateInit,
	}
}

// Run processes the session until QUIT, clean disconnect or a fatal error.
// On clean termination it returns the finalized Connection; ownership
// passes to the caller. On fatal errors the partial record is discarded and
// never observable.
func (e *Engine) Run() (*mail.Connection, error) {
	e.writeLine("220 smtpsink service ready")

	for e.state != stateClosed {
		line, err := e.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return e.finalizeDisconnect()
			}
			return nil, fmt.Errorf("read command: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if err := e.handleCommand(cmd, arg); err != nil {
			return nil, err
		}
		if e.werr != nil {
			return nil, fmt.Errorf("write reply: %w", e.werr)
		}
	}

	return e.finalize(), nil
}

// finalizeDisconnect handles EOF in command mode. A client that greeted and
// then dropped the stream closed the session cleanly; whatever transaction
// was in progress is discarded, completed messages are kept.
func (e *Engine) finalizeDisconnect() (*mail.Connection, error) {
	if e.state == stateInit {
		return nil, ErrNoGreeting
	}
	return e.finalize(), nil
}

// finalize returns the completed record. A session with no submissions
// still carries an empty message list, so consumers serialize [] and
// never null.
func (e *Engine) finalize() *mail.Connection {
	e.cur = nil
	if e.conn.Messages == nil {
		e.conn.Messages = []mail.Message{}
	}
	return &e.conn
}

// handleCommand processes a single command. A non-nil return aborts the session.
func (e *Engine) handleCommand(cmd, arg string) error {
	switch cmd {
	case "HELO", "EHLO":
		return e.handleGreeting(arg)
	case "MAIL":
		return e.handleMail(arg)
	case "RCPT":
		return e.handleRcpt(arg)
	case "DATA":
		return e.handleData()
	case "RSET":
		e.handleRset()
		return nil
	case "NOOP":
		e.writeLine("250 OK")
		return nil
	case "QUIT":
		return e.handleQuit()
	default:
		e.writeLine("500 Unrecognized command")
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

// handleGreeting processes HELO/EHLO. The sender domain is set exactly
// once; a repeated greeting is a sequencing error.
func (e *Engine) handleGreeting(arg string) error {
	if e.state != stateInit {
		e.writeLine("503 Duplicate HELO/EHLO")
		return nil
	}
	if arg == "" {
		e.writeLine("501 Domain required")
		return fmt.Errorf("%w: greeting without domain", ErrSyntax)
	}

	e.conn.SenderDomain = arg
	e.state = stateGreeted
	e.writeLine("250 Hello %s", arg)
	return nil
}

// handleMail processes MAIL FROM, starting a new message.
func (e *Engine) handleMail(arg string) error {
	if e.state != stateGreeted && e.state != stateMessageComplete {
		e.writeLine("503 Send HELO/EHLO first")
		return nil
	}

	addr, err := parseAddressArg(arg, "FROM:")
	if err != nil {
		e.writeLine("501 Syntax: MAIL FROM:<address>")
		return err
	}

	e.cur = &mail.Message{Sender: addr}
	e.state = stateMailFrom
	e.writeLine("250 OK")
	return nil
}

// handleRcpt processes RCPT TO, appending a recipient to the current message.
func (e *Engine) handleRcpt(arg string) error {
	if e.state != stateMailFrom && e.state != stateRcptTo {
		e.writeLine("503 Send MAIL FROM first")
		return nil
	}

	addr, err := parseAddressArg(arg, "TO:")
	if err != nil {
		e.writeLine("501 Syntax: RCPT TO:<address>")
		return err
	}

	e.cur.Recipients = append(e.cur.Recipients, addr)
	e.state = stateRcptTo
	e.writeLine("250 OK")
	return nil
}

// handleData processes DATA: switch to raw capture and read body lines
// verbatim until a line consisting of a single dot. A stream that ends
// before the terminator is a framing fault and aborts the session.
func (e *Engine) handleData() error {
	if e.state != stateRcptTo {
		switch e.state {
		case stateInit:
			e.writeLine("503 Send HELO/EHLO first")
		case stateMailFrom:
			e.writeLine("503 Need at least one recipient")
		default:
			e.writeLine("503 Send MAIL FROM first")
		}
		return nil
	}

	e.writeLine("354 End data with <CRLF>.<CRLF>")
	if e.werr != nil {
		return fmt.Errorf("write reply: %w", e.werr)
	}

	var body strings.Builder
	first := true
	for {
		line, err := e.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrFraming
			}
			return fmt.Errorf("read data: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "." {
			break
		}

		// Dot-stuffing: lines starting with ".." have the leading dot removed
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		if !first {
			body.WriteString("\n")
		}
		body.WriteString(line)
		first = false
	}

	e.cur.Data = body.String()
	e.conn.Messages = append(e.conn.Messages, *e.cur)
	e.cur = nil
	e.state = stateMessageComplete
	e.writeLine("250 OK message captured")
	return nil
}

// handleRset drops the in-progress transaction. Completed messages and the
// sender domain are unaffected.
func (e *Engine) handleRset() {
	if e.state == stateInit {
		e.writeLine("503 Send HELO/EHLO first")
		return
	}
	e.cur = nil
	e.state = stateGreeted
	e.writeLine("250 OK")
}

// handleQuit finalizes the session. Valid in any post-greeting state; an
// incomplete transaction is discarded.
func (e *Engine) handleQuit() error {
	if e.state == stateInit {
		e.writeLine("503 Send HELO/EHLO first")
		return nil
	}
	e.cur = nil
	e.state = stateClosed
	e.writeLine("221 Bye")
	if e.werr != nil {
		return fmt.Errorf("write reply: %w", e.werr)
	}
	return nil
}

// writeLine writes a formatted reply line followed by \r\n. The first write
// failure is kept and turns into a fatal session error.
func (e *Engine) writeLine(format string, args ...any) {
	if e.werr != nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	if _, err := e.writer.WriteString(line + "\r\n"); err != nil {
		e.werr = err
		return
	}
	if err := e.writer.Flush(); err != nil {
		e.werr = err
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

// parseAddressArg extracts the address from a "FROM:<addr>"/"TO:<addr>"
// style argument. The prefix match is case-insensitive.
func parseAddressArg(arg, prefix string) (string, error) {
	if !strings.HasPrefix(strings.ToUpper(arg), prefix) {
		return "", fmt.Errorf("%w: %q", ErrSyntax, arg)
	}
	addr := extractAddress(arg[len(prefix):])
	if addr == "" {
		return "", fmt.Errorf("%w: %q", ErrSyntax, arg)
	}
	return addr, nil
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	// Handle angle-bracket format: <user@example.com>
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	// Bare address format
	return s
}
