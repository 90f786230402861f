package smtp

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/smtpsink/smtpsink/internal/mail"
)

// run feeds a scripted command stream to a fresh Engine and returns the
// finalized connection, every reply line and the terminal error.
func run(t *testing.T, script string) (*mail.Connection, []string, error) {
	t.Helper()
	var out bytes.Buffer
	conn, err := NewEngine(strings.NewReader(script), &out).Run()
	replies := strings.Split(strings.TrimRight(out.String(), "\r\n"), "\r\n")
	return conn, replies, err
}

func TestEngine_SingleMessage(t *testing.T) {
	t.Parallel()

	conn, _, err := run(t, "HELO a.com\r\n"+
		"MAIL FROM:<x@a.com>\r\n"+
		"RCPT TO:<y@b.com>\r\n"+
		"DATA\r\n"+
		"hello\r\n"+
		".\r\n"+
		"QUIT\r\n")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.SenderDomain != "a.com" {
		t.Errorf("sender domain: got %q, want %q", conn.SenderDomain, "a.com")
	}
	if len(conn.Messages) != 1 {
		t.Fatalf("messages: got %d, want 1", len(conn.Messages))
	}
	msg := conn.Messages[0]
	if msg.Sender != "x@a.com" {
		t.Errorf("sender: got %q, want %q", msg.Sender, "x@a.com")
	}
	if len(msg.Recipients) != 1 || msg.Recipients[0] != "y@b.com" {
		t.Errorf("recipients: got %v, want [y@b.com]", msg.Recipients)
	}
	if msg.Data != "hello" {
		t.Errorf("data: got %q, want %q", msg.Data, "hello")
	}
}

func TestEngine_ReplySequence(t *testing.T) {
	t.Parallel()

	_, replies, err := run(t, "HELO a.com\r\n"+
		"MAIL FROM:<x@a.com>\r\n"+
		"RCPT TO:<y@b.com>\r\n"+
		"DATA\r\n"+
		"hello\r\n"+
		".\r\n"+
		"QUIT\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantPrefixes := []string{"220", "250", "250", "250", "354", "250", "221"}
	if len(replies) != len(wantPrefixes) {
		t.Fatalf("replies: got %d (%v), want %d", len(replies), replies, len(wantPrefixes))
	}
	for i, want := range wantPrefixes {
		if !strings.HasPrefix(replies[i], want) {
			t.Errorf("reply %d: got %q, want prefix %q", i, replies[i], want)
		}
	}
}

func TestEngine_TwoMessages(t *testing.T) {
	t.Parallel()

	conn, _, err := run(t, "EHLO a.com\r\n"+
		"MAIL FROM:<first@a.com>\r\n"+
		"RCPT TO:<one@b.com>\r\n"+
		"DATA\r\n"+
		"message one\r\n"+
		".\r\n"+
		"MAIL FROM:<second@a.com>\r\n"+
		"RCPT TO:<two@b.com>\r\n"+
		"RCPT TO:<three@c.com>\r\n"+
		"DATA\r\n"+
		"message two\r\n"+
		".\r\n"+
		"QUIT\r\n")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.SenderDomain != "a.com" {
		t.Errorf("sender domain: got %q, want %q", conn.SenderDomain, "a.com")
	}
	if len(conn.Messages) != 2 {
		t.Fatalf("messages: got %d, want 2", len(conn.Messages))
	}
	if conn.Messages[0].Sender != "first@a.com" || conn.Messages[1].Sender != "second@a.com" {
		t.Errorf("submission order not preserved: %q, %q",
			conn.Messages[0].Sender, conn.Messages[1].Sender)
	}
	if len(conn.Messages[1].Recipients) != 2 {
		t.Errorf("second message recipients: got %v, want 2 entries", conn.Messages[1].Recipients)
	}
}

func TestEngine_GreetingCaseInsensitive(t *testing.T) {
	t.Parallel()

	conn, _, err := run(t, "ehlo Mixed.Example\r\nQUIT\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.SenderDomain != "Mixed.Example" {
		t.Errorf("sender domain: got %q, want %q", conn.SenderDomain, "Mixed.Example")
	}
}

func TestEngine_EmptySession(t *testing.T) {
	t.Parallel()

	conn, _, err := run(t, "HELO a.com\r\nQUIT\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(conn.Messages) != 0 {
		t.Errorf("messages: got %d, want 0", len(conn.Messages))
	}
	if conn.Messages == nil {
		t.Error("empty session must carry an empty message list, not nil")
	}
	if conn.SenderDomain != "a.com" {
		t.Errorf("sender domain: got %q, want %q", conn.SenderDomain, "a.com")
	}
}

func TestEngine_RcptBeforeMail(t *testing.T) {
	t.Parallel()

	conn, replies, err := run(t, "HELO a.com\r\n"+
		"RCPT TO:<y@b.com>\r\n"+
		"QUIT\r\n")

	if err != nil {
		t.Fatalf("sequencing error must not abort the session: %v", err)
	}
	if len(conn.Messages) != 0 {
		t.Errorf("messages: got %d, want 0", len(conn.Messages))
	}
	// 220 banner, 250 greeting, 503, 221
	if len(replies) != 4 || !strings.HasPrefix(replies[2], "503") {
		t.Errorf("replies: got %v, want 503 for out-of-sequence RCPT", replies)
	}
}

func TestEngine_DataWithoutRecipients(t *testing.T) {
	t.Parallel()

	conn, replies, err := run(t, "HELO a.com\r\n"+
		"MAIL FROM:<x@a.com>\r\n"+
		"DATA\r\n"+
		"RCPT TO:<y@b.com>\r\n"+
		"DATA\r\n"+
		"late but fine\r\n"+
		".\r\n"+
		"QUIT\r\n")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The rejected DATA must not switch to raw capture: the following
	// RCPT line is handled as a command, and the transaction completes.
	if !strings.HasPrefix(replies[3], "503") {
		t.Errorf("reply to DATA without recipients: got %q, want 503", replies[3])
	}
	if len(conn.Messages) != 1 {
		t.Fatalf("messages: got %d, want 1", len(conn.Messages))
	}
	if conn.Messages[0].Data != "late but fine" {
		t.Errorf("data: got %q", conn.Messages[0].Data)
	}
}

func TestEngine_CommandsBeforeGreeting(t *testing.T) {
	t.Parallel()

	conn, replies, err := run(t, "MAIL FROM:<x@a.com>\r\n"+
		"DATA\r\n"+
		"QUIT\r\n"+
		"HELO a.com\r\n"+
		"QUIT\r\n")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if !strings.HasPrefix(replies[i], "503") {
			t.Errorf("pre-greeting command reply %d: got %q, want 503", i, replies[i])
		}
	}
	// An ungreeted client is told to greet, whatever it tried.
	if !strings.Contains(replies[2], "HELO/EHLO") {
		t.Errorf("pre-greeting DATA reply: got %q, want HELO/EHLO hint", replies[2])
	}
	if conn.SenderDomain != "a.com" {
		t.Errorf("sender domain: got %q, want %q", conn.SenderDomain, "a.com")
	}
}

func TestEngine_DuplicateGreeting(t *testing.T) {
	t.Parallel()

	conn, replies, err := run(t, "HELO a.com\r\nHELO b.com\r\nQUIT\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(replies[2], "503") {
		t.Errorf("duplicate greeting: got %q, want 503", replies[2])
	}
	if conn.SenderDomain != "a.com" {
		t.Errorf("sender domain must be set exactly once: got %q", conn.SenderDomain)
	}
}

func TestEngine_UnknownCommandIsFatal(t *testing.T) {
	t.Parallel()

	conn, replies, err := run(t, "HELO a.com\r\nBOGUS\r\nQUIT\r\n")
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("error: got %v, want ErrUnknownCommand", err)
	}
	if conn != nil {
		t.Error("partial connection must be discarded on a fatal error")
	}
	if !strings.HasPrefix(replies[len(replies)-1], "500") {
		t.Errorf("last reply: got %q, want 500", replies[len(replies)-1])
	}
}

func TestEngine_MalformedMailFromIsFatal(t *testing.T) {
	t.Parallel()

	conn, replies, err := run(t, "HELO a.com\r\nMAIL FROOM x@a.com\r\n")
	if !errors.Is(err, ErrSyntax) {
		t.Fatalf("error: got %v, want ErrSyntax", err)
	}
	if conn != nil {
		t.Error("partial connection must be discarded on a fatal error")
	}
	if !strings.HasPrefix(replies[len(replies)-1], "501") {
		t.Errorf("last reply: got %q, want 501", replies[len(replies)-1])
	}
}

func TestEngine_DisconnectMidData(t *testing.T) {
	t.Parallel()

	conn, _, err := run(t, "HELO a.com\r\n"+
		"MAIL FROM:<x@a.com>\r\n"+
		"RCPT TO:<y@b.com>\r\n"+
		"DATA\r\n"+
		"no terminator in sight\r\n")

	if !errors.Is(err, ErrFraming) {
		t.Fatalf("error: got %v, want ErrFraming", err)
	}
	if conn != nil {
		t.Error("session aborted mid-data must contribute nothing")
	}
}

func TestEngine_DisconnectBeforeGreeting(t *testing.T) {
	t.Parallel()

	conn, _, err := run(t, "")
	if !errors.Is(err, ErrNoGreeting) {
		t.Fatalf("error: got %v, want ErrNoGreeting", err)
	}
	if conn != nil {
		t.Error("ungreeted session must not produce a connection")
	}
}

func TestEngine_CleanDisconnectAfterGreeting(t *testing.T) {
	t.Parallel()

	conn, _, err := run(t, "HELO a.com\r\n"+
		"MAIL FROM:<x@a.com>\r\n"+
		"RCPT TO:<y@b.com>\r\n"+
		"DATA\r\n"+
		"kept\r\n"+
		".\r\n"+
		"MAIL FROM:<dropped@a.com>\r\n")

	if err != nil {
		t.Fatalf("clean disconnect after greeting must finalize: %v", err)
	}
	if len(conn.Messages) != 1 {
		t.Fatalf("messages: got %d, want 1 (in-progress transaction dropped)", len(conn.Messages))
	}
	if conn.Messages[0].Data != "kept" {
		t.Errorf("data: got %q, want %q", conn.Messages[0].Data, "kept")
	}
}

func TestEngine_MultilineBodyAndDotStuffing(t *testing.T) {
	t.Parallel()

	conn, _, err := run(t, "HELO a.com\r\n"+
		"MAIL FROM:<x@a.com>\r\n"+
		"RCPT TO:<y@b.com>\r\n"+
		"DATA\r\n"+
		"first line\r\n"+
		"..second starts with a dot\r\n"+
		"\r\n"+
		"fourth\r\n"+
		".\r\n"+
		"QUIT\r\n")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "first line\n.second starts with a dot\n\nfourth"
	if conn.Messages[0].Data != want {
		t.Errorf("data: got %q, want %q", conn.Messages[0].Data, want)
	}
}

func TestEngine_RsetDropsTransaction(t *testing.T) {
	t.Parallel()

	conn, _, err := run(t, "HELO a.com\r\n"+
		"MAIL FROM:<x@a.com>\r\n"+
		"RCPT TO:<y@b.com>\r\n"+
		"RSET\r\n"+
		"MAIL FROM:<z@a.com>\r\n"+
		"RCPT TO:<w@b.com>\r\n"+
		"DATA\r\n"+
		"after reset\r\n"+
		".\r\n"+
		"QUIT\r\n")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(conn.Messages) != 1 {
		t.Fatalf("messages: got %d, want 1", len(conn.Messages))
	}
	if conn.Messages[0].Sender != "z@a.com" {
		t.Errorf("sender: got %q, want the post-reset transaction", conn.Messages[0].Sender)
	}
}

func TestEngine_NoopAndBareAddresses(t *testing.T) {
	t.Parallel()

	conn, _, err := run(t, "HELO a.com\r\n"+
		"NOOP\r\n"+
		"MAIL FROM:x@a.com\r\n"+
		"RCPT TO:y@b.com\r\n"+
		"DATA\r\n"+
		"bare addresses work too\r\n"+
		".\r\n"+
		"QUIT\r\n")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.Messages[0].Sender != "x@a.com" {
		t.Errorf("sender: got %q, want %q", conn.Messages[0].Sender, "x@a.com")
	}
	if conn.Messages[0].Recipients[0] != "y@b.com" {
		t.Errorf("recipient: got %q, want %q", conn.Messages[0].Recipients[0], "y@b.com")
	}
}
