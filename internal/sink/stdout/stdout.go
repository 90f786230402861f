// Package stdout implements a Sink that prints captured sessions to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/smtpsink/smtpsink/internal/mail"
)

// Sink prints captured connections to stdout in a human-readable format.
type Sink struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Sink that writes to os.Stdout.
func New() *Sink {
	return &Sink{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Sink that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Sink {
	return &Sink{writer: w}
}

// Record prints the connection and its messages in a readable format.
// It always returns nil; stdout capture output is best-effort.
func (s *Sink) Record(_ context.Context, conn *mail.Connection) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("Sender domain: %s\n", conn.SenderDomain))

	for _, msg := range conn.Messages {
		b.WriteString(fmt.Sprintf("Message from: %s\n", msg.Sender))
		b.WriteString(fmt.Sprintf("To: %s\n", strings.Join(msg.Recipients, ", ")))
		b.WriteString(msg.Data + "\n")
	}

	b.WriteString("========================================\n")

	_, _ = fmt.Fprint(s.writer, b.String())
	return nil
}

// Name returns the sink name.
func (s *Sink) Name() string {
	return "stdout"
}
