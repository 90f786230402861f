// Package sink defines where finished session records go.
package sink

import (
	"context"

	"github.com/smtpsink/smtpsink/internal/mail"
)

// Sink receives the Connection record of a successfully completed session.
// A session worker hands each finished record to every configured sink;
// the in-memory history store and the stdout printer both implement it.
type Sink interface {
	// Record accepts a finalized connection. It must not retain a
	// reference it later mutates; the record is immutable.
	Record(ctx context.Context, conn *mail.Connection) error

	// Name returns the human-readable name of this sink.
	Name() string
}
