// Package mail defines the records produced by captured SMTP sessions.
package mail

// Message is one mail submission within a session: the envelope sender,
// the envelope recipients in the order they were given, and the raw body
// with the terminating dot line stripped. Immutable once built.
type Message struct {
	Sender     string   `json:"sender"`
	Recipients []string `json:"recipients"`
	Data       string   `json:"data"`
}

// Connection is the finalized record of one completed session: the domain
// announced in the greeting and the messages submitted, in order. A session
// that greets and quits without sending mail yields a Connection with no
// messages. Immutable once handed to the history store.
type Connection struct {
	SenderDomain string    `json:"senderDomain"`
	Messages     []Message `json:"messages"`
}
