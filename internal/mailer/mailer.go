package mailer

import "context"

// Message is one outbound email, fully rendered.
type Message struct {
	To        string
	FromEmail string
	FromName  string
	ReplyTo   string
	ErrorsTo  string
	Subject   string
	HTMLBody  string
	TextBody  string
}

// Mailer dispatches a single message. Implementations must be safe for
// sequential use from the batch send loop.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}
