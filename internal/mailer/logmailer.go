package mailer

import (
	"context"
	"log"
	"strings"
)

// LogMailer writes each message to the process log instead of dispatching
// it. It stands in for SES in development and when sending is disabled in
// config, so the whole workflow stays exercisable without credentials.
type LogMailer struct{}

// NewLogMailer creates a log-only mailer.
func NewLogMailer() *LogMailer {
	return &LogMailer{}
}

// Send logs the message and reports success. Recipient addresses are
// masked; the audit log is the place for full addresses, not the
// process log.
func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	log.Printf("[mail] to=%s subject=%q from=%s", redactEmail(msg.To), msg.Subject, msg.FromEmail)
	return nil
}

// redactEmail masks the local part of an address for process logging.
func redactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
