package engine

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spsoc/batchmailer/internal/campaign"
	"github.com/spsoc/batchmailer/internal/csvlist"
	"github.com/spsoc/batchmailer/internal/mailer"
	"github.com/spsoc/batchmailer/internal/templates"
)

var (
	// ErrNoHeader indicates the CSV lost its header row since analysis
	ErrNoHeader = errors.New("csv header missing")
)

// Engine runs one batch of a campaign: reads a window of CSV rows,
// renders and dispatches each email, and appends every outcome to the
// audit log. It holds no campaign state; the caller owns offsets and
// totals.
type Engine struct {
	mailer   mailer.Mailer
	logs     *LogStore
	org      templates.Org
	errorsTo string
	delay    time.Duration
}

// New creates a batch send engine.
func New(m mailer.Mailer, logs *LogStore, org templates.Org, errorsTo string, delay time.Duration) *Engine {
	if delay < 0 {
		delay = 0
	}
	return &Engine{
		mailer:   m,
		logs:     logs,
		org:      org,
		errorsTo: errorsTo,
		delay:    delay,
	}
}

// SendBatch processes up to batchSize rows starting at offset (0-based,
// data rows only). Row-level problems are recorded as failures and never
// abort the batch; only an unusable CSV or log file stops it. The caller
// advances its offset by Result.Attempted afterwards.
func (e *Engine) SendBatch(
	ctx context.Context,
	csvPath string,
	templateFile string,
	tpl *templates.Template,
	batchSize int,
	offset int,
) (*campaign.SendResult, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open CSV file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, ErrNoHeader
	}

	fieldIndex := make(map[string]int)
	for i, name := range header {
		key := csvlist.NormalizeField(name)
		if _, taken := fieldIndex[key]; key != "" && !taken {
			fieldIndex[key] = i
		}
	}

	// Count remaining data rows up front so the result carries the list
	// total, then reopen the window by re-reading from the top.
	total, err := countDataRows(csvPath)
	if err != nil {
		return nil, err
	}

	logPath := e.logs.PathForCSV(csvPath)
	lf, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("unable to open send log: %w", err)
	}
	defer lf.Close()

	started := time.Now()
	fmt.Fprintf(lf, "# BatchMailer send\n")
	fmt.Fprintf(lf, "# CSV: %s\n", csvPath)
	fmt.Fprintf(lf, "# Template: %s\n", templateFile)
	fmt.Fprintf(lf, "# Started: %s\n\n", started.Format(logTimeFormat))

	result := &campaign.SendResult{
		Failed:    []campaign.FailedRecipient{},
		Total:     total,
		LogFile:   logPath,
		StartedAt: started,
	}

	rowIndex := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		if rowIndex < offset {
			rowIndex++
			continue
		}
		rowIndex++
		if result.Attempted >= batchSize {
			break
		}
		result.Attempted++

		row := make(map[string]string, len(fieldIndex))
		for key, idx := range fieldIndex {
			if idx < len(record) {
				row[key] = record[idx]
			}
		}

		email := strings.TrimSpace(row["email"])
		fmt.Fprintf(lf, "%s | %s\n", logMarkerAttempt, email)

		if !csvlist.ValidEmail(email) {
			display := email
			if display == "" {
				display = "(none)"
			}
			result.Failed = append(result.Failed, campaign.FailedRecipient{
				Email:  display,
				Reason: "Invalid email",
			})
			fmt.Fprintf(lf, "%s  | %s | Invalid email\n", logMarkerFailed, display)
			if err := e.pause(ctx); err != nil {
				break
			}
			continue
		}

		msg := e.buildMessage(tpl, row, email)

		if err := e.mailer.Send(ctx, msg); err != nil {
			result.Failed = append(result.Failed, campaign.FailedRecipient{
				Email:  email,
				Reason: err.Error(),
			})
			fmt.Fprintf(lf, "%s  | %s | %s\n", logMarkerFailed, email, err.Error())
		} else {
			result.Sent++
			fmt.Fprintf(lf, "%s | %s\n", logMarkerSuccess, email)
		}
		result.LastEmail = email

		if err := e.pause(ctx); err != nil {
			break
		}
	}

	fmt.Fprintf(lf, "\n# Completed: %s\n", time.Now().Format(logTimeFormat))
	fmt.Fprintf(lf, "# Attempted: %d, Sent: %d, Failed: %d\n",
		result.Attempted, result.Sent, len(result.Failed))

	log.Printf("Batch complete: csv=%s attempted=%d sent=%d failed=%d",
		csvPath, result.Attempted, result.Sent, len(result.Failed))

	return result, nil
}

// buildMessage renders one outgoing email for a row.
func (e *Engine) buildMessage(tpl *templates.Template, row map[string]string, email string) mailer.Message {
	subject := templates.Render(tpl.Subject, row)

	var htmlBody, textBody string
	if tpl.BodyHTML != "" {
		rendered := templates.Render(tpl.BodyHTML, row)
		htmlBody = templates.WrapBody(rendered, tpl, e.org)
		textBody = templates.PlainText(rendered)
	}
	if tpl.BodyText != "" {
		textBody = templates.Render(tpl.BodyText, row)
	}
	if tpl.IncludeFooter {
		textBody += templates.FooterText(e.org)
	}

	return mailer.Message{
		To:        email,
		FromEmail: tpl.FromEmail,
		FromName:  tpl.FromName,
		ReplyTo:   tpl.ReplyTo,
		ErrorsTo:  e.errorsTo,
		Subject:   subject,
		HTMLBody:  htmlBody,
		TextBody:  textBody,
	}
}

// pause waits the configured inter-send delay, measured from the end of
// the previous dispatch. Cancelling the context ends the batch early.
func (e *Engine) pause(ctx context.Context) error {
	if e.delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.delay):
		return nil
	}
}

// countDataRows counts data rows in the CSV, header excluded.
func countDataRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("unable to open CSV file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	if _, err := r.Read(); err != nil {
		return 0, ErrNoHeader
	}

	total := 0
	for {
		if _, err := r.Read(); err == io.EOF {
			break
		} else if err != nil {
			continue
		}
		total++
	}
	return total, nil
}
