package csvlist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrNoHeader indicates the CSV file has no readable header row
	ErrNoHeader = errors.New("csv header missing")
	// ErrRowNotFound indicates the requested data row does not exist
	ErrRowNotFound = errors.New("csv row not found")
)

var fieldCleaner = regexp.MustCompile(`[^a-z0-9]+`)

// bomPrefix is the UTF-8 byte order mark spreadsheet exports often put in
// front of the first header cell.
const bomPrefix = "\uFEFF"

// NormalizeField converts a raw header cell to its canonical field name:
// lowercased, trimmed, runs of non-alphanumerics collapsed to a single
// underscore, leading/trailing underscores removed.
func NormalizeField(field string) string {
	field = strings.ToLower(strings.TrimSpace(field))
	field = fieldCleaner.ReplaceAllString(field, "_")
	return strings.Trim(field, "_")
}

// ValidEmail reports whether addr is a plausible single recipient address.
func ValidEmail(addr string) bool {
	if addr == "" || strings.ContainsAny(addr, " \t") {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr {
		return false
	}
	// Require a dot in the domain, bare hostnames are never deliverable here
	at := strings.LastIndex(addr, "@")
	return at > 0 && strings.Contains(addr[at+1:], ".")
}

// ReadHeader returns the normalized header of the CSV file: each cell
// trimmed, BOM stripped, lowercased, empty cells dropped, duplicates
// removed. Returns an empty slice for missing or unreadable files.
func ReadHeader(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return []string{}
	}
	defer f.Close()

	r := newReader(f)
	header, err := r.Read()
	if err != nil {
		return []string{}
	}

	clean := make([]string, 0, len(header))
	seen := make(map[string]bool)
	for _, col := range header {
		col = strings.TrimPrefix(col, bomPrefix)
		col = strings.ToLower(strings.TrimSpace(col))
		if col == "" || seen[col] {
			continue
		}
		seen[col] = true
		clean = append(clean, col)
	}
	return clean
}

// Analysis is the result of scanning a recipient CSV for the preview table.
type Analysis struct {
	Exists          bool             `json:"exists"`
	Header          []string         `json:"header"`
	Missing         []string         `json:"missing"`
	TotalRows       int              `json:"total_rows"`
	Rows            []Row            `json:"rows"`
	InvalidEmails   []string         `json:"invalid_emails"`
	DuplicateEmails map[string]int   `json:"duplicate_emails"`
	Error           string           `json:"error,omitempty"`
}

// Row is a CSV data row keyed by normalized field name.
type Row map[string]string

// requiredColumns are the columns every recipient list must carry.
var requiredColumns = []string{"email"}

// AnalyzeForPreview scans the whole CSV, collecting the first maxRows rows
// for display plus list-wide email quality signals (invalid addresses and
// duplicates). It never fails hard: problems surface in the Error field so
// the caller can render them.
func AnalyzeForPreview(path string, maxRows int) Analysis {
	result := Analysis{
		Header:          []string{},
		Missing:         []string{},
		Rows:            []Row{},
		InvalidEmails:   []string{},
		DuplicateEmails: map[string]int{},
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			result.Error = "CSV file not found."
		} else {
			result.Error = "Unable to open CSV file."
			result.Exists = true
		}
		return result
	}
	defer f.Close()
	result.Exists = true

	r := newReader(f)
	header, err := r.Read()
	if err != nil {
		result.Error = "CSV appears to be empty."
		return result
	}
	result.Header = header

	// Column positions keyed by canonical field name
	fieldIndex := make(map[string]int)
	for i, name := range header {
		key := NormalizeField(strings.TrimPrefix(name, bomPrefix))
		if _, taken := fieldIndex[key]; key != "" && !taken {
			fieldIndex[key] = i
		}
	}

	for _, col := range requiredColumns {
		if _, ok := fieldIndex[col]; !ok {
			result.Missing = append(result.Missing, col)
		}
	}

	emailCounts := make(map[string]int)
	invalid := make(map[string]bool)

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		result.TotalRows++

		row := make(Row, len(fieldIndex))
		for key, idx := range fieldIndex {
			if idx < len(record) {
				row[key] = record[idx]
			} else {
				row[key] = ""
			}
		}

		if email := row["email"]; email != "" {
			emailCounts[email]++
			if !ValidEmail(email) {
				invalid[email] = true
			}
		}

		if len(result.Rows) < maxRows {
			result.Rows = append(result.Rows, row)
		}
	}

	for email := range invalid {
		result.InvalidEmails = append(result.InvalidEmails, email)
	}
	sort.Strings(result.InvalidEmails)

	for email, count := range emailCounts {
		if count > 1 {
			result.DuplicateEmails[email] = count
		}
	}

	return result
}

// SkippedEntry records a row the dry run would not send to, with a reason.
type SkippedEntry struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

// DryRunResult summarises a simulated batch over the full list.
type DryRunResult struct {
	TotalRows int            `json:"total_rows"`
	Sendable  int            `json:"sendable"`
	Skipped   []SkippedEntry `json:"skipped"`
}

// DryRun walks every data row and classifies it as sendable or skipped
// without dispatching anything. Missing required fields are reported before
// address validity, matching what the real send would reject.
func DryRun(path string, requiredFields []string) (*DryRunResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open CSV file: %w", err)
	}
	defer f.Close()

	r := newReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, ErrNoHeader
	}

	fieldIndex := make(map[string]int)
	for i, name := range header {
		key := NormalizeField(strings.TrimPrefix(name, bomPrefix))
		if _, taken := fieldIndex[key]; key != "" && !taken {
			fieldIndex[key] = i
		}
	}

	stats := &DryRunResult{Skipped: []SkippedEntry{}}

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		stats.TotalRows++

		row := make(Row, len(fieldIndex))
		for key, idx := range fieldIndex {
			if idx < len(record) {
				row[key] = record[idx]
			}
		}

		email := row["email"]
		if email == "" {
			email = "(none)"
		}

		var missing []string
		for _, field := range requiredFields {
			if row[NormalizeField(field)] == "" {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			stats.Skipped = append(stats.Skipped, SkippedEntry{
				Email:  email,
				Reason: "Missing: " + strings.Join(missing, ", "),
			})
			continue
		}

		if !ValidEmail(row["email"]) {
			stats.Skipped = append(stats.Skipped, SkippedEntry{
				Email:  email,
				Reason: "Invalid email",
			})
			continue
		}

		stats.Sendable++
	}

	return stats, nil
}

// ReadRow returns the nth data row (1-based, header excluded) keyed by
// normalized field name.
func ReadRow(path string, rowNumber int) (Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open CSV file: %w", err)
	}
	defer f.Close()

	r := newReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, ErrNoHeader
	}

	fieldIndex := make(map[string]int)
	for i, name := range header {
		key := NormalizeField(strings.TrimPrefix(name, bomPrefix))
		if _, taken := fieldIndex[key]; key != "" && !taken {
			fieldIndex[key] = i
		}
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
		rowIndex++
		if rowIndex == rowNumber {
			row := make(Row, len(fieldIndex))
			for key, idx := range fieldIndex {
				if idx < len(record) {
					row[key] = record[idx]
				}
			}
			return row, nil
		}
	}

	return nil, ErrRowNotFound
}

// newReader builds a CSV reader tolerant of ragged rows and stray quotes,
// the kind of files operators actually upload.
func newReader(f *os.File) *csv.Reader {
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r
}
