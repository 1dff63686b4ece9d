package templates

import (
	"regexp"
	"strings"

	"github.com/spsoc/batchmailer/internal/csvlist"
)

// Validation error codes, reported in a fixed order so callers can rely
// on the first error being the most fundamental problem.
const (
	ErrorMissingName        = "MissingName"
	ErrorMissingSubject     = "MissingSubject"
	ErrorNoFieldsDefined    = "NoFieldsDefined"
	ErrorEmailFieldDisabled = "EmailFieldDisabled"
	ErrorInvalidFromEmail   = "InvalidFromEmail"
	ErrorInvalidReplyTo     = "InvalidReplyTo"
	ErrorNoMessageBody      = "NoMessageBody"

	WarningNoPlainText           = "NoPlainText"
	WarningNoHTML                = "NoHtml"
	WarningRequiredFieldNotUsed  = "RequiredFieldNotUsed"  // suffixed ":<field>"
	WarningPlaceholderNotDeclare = "PlaceholderNotDeclared" // suffixed ":<field>"
)

var placeholderRe = regexp.MustCompile(`(?i)\{\{\s*([a-z0-9_]+)\s*\}\}`)

// ExtractPlaceholders returns the unique lowercased placeholder names in
// text, in order of first appearance.
func ExtractPlaceholders(text string) []string {
	matches := placeholderRe.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		name := strings.ToLower(m[1])
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// ValidationResult separates hard errors (template unusable) from
// warnings (worth a look, still sendable).
type ValidationResult struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Valid reports whether the template can be used for sending.
func (r ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Validate checks template structure and content. Structural errors come
// first, then address problems, then body problems; placeholder analysis
// only ever produces warnings.
func Validate(t *Template) ValidationResult {
	result := ValidationResult{Errors: []string{}, Warnings: []string{}}

	if strings.TrimSpace(t.Name) == "" {
		result.Errors = append(result.Errors, ErrorMissingName)
	}
	if strings.TrimSpace(t.Subject) == "" {
		result.Errors = append(result.Errors, ErrorMissingSubject)
	}

	if len(t.Fields) == 0 {
		result.Errors = append(result.Errors, ErrorNoFieldsDefined)
	}
	if opt, ok := t.Fields["email"]; ok && !opt.Use {
		result.Errors = append(result.Errors, ErrorEmailFieldDisabled)
	}

	if t.FromEmail != "" && !csvlist.ValidEmail(t.FromEmail) {
		result.Errors = append(result.Errors, ErrorInvalidFromEmail)
	}
	if t.ReplyTo != "" && !csvlist.ValidEmail(t.ReplyTo) {
		result.Errors = append(result.Errors, ErrorInvalidReplyTo)
	}

	hasText := strings.TrimSpace(t.BodyText) != ""
	hasHTML := strings.TrimSpace(t.BodyHTML) != ""

	if !hasText && !hasHTML {
		result.Errors = append(result.Errors, ErrorNoMessageBody)
	}
	if hasHTML && !hasText {
		result.Warnings = append(result.Warnings, WarningNoPlainText)
	}
	if hasText && !hasHTML {
		result.Warnings = append(result.Warnings, WarningNoHTML)
	}

	// Placeholder analysis against the declared required fields
	used := ExtractPlaceholders(t.Subject + " " + t.BodyText + " " + t.BodyHTML)
	usedSet := make(map[string]bool, len(used))
	for _, p := range used {
		usedSet[p] = true
	}

	required := t.RequiredFields()
	requiredSet := make(map[string]bool, len(required))
	for _, f := range required {
		requiredSet[f] = true
	}

	if len(required) > 0 {
		for _, field := range required {
			// Email is allowed to be implicit (recipient address)
			if field == "email" {
				continue
			}
			if !usedSet[field] {
				result.Warnings = append(result.Warnings, WarningRequiredFieldNotUsed+":"+field)
			}
		}
		for _, field := range used {
			if !requiredSet[field] {
				result.Warnings = append(result.Warnings, WarningPlaceholderNotDeclare+":"+field)
			}
		}
	}

	return result
}
