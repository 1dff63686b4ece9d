package templates

import (
	"sort"

	"github.com/spsoc/batchmailer/internal/csvlist"
)

// FieldOption controls how one CSV column participates in a template.
type FieldOption struct {
	Use      bool `json:"use"`
	Required bool `json:"required"`
}

// Template is one reusable email definition, stored as a JSON file.
type Template struct {
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	Subject       string                 `json:"subject"`
	FromName      string                 `json:"from_name,omitempty"`
	FromEmail     string                 `json:"from_email,omitempty"`
	ReplyTo       string                 `json:"reply_to,omitempty"`
	BodyText      string                 `json:"body_text,omitempty"`
	BodyHTML      string                 `json:"body_html,omitempty"`
	Fields        map[string]FieldOption `json:"fields,omitempty"`
	IncludeLogo   bool                   `json:"include_logo"`
	IncludeFooter bool                   `json:"include_footer"`
	LogoURL       string                 `json:"logo_url,omitempty"`
}

// NewDraft returns the starting point for a new template. Logo and footer
// default on so outbound mail carries organisation branding unless the
// author opts out.
func NewDraft() *Template {
	return &Template{
		Fields: map[string]FieldOption{
			"email": {Use: true, Required: true},
		},
		IncludeLogo:   true,
		IncludeFooter: true,
	}
}

// RequiredFields returns the sorted field names marked both in use and
// required.
func (t *Template) RequiredFields() []string {
	var required []string
	for name, opt := range t.Fields {
		if opt.Use && opt.Required {
			required = append(required, csvlist.NormalizeField(name))
		}
	}
	sort.Strings(required)
	return required
}

// ForceEmailField pins the email field on and required. Every template
// needs a deliverable recipient column, whatever the author unticked.
func (t *Template) ForceEmailField() {
	if t.Fields == nil {
		t.Fields = map[string]FieldOption{}
	}
	t.Fields["email"] = FieldOption{Use: true, Required: true}
}

// MissingColumns returns the template's required fields absent from the
// given normalized CSV headers.
func (t *Template) MissingColumns(csvHeaders []string) []string {
	have := make(map[string]bool, len(csvHeaders))
	for _, h := range csvHeaders {
		have[csvlist.NormalizeField(h)] = true
	}

	var missing []string
	for _, field := range t.RequiredFields() {
		if !have[field] {
			missing = append(missing, field)
		}
	}
	return missing
}
