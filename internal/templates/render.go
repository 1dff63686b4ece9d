package templates

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Render substitutes {{key}} placeholders in text with row values. Keys are
// lowercased and trimmed before matching; placeholders with no matching row
// key are left in place so problems stay visible in previews and sends.
func Render(text string, row map[string]string) string {
	for key, value := range row {
		placeholder := "{{" + strings.ToLower(strings.TrimSpace(key)) + "}}"
		text = strings.ReplaceAll(text, placeholder, value)
	}
	return text
}

var (
	stripPolicy  = bluemonday.StrictPolicy()
	horizontalWS = regexp.MustCompile(`[ \t]+`)
	excessBlank  = regexp.MustCompile(`\n{3,}`)
)

// PlainText derives a readable text body from HTML: tags stripped,
// entities decoded, horizontal whitespace collapsed, runs of blank lines
// reduced to one.
func PlainText(htmlBody string) string {
	text := stripPolicy.Sanitize(htmlBody)
	text = html.UnescapeString(text)
	text = horizontalWS.ReplaceAllString(text, " ")
	text = excessBlank.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Org is the organisation identity stamped into email footers.
type Org struct {
	Name    string
	Address string
	Phone   string
	Email   string
	Web     string
	LogoURL string
}

// LogoHTML returns the logo block for the top of an email, or "" when no
// logo URL is available.
func LogoHTML(url string) string {
	if url == "" {
		return ""
	}
	return `<div style="margin-bottom:20px"><img src="` + html.EscapeString(url) + `" style="max-width:500px;height:auto"></div>`
}

// FooterHTML returns the organisation footer block for HTML bodies.
func FooterHTML(org Org) string {
	var lines []string
	if org.Name != "" {
		lines = append(lines, "<strong>"+html.EscapeString(org.Name)+"</strong>")
	}
	if org.Address != "" {
		lines = append(lines, strings.ReplaceAll(html.EscapeString(org.Address), "\n", "<br>"))
	}
	if org.Phone != "" {
		lines = append(lines, "Tel: "+html.EscapeString(org.Phone))
	}
	if org.Email != "" {
		lines = append(lines, "Email: "+html.EscapeString(org.Email))
	}
	if org.Web != "" {
		lines = append(lines, html.EscapeString(org.Web))
	}

	return `<hr><div style="font-size:12px;color:#666;margin-top:15px">` +
		strings.Join(lines, "<br>") +
		`</div>`
}

// FooterText returns the organisation footer for plain-text bodies.
func FooterText(org Org) string {
	var lines []string
	if org.Name != "" {
		lines = append(lines, org.Name)
	}
	if org.Address != "" {
		lines = append(lines, org.Address)
	}
	if org.Phone != "" {
		lines = append(lines, "Tel: "+org.Phone)
	}
	if org.Email != "" {
		lines = append(lines, "Email: "+org.Email)
	}
	if org.Web != "" {
		lines = append(lines, org.Web)
	}

	return "\n\n---\n" + strings.Join(lines, "\n")
}

// WrapBody assembles the full HTML body: optional logo, rendered content,
// optional organisation footer. The template's own logo URL wins over the
// organisation default.
func WrapBody(renderedHTML string, t *Template, org Org) string {
	var parts []string

	if t.IncludeLogo {
		logoURL := t.LogoURL
		if logoURL == "" {
			logoURL = org.LogoURL
		}
		if block := LogoHTML(logoURL); block != "" {
			parts = append(parts, block)
		}
	}

	parts = append(parts, renderedHTML)

	if t.IncludeFooter {
		parts = append(parts, FooterHTML(org))
	}

	return strings.Join(parts, "\n")
}
