package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractPlaceholders(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"none", "plain text", nil},
		{"simple", "Hello {{first_name}}", []string{"first_name"}},
		{"whitespace and case", "{{ First_Name }} and {{EMAIL}}", []string{"first_name", "email"}},
		{"duplicates removed", "{{url}} {{url}} {{name}}", []string{"url", "name"}},
		{"unclosed ignored", "{{oops and {{ok}}", []string{"ok"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractPlaceholders(tt.input))
		})
	}
}

func TestValidateCleanTemplate(t *testing.T) {
	result := Validate(sampleTemplate())
	assert.True(t, result.Valid())
	assert.Empty(t, result.Errors)
	// HTML only, so the plain-text warning is expected
	assert.Equal(t, []string{WarningNoPlainText}, result.Warnings)
}

func TestValidateStructuralErrors(t *testing.T) {
	result := Validate(&Template{})
	assert.False(t, result.Valid())
	assert.Equal(t, []string{
		ErrorMissingName,
		ErrorMissingSubject,
		ErrorNoFieldsDefined,
		ErrorNoMessageBody,
	}, result.Errors)
}

func TestValidateEmailFieldDisabled(t *testing.T) {
	tpl := sampleTemplate()
	tpl.Fields["email"] = FieldOption{Use: false, Required: false}

	result := Validate(tpl)
	assert.Contains(t, result.Errors, ErrorEmailFieldDisabled)
}

func TestValidateAddressErrors(t *testing.T) {
	tpl := sampleTemplate()
	tpl.FromEmail = "not-an-address"
	tpl.ReplyTo = "also bad"

	result := Validate(tpl)
	assert.Contains(t, result.Errors, ErrorInvalidFromEmail)
	assert.Contains(t, result.Errors, ErrorInvalidReplyTo)
}

func TestValidateRequiredFieldNotUsed(t *testing.T) {
	tpl := sampleTemplate()
	tpl.Fields["member_id"] = FieldOption{Use: true, Required: true}

	result := Validate(tpl)
	assert.True(t, result.Valid())
	assert.Contains(t, result.Warnings, WarningRequiredFieldNotUsed+":member_id")
	// Email never triggers the not-used warning, it is the recipient address
	assert.NotContains(t, result.Warnings, WarningRequiredFieldNotUsed+":email")
}

func TestValidatePlaceholderNotDeclared(t *testing.T) {
	tpl := sampleTemplate()
	tpl.BodyHTML += " {{nickname}}"

	result := Validate(tpl)
	assert.Contains(t, result.Warnings, WarningPlaceholderNotDeclare+":nickname")
}

func TestValidateTextOnlyWarnsNoHTML(t *testing.T) {
	tpl := sampleTemplate()
	tpl.BodyHTML = ""
	tpl.BodyText = "Dear {{first_name}}, renew at {{url}}."

	result := Validate(tpl)
	assert.True(t, result.Valid())
	assert.Contains(t, result.Warnings, WarningNoHTML)
}
