package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		expected bool
	}{
		{"Valid email", "test@example.com", true},
		{"Valid email with subdomain", "user@mail.example.com", true},
		{"Valid email with plus", "user+tag@example.com", true},
		{"Valid email with percent", "a%b@example.com", true},
		{"Surrounding whitespace", "  abc12345@example.com ", true},
		{"Invalid email - no @", "testexample.com", false},
		{"Invalid email - no domain", "test@", false},
		{"Invalid email - no tld", "test@example", false},
		{"Invalid email - no local part", "@example.com", false},
		{"Invalid email - multiple @", "test@@example.com", false},
		{"Invalid email - empty", "", false},
		{"Invalid email - spaces", "test @example.com", false},
		{"Invalid email - invalid characters", "test$@example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsValidEmail(tt.email))
		})
	}

	assert.ErrorIs(t, ValidateEmail(strings.Repeat("a", 250)+"@example.com"), ErrEmailTooLong)
}

func TestIsValidCode(t *testing.T) {
	assert.True(t, IsValidCode("1234"))
	assert.True(t, IsValidCode("12345678"))
	assert.False(t, IsValidCode("123"))
	assert.False(t, IsValidCode("123456789"))
	assert.False(t, IsValidCode("12a456"))
	assert.False(t, IsValidCode(""))
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", DomainOf("Abc@Example.COM"))
	assert.Equal(t, "", DomainOf("no-at-sign"))
}

func TestSplitRecipients(t *testing.T) {
	assert.Equal(t,
		[]string{"a@x.com", "b@y.com", "c@z.com"},
		SplitRecipients(" a@x.com, b@y.com;c@z.com ;; "))
	assert.Empty(t, SplitRecipients(" ; , "))
}
