package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	e := New()

	tests := []struct {
		name  string
		text  string
		code  string
		found bool
	}{
		{"中文标签", "您的验证码: 123456, order 42", "123456", true},
		{"英文标签", "Your code: 888123 ", "888123", true},
		{"全角冒号", "验证码：5521", "5521", true},
		{"大小写不敏感", "VERIFICATION CODE: 77889900", "77889900", true},
		{"OTP", "otp:4455 expires soon", "4455", true},
		{"PIN 紧贴", "PIN:246810", "246810", true},
		{"最长者胜出", "order 1234 confirmed, code 987654", "987654", true},
		{"等长取先出现", "1111 then 2222", "1111", true},
		{"裸数字", "Use 4321 to sign in", "4321", true},
		{"过短", "your code is 123", "", false},
		{"字母混入", "code 12a456", "", false},
		{"无数字", "Welcome aboard!", "", false},
		{"空文本", "", "", false},
		{"超长数字串不被裸规则命中", "tracking 1234567890123", "", false},
		{"标签后超长数字取前八位", "code: 123456789", "12345678", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, found := e.Extract(tt.text)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestExtractDeterministic(t *testing.T) {
	e := New()
	text := "Order 42 shipped. 您的验证码: 123456. Ref 7788"
	first, _ := e.Extract(text)
	for i := 0; i < 50; i++ {
		got, ok := e.Extract(text)
		require.True(t, ok)
		assert.Equal(t, first, got)
	}
	assert.Equal(t, "123456", first)
}

func TestCandidates(t *testing.T) {
	e := New()

	got := e.Candidates("code: 4455, again 4455 and 12a456 and 99887766")
	assert.Equal(t, []string{"4455", "99887766"}, got, "去重且过滤非法候选")

	for _, c := range e.Candidates("12a456 1a2b3c4d") {
		assert.Regexp(t, `^\d{4,8}$`, c)
	}
}

func TestNewWithPatterns(t *testing.T) {
	_, err := NewWithPatterns([]string{"("})
	assert.Error(t, err)

	e, err := NewWithPatterns([]string{`ref-(\d{4})`})
	require.NoError(t, err)
	code, ok := e.Extract("ref-9012 and 123456")
	assert.True(t, ok)
	assert.Equal(t, "9012", code)
}
