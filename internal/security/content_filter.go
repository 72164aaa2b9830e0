package security

import (
	"errors"
	"regexp"
	"strings"
)

// ErrContentRejected 外发内容未通过检查
var ErrContentRejected = errors.New("outbound content rejected")

// ContentFilter 外发邮件内容过滤器
type ContentFilter struct {
	// 恶意内容模式
	maliciousPatterns []*regexp.Regexp

	// 垃圾邮件关键词
	spamKeywords []string

	// 命中多少个关键词视为垃圾邮件
	spamThreshold int
}

// NewContentFilter 创建内容过滤器
func NewContentFilter() *ContentFilter {
	return &ContentFilter{
		maliciousPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
			regexp.MustCompile(`(?i)javascript:`),
			regexp.MustCompile(`(?i)\bon(load|error|click|mouseover)\s*=`),
			regexp.MustCompile(`(?i)document\.cookie`),
			regexp.MustCompile(`(?i)<iframe[^>]*>`),
			regexp.MustCompile(`(?i)<object[^>]*>`),
			regexp.MustCompile(`(?i)<embed[^>]*>`),
		},
		spamKeywords: []string{
			"viagra", "casino", "lottery", "winner", "congratulations",
			"free money", "click here", "limited time", "act now",
			"guaranteed", "no risk", "earn money", "work from home",
		},
		spamThreshold: 3,
	}
}

// Check 检查主题和正文，不通过时返回包装了 ErrContentRejected 的错误
func (cf *ContentFilter) Check(subject, text, html string) error {
	for _, part := range []string{subject, text, html} {
		if reason, bad := cf.malicious(part); bad {
			return &RejectedError{Reason: reason}
		}
	}
	if cf.spam(subject + "\n" + text + "\n" + html) {
		return &RejectedError{Reason: "multiple spam keywords found"}
	}
	return nil
}

// RejectedError 说明内容被拒绝的原因
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return ErrContentRejected.Error() + ": " + e.Reason
}

func (e *RejectedError) Unwrap() error { return ErrContentRejected }

// malicious 检查恶意内容
func (cf *ContentFilter) malicious(content string) (string, bool) {
	for _, pattern := range cf.maliciousPatterns {
		if pattern.MatchString(content) {
			return "malicious content: " + pattern.String(), true
		}
	}
	return "", false
}

// spam 检查垃圾邮件关键词
func (cf *ContentFilter) spam(content string) bool {
	contentLower := strings.ToLower(content)

	hits := 0
	for _, keyword := range cf.spamKeywords {
		if strings.Contains(contentLower, keyword) {
			hits++
		}
	}
	return hits >= cf.spamThreshold
}
