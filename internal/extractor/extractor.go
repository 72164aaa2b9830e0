// Package extractor 从邮件文本中提取一次性验证码。
package extractor

import (
	"regexp"

	"mailcode/backend/internal/domain"
)

// DefaultPatterns 是按顺序尝试的匹配规则。
//
// 带捕获组的规则取第一个分组，不带分组的规则取整个匹配。
var DefaultPatterns = []string{
	`\b\d{4,8}\b`,
	`(?i)验证码[：:]\s*(\d{4,8})`,
	`(?i)verification code[：:]\s*(\d{4,8})`,
	`(?i)code[：:]\s*(\d{4,8})`,
	`(?i)OTP[：:]\s*(\d{4,8})`,
	`(?i)PIN[：:]\s*(\d{4,8})`,
}

// Extractor 级联匹配验证码
type Extractor struct {
	patterns []*regexp.Regexp
}

// New 使用 DefaultPatterns 创建提取器
func New() *Extractor {
	e, err := NewWithPatterns(DefaultPatterns)
	if err != nil {
		panic(err)
	}
	return e
}

// NewWithPatterns 使用自定义规则创建提取器
func NewWithPatterns(patterns []string) (*Extractor, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return &Extractor{patterns: compiled}, nil
}

// Candidates 返回去重后的合法候选码，顺序为规则顺序再按出现位置
func (e *Extractor) Candidates(text string) []string {
	seen := make(map[string]struct{})
	var out []string

	for _, re := range e.patterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			candidate := m[0]
			if len(m) > 1 {
				candidate = m[1]
			}
			if _, dup := seen[candidate]; dup {
				continue
			}
			seen[candidate] = struct{}{}
			if domain.IsValidCode(candidate) {
				out = append(out, candidate)
			}
		}
	}
	return out
}

// Extract 返回最长的候选码，长度相同时取先出现的；没有候选时返回 false
func (e *Extractor) Extract(text string) (string, bool) {
	var winner string
	for _, c := range e.Candidates(text) {
		if len(c) > len(winner) {
			winner = c
		}
	}
	return winner, winner != ""
}
