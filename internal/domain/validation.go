package domain

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrInvalidEmail = errors.New("invalid email format")
	ErrEmailTooLong = errors.New("email address too long")
)

// MaxEmailLength 是 RFC 5321 规定的地址最大长度
const MaxEmailLength = 254

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	codeRegex  = regexp.MustCompile(`^\d{4,8}$`)
)

// NormalizeAddress 去除首尾空白并转为小写
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ValidateEmail 校验邮箱地址格式
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}
	if !emailRegex.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

// IsValidEmail 是 ValidateEmail 的布尔形式
func IsValidEmail(email string) bool {
	return ValidateEmail(email) == nil
}

// DomainOf 返回地址的域名部分（小写），无法解析时返回空串
func DomainOf(address string) string {
	_, domain, ok := strings.Cut(NormalizeAddress(address), "@")
	if !ok {
		return ""
	}
	return domain
}

// IsValidCode 判断验证码是否为 4-8 位纯数字
func IsValidCode(code string) bool {
	return codeRegex.MatchString(code)
}

// SplitRecipients 按逗号或分号拆分收件人列表，去掉空项
func SplitRecipients(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
