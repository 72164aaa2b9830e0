package domain

import (
	"time"
	"unicode/utf8"
)

// MaxContentLength 是验证码记录中保存的正文摘录上限（字符数）
const MaxContentLength = 4000

// VerificationCode 是从一封邮件中提取出的验证码记录。
//
// 同一邮箱可以有多条记录；"当前验证码"由缓存或最新记录推导，不单独存储。
type VerificationCode struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	MailboxID  uint      `json:"-" gorm:"column:temp_email_id;not null;index"`
	Code       string    `json:"code" gorm:"type:varchar(20);not null"`
	Sender     string    `json:"sender" gorm:"type:varchar(255)"`
	Subject    string    `json:"subject" gorm:"type:text"`
	Content    string    `json:"content" gorm:"type:text"`
	ReceivedAt time.Time `json:"received_at" gorm:"index"`
	IsRead     bool      `json:"is_read" gorm:"not null"`
}

// TableName 指定表名
func (VerificationCode) TableName() string {
	return "verification_codes"
}

// InboundMessage 是轮询器输出的规范化邮件。
type InboundMessage struct {
	MessageID  string    `json:"message_id"` // IMAP UID
	HeaderID   string    `json:"header_id,omitempty"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Text 返回用于验证码匹配的文本：主题 + 空格 + 正文
func (m *InboundMessage) Text() string {
	return m.Subject + " " + m.Body
}

// Excerpt 截断到 limit 个字符，超出时追加 suffix
func Excerpt(s string, limit int, suffix string) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + suffix
}
