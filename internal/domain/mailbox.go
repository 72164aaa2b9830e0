package domain

import (
	"fmt"
	"time"
)

// Mailbox 表示一个已开通的临时邮箱账号。
//
// ExpiresAt 在创建时确定，之后不再修改；Active 只会由目录同步和删除操作置为 false。
type Mailbox struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	Address    string    `json:"email" gorm:"column:email;type:varchar(255);uniqueIndex;not null"`
	Domain     string    `json:"domain" gorm:"type:varchar(100);index;not null"`
	Credential string    `json:"-" gorm:"column:password;type:varchar(512);not null"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at" gorm:"not null;index"`
	Active     bool      `json:"is_active" gorm:"column:is_active;not null;index"`
	ClientIP   string    `json:"-" gorm:"column:user_ip;type:varchar(45)"`
	UserAgent  string    `json:"-" gorm:"type:text"`

	Codes []VerificationCode `json:"-" gorm:"foreignKey:MailboxID;constraint:OnDelete:CASCADE"`
}

// TableName 指定表名
func (Mailbox) TableName() string {
	return "temp_emails"
}

// Usable 判断邮箱当前是否可用：处于激活状态且尚未过期。
func (m *Mailbox) Usable(now time.Time) bool {
	return m.Active && now.Before(m.ExpiresAt)
}

// Expired 判断邮箱是否已过期
func (m *Mailbox) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// Snapshot 返回不含凭据的只读视图，用于缓存和接口输出。
func (m *Mailbox) Snapshot() MailboxSnapshot {
	return MailboxSnapshot{
		ID:        m.ID,
		Address:   m.Address,
		Domain:    m.Domain,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
		Active:    m.Active,
	}
}

// MailboxSnapshot 是缓存在 email:{address} 下的邮箱信息。
type MailboxSnapshot struct {
	ID        uint      `json:"id"`
	Address   string    `json:"email"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"is_active"`
}

// Usable 与 Mailbox.Usable 语义一致
func (s *MailboxSnapshot) Usable(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

// ExpiredLabel 是已过期或已停用邮箱的剩余时间文案
const ExpiredLabel = "已过期"

// FormatRemaining 将剩余时长格式化为 "X小时Y分钟" / "Y分钟Z秒" / "Z秒"，非正数返回 "已过期"。
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return ExpiredLabel
	}
	total := int(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%d小时%d分钟", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%d分钟%d秒", minutes, seconds)
	default:
		return fmt.Sprintf("%d秒", seconds)
	}
}

// TimeRemaining 返回邮箱的剩余时间文案，停用的邮箱视为已过期。
func (m *Mailbox) TimeRemaining(now time.Time) string {
	if !m.Active {
		return ExpiredLabel
	}
	return FormatRemaining(m.ExpiresAt.Sub(now))
}

// TimestampLayout 是接口返回的时间格式
const TimestampLayout = "2006-01-02 15:04:05 UTC"

// FormatTimestamp 以 UTC 输出接口时间
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
