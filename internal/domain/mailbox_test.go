package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMailboxUsable(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		active    bool
		expiresAt time.Time
		usable    bool
	}{
		{"激活且未过期", true, now.Add(time.Minute), true},
		{"激活但恰好到期", true, now, false},
		{"激活但已过期", true, now.Add(-time.Second), false},
		{"停用且未过期", false, now.Add(time.Hour), false},
		{"停用且已过期", false, now.Add(-time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Mailbox{Active: tt.active, ExpiresAt: tt.expiresAt}
			assert.Equal(t, tt.usable, m.Usable(now))

			snap := m.Snapshot()
			assert.Equal(t, tt.usable, snap.Usable(now))
		})
	}
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "2小时5分钟", FormatRemaining(2*time.Hour+5*time.Minute+30*time.Second))
	assert.Equal(t, "3分钟7秒", FormatRemaining(3*time.Minute+7*time.Second))
	assert.Equal(t, "42秒", FormatRemaining(42*time.Second))
	assert.Equal(t, ExpiredLabel, FormatRemaining(0))
	assert.Equal(t, ExpiredLabel, FormatRemaining(-time.Minute))
}

func TestMailboxTimeRemaining(t *testing.T) {
	now := time.Now()
	m := &Mailbox{Active: false, ExpiresAt: now.Add(time.Hour)}
	assert.Equal(t, ExpiredLabel, m.TimeRemaining(now))

	m.Active = true
	assert.Equal(t, "1小时0分钟", m.TimeRemaining(now))
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "short", Excerpt("short", 200, "..."))
	assert.Equal(t, "验证码...", Excerpt("验证码是123456", 3, "..."))
}

func TestInboundMessageText(t *testing.T) {
	m := &InboundMessage{Subject: "Your code: 888123", Body: "thanks"}
	assert.Equal(t, "Your code: 888123 thanks", m.Text())
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("CST", 8*3600))
	assert.Equal(t, "2026-03-03 21:06:07 UTC", FormatTimestamp(ts))
}
