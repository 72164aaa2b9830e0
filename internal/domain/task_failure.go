package domain

import "time"

// TaskFailure 记录重试耗尽或不可重试的后台任务，需要人工介入。
type TaskFailure struct {
	ID       uint      `json:"id" gorm:"primaryKey"`
	TaskID   string    `json:"task_id" gorm:"type:varchar(36);index;not null"`
	Kind     string    `json:"kind" gorm:"type:varchar(50);index;not null"`
	Queue    string    `json:"queue" gorm:"type:varchar(50);not null"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error" gorm:"type:text"`
	Payload  string    `json:"payload" gorm:"type:text"`
	FailedAt time.Time `json:"failed_at" gorm:"index"`
}

// TableName 指定表名
func (TaskFailure) TableName() string {
	return "task_failures"
}
