package domain

import "time"

// 同步状态
const (
	SyncStatusSuccess = "success"
	SyncStatusFailed  = "failed"
)

// 服务状态文案
const (
	ServerStatusOK       = "正常"
	ServerStatusDegraded = "异常"
)

// SyncResult 记录一次目录同步的结果。
type SyncResult struct {
	Status            string    `json:"sync_status"`
	LocalMailboxes    int       `json:"local_emails"`
	DirectoryAccounts int       `json:"mailu_users"`
	Deactivated       int       `json:"deactivated"`
	Removed           int       `json:"removed"`
	Error             string    `json:"error,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Succeeded 判断同步是否成功
func (r *SyncResult) Succeeded() bool {
	return r != nil && r.Status == SyncStatusSuccess
}

// SystemStats 是缓存在 stats:system 下的聚合统计。
type SystemStats struct {
	TotalMailboxes    int64       `json:"total_emails"`
	UsableMailboxes   int64       `json:"active_emails"`
	TotalCodes        int64       `json:"total_codes"`
	DirectoryAccounts int64       `json:"mailu_users"` // -1 表示未知
	LastSync          *SyncResult `json:"last_sync,omitempty"`
	ServerStatus      string      `json:"server_status"`
	UpdatedAt         time.Time   `json:"updated_at"`
}
