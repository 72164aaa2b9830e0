package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mailcode/backend/internal/scheduler"
	"mailcode/backend/internal/security"
	"mailcode/backend/internal/service"
	"mailcode/backend/internal/storage"
	"mailcode/backend/internal/tasks"
)

// errorMapping 业务错误 -> HTTP 状态码与中文消息
type errorMapping struct {
	err    error
	status int
	msg    string
}

// 按顺序匹配，第一个 errors.Is 命中的生效
var errorMappings = []errorMapping{
	// 邮箱
	{service.ErrInvalidAddress, http.StatusBadRequest, "邮箱地址格式无效"},
	{service.ErrDomainNotAllowed, http.StatusBadRequest, "域名不在允许列表中"},
	{service.ErrInvalidExpiry, http.StatusBadRequest, "有效期必须在 1 到 168 小时之间"},
	{storage.ErrMailboxNotFound, http.StatusNotFound, "邮箱不存在"},
	{storage.ErrMailboxExists, http.StatusConflict, "邮箱已存在"},
	{storage.ErrCodeNotFound, http.StatusNotFound, "验证码记录不存在"},

	// 发信
	{service.ErrNoRecipients, http.StatusBadRequest, "收件人不能为空"},
	{service.ErrSenderNotAllowed, http.StatusForbidden, "发件人无权发信"},
	{service.ErrRateLimited, http.StatusTooManyRequests, "发信过于频繁，请稍后重试"},
	{service.ErrRelayCredentialMissing, http.StatusServiceUnavailable, "发信服务未配置"},
	{security.ErrContentRejected, http.StatusUnprocessableEntity, "邮件内容未通过安全检查"},

	// 任务
	{tasks.ErrQueueFull, http.StatusServiceUnavailable, "系统繁忙，请稍后重试"},
	{tasks.ErrDispatcherStopped, http.StatusServiceUnavailable, "服务正在关闭"},
	{scheduler.ErrUnknownTrigger, http.StatusNotFound, "触发器不存在"},
}

// lookupError 返回错误对应的状态码与消息，未知错误返回 500 与 fallback
func lookupError(err error, fallback string) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.msg
		}
	}
	return http.StatusInternalServerError, fallback
}

// respondError 写出错误响应，内部错误文本只进日志
func (h *Handler) respondError(c *gin.Context, err error, fallback string) {
	status, msg := lookupError(err, fallback)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	Error(c, status, msg)
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgInvalidCodeID  = "验证码记录编号无效"

	MsgMailboxCreateFailed = "创建邮箱失败"
	MsgMailboxListFailed   = "获取邮箱列表失败"
	MsgMailboxDeleteFailed = "删除邮箱失败"
	MsgCodeGetFailed       = "获取验证码失败"
	MsgHistoryGetFailed    = "获取验证记录失败"
	MsgMarkReadFailed      = "标记已读失败"
	MsgSendFailed          = "发送邮件失败"
	MsgStatsGetFailed      = "获取统计数据失败"

	MsgTriggerFailed     = "触发任务失败"
	MsgPollRequestFailed = "派发轮询任务失败"
	MsgFailureListFailed = "获取失败任务列表失败"
	MsgSchedulerDisabled = "调度器未启用"
	MsgInternalError     = "服务器内部错误，请稍后重试"
)
