package httptransport

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/middleware"
)

const defaultFailureLimit = 50

// listTriggers 返回调度器各触发器的状态
func (h *Handler) listTriggers(c *gin.Context) {
	if h.triggers == nil {
		Error(c, http.StatusServiceUnavailable, MsgSchedulerDisabled)
		return
	}
	states := h.triggers.Snapshot()
	Success(c, gin.H{"triggers": states, "count": len(states)})
}

// fireTrigger 立即触发一次 sweep / sync / cleanup
func (h *Handler) fireTrigger(c *gin.Context) {
	if h.triggers == nil {
		Error(c, http.StatusServiceUnavailable, MsgSchedulerDisabled)
		return
	}

	name := c.Param("name")
	if err := h.triggers.Fire(c.Request.Context(), name); err != nil {
		h.respondError(c, err, MsgTriggerFailed)
		return
	}

	h.log.Info("trigger fired manually",
		zap.String("trigger", name),
		zap.String("admin", c.GetString(middleware.ContextAdminSubject)))
	SuccessWithMsg(c, "任务已派发", gin.H{"trigger": name})
}

// requestPoll 为单个邮箱派发一次轮询
func (h *Handler) requestPoll(c *gin.Context) {
	address := c.Param("email")
	if err := h.mailboxes.RequestPoll(c.Request.Context(), address); err != nil {
		h.respondError(c, err, MsgPollRequestFailed)
		return
	}
	SuccessWithMsg(c, "轮询任务已派发", gin.H{"email": domain.NormalizeAddress(address)})
}

// listTaskFailures 返回最近的永久失败任务，limit 默认 50，最大 200
func (h *Handler) listTaskFailures(c *gin.Context) {
	limit := defaultFailureLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			BadRequest(c, MsgInvalidRequest)
			return
		}
		limit = n
	}

	failures, err := h.mailboxes.TaskFailures(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err, MsgFailureListFailed)
		return
	}
	if failures == nil {
		failures = []domain.TaskFailure{}
	}
	Success(c, gin.H{"items": failures, "count": len(failures)})
}
