package httptransport

import (
	"errors"
	"io"
	"strconv"

	"github.com/gin-gonic/gin"

	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/service"
)

type createMailboxRequest struct {
	Domain      string `json:"domain"`
	ExpireHours int    `json:"expire_hours"` // 缺省 24，范围 1..168
}

type createdMailboxResponse struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	ExpiresAt     string `json:"expires_at"`
	TimeRemaining string `json:"time_remaining"`
	CreatedAt     string `json:"created_at"`
}

type mailboxResponse struct {
	Email         string `json:"email"`
	Domain        string `json:"domain"`
	CreatedAt     string `json:"created_at"`
	ExpiresAt     string `json:"expires_at"`
	TimeRemaining string `json:"time_remaining"`
}

type mailboxListResponse struct {
	Items []mailboxResponse `json:"items"`
	Count int               `json:"count"`
}

type codeResponse struct {
	Email         string `json:"email"`
	Code          string `json:"code"`
	Found         bool   `json:"found"`
	LastChecked   string `json:"last_checked"`
	TimeRemaining string `json:"time_remaining"`
	ExpiresAt     string `json:"expires_at"`
}

type verificationResponse struct {
	ID         uint   `json:"id"`
	Code       string `json:"code"`
	Sender     string `json:"sender"`
	Subject    string `json:"subject"`
	Content    string `json:"content"`
	ReceivedAt string `json:"received_at"`
	IsRead     bool   `json:"is_read"`
}

type verificationListResponse struct {
	Email         string                 `json:"email"`
	Verifications []verificationResponse `json:"verifications"`
	Count         int                    `json:"count"`
}

// createMailbox 创建临时邮箱，密码只在本次响应中返回
func (h *Handler) createMailbox(c *gin.Context) {
	var req createMailboxRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	created, err := h.mailboxes.Create(c.Request.Context(), service.CreateMailboxInput{
		Domain:      req.Domain,
		ExpireHours: req.ExpireHours,
		ClientIP:    c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
	})
	if err != nil {
		h.respondError(c, err, MsgMailboxCreateFailed)
		return
	}

	Created(c, createdMailboxResponse{
		Email:         created.Address,
		Password:      created.Credential,
		ExpiresAt:     domain.FormatTimestamp(created.ExpiresAt),
		TimeRemaining: domain.FormatRemaining(created.ExpiresAt.Sub(h.now())),
		CreatedAt:     domain.FormatTimestamp(created.CreatedAt),
	})
}

// listMailboxes 列出可用邮箱，不含凭据
func (h *Handler) listMailboxes(c *gin.Context) {
	mailboxes, err := h.mailboxes.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err, MsgMailboxListFailed)
		return
	}

	now := h.now()
	items := make([]mailboxResponse, 0, len(mailboxes))
	for i := range mailboxes {
		mb := &mailboxes[i]
		items = append(items, mailboxResponse{
			Email:         mb.Address,
			Domain:        mb.Domain,
			CreatedAt:     domain.FormatTimestamp(mb.CreatedAt),
			ExpiresAt:     domain.FormatTimestamp(mb.ExpiresAt),
			TimeRemaining: mb.TimeRemaining(now),
		})
	}
	Success(c, mailboxListResponse{Items: items, Count: len(items)})
}

// getCode 返回邮箱当前的验证码
func (h *Handler) getCode(c *gin.Context) {
	result, err := h.mailboxes.CurrentCode(c.Request.Context(), c.Param("email"))
	if err != nil {
		h.respondError(c, err, MsgCodeGetFailed)
		return
	}

	Success(c, codeResponse{
		Email:         result.Address,
		Code:          result.Code,
		Found:         result.Found,
		LastChecked:   domain.FormatTimestamp(result.LastChecked),
		TimeRemaining: result.TimeRemaining,
		ExpiresAt:     domain.FormatTimestamp(result.ExpiresAt),
	})
}

// listVerifications 返回邮箱的验证码历史，新的在前
func (h *Handler) listVerifications(c *gin.Context) {
	codes, err := h.mailboxes.History(c.Request.Context(), c.Param("email"))
	if err != nil {
		h.respondError(c, err, MsgHistoryGetFailed)
		return
	}

	items := toVerificationResponses(codes)
	Success(c, verificationListResponse{
		Email:         domain.NormalizeAddress(c.Param("email")),
		Verifications: items,
		Count:         len(items),
	})
}

func (h *Handler) markVerificationRead(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		BadRequest(c, MsgInvalidCodeID)
		return
	}

	if err := h.mailboxes.MarkRead(c.Request.Context(), c.Param("email"), uint(id)); err != nil {
		h.respondError(c, err, MsgMarkReadFailed)
		return
	}
	SuccessWithMsg(c, "已标记为已读", gin.H{"id": id})
}

// deleteMailbox 停用邮箱并清除缓存，目录账号删除失败不影响结果
func (h *Handler) deleteMailbox(c *gin.Context) {
	address := c.Param("email")
	if err := h.mailboxes.Delete(c.Request.Context(), address); err != nil {
		h.respondError(c, err, MsgMailboxDeleteFailed)
		return
	}
	SuccessWithMsg(c, "邮箱已删除", gin.H{"email": domain.NormalizeAddress(address)})
}

// recentVerifications 返回每个可用邮箱最近的验证码
func (h *Handler) recentVerifications(c *gin.Context) {
	groups, err := h.mailboxes.RecentCodes(c.Request.Context())
	if err != nil {
		h.respondError(c, err, MsgHistoryGetFailed)
		return
	}

	items := make([]verificationListResponse, 0, len(groups))
	for _, g := range groups {
		codes := toVerificationResponses(g.Codes)
		items = append(items, verificationListResponse{
			Email:         g.Address,
			Verifications: codes,
			Count:         len(codes),
		})
	}
	Success(c, gin.H{"items": items, "count": len(items)})
}

func (h *Handler) getStats(c *gin.Context) {
	stats, err := h.stats.Get(c.Request.Context())
	if err != nil {
		h.respondError(c, err, MsgStatsGetFailed)
		return
	}
	Success(c, stats)
}

func toVerificationResponses(codes []domain.VerificationCode) []verificationResponse {
	out := make([]verificationResponse, 0, len(codes))
	for _, code := range codes {
		out = append(out, verificationResponse{
			ID:         code.ID,
			Code:       code.Code,
			Sender:     code.Sender,
			Subject:    code.Subject,
			Content:    code.Content,
			ReceivedAt: domain.FormatTimestamp(code.ReceivedAt),
			IsRead:     code.IsRead,
		})
	}
	return out
}
