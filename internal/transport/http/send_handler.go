package httptransport

import (
	"github.com/gin-gonic/gin"

	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/service"
)

type sendEmailRequest struct {
	FromEmail string `json:"from_email" binding:"required"`
	ToEmail   string `json:"to_email" binding:"required"` // 多个收件人用逗号或分号分隔
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	HTMLBody  string `json:"html_body"`
}

type sendEmailResponse struct {
	From     string   `json:"from"`
	To       []string `json:"to"`
	Provider string   `json:"provider"`
	SentAt   string   `json:"sent_at"`
}

// sendEmail 通过中继外发邮件
func (h *Handler) sendEmail(c *gin.Context) {
	var req sendEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	result, err := h.sender.Send(c.Request.Context(), service.SendInput{
		From:     req.FromEmail,
		To:       req.ToEmail,
		Subject:  req.Subject,
		Body:     req.Body,
		HTMLBody: req.HTMLBody,
	})
	if err != nil {
		h.respondError(c, err, MsgSendFailed)
		return
	}

	SuccessWithMsg(c, "邮件已发送", sendEmailResponse{
		From:     result.From,
		To:       result.Recipients,
		Provider: result.Provider,
		SentAt:   domain.FormatTimestamp(result.SentAt),
	})
}
