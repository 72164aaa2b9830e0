// Package mailparse 把原始 RFC 5322 邮件解码为规范化的入站消息。
package mailparse

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"

	"mailcode/backend/internal/domain"
)

const (
	// DefaultSubject 缺少主题时使用
	DefaultSubject = "No Subject"
	// DefaultSender 缺少发件人时使用
	DefaultSender = "unknown@sender.com"
	// MaxBodyBytes 单个正文部分最多读取的字节数
	MaxBodyBytes = 256 * 1024
)

var (
	wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}
	htmlPolicy  = bluemonday.StrictPolicy().AddSpaceWhenStrippingTag(true)
)

// Parse 解析原始邮件。
//
// receivedAt 为 IMAP INTERNALDATE，零值时依次回退到 Date 头和当前时间。
// 返回的消息不含 MessageID，由调用方填入 UID。
func Parse(raw []byte, receivedAt time.Time) (*domain.InboundMessage, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse mail: %w", err)
	}
	defer reader.Close()

	msg := &domain.InboundMessage{
		Subject:    DecodeHeader(reader.Header.Get("Subject")),
		Sender:     DecodeHeader(reader.Header.Get("From")),
		ReceivedAt: receivedAt,
	}
	if msg.Subject == "" {
		msg.Subject = DefaultSubject
	}
	if msg.Sender == "" {
		msg.Sender = DefaultSender
	}
	if id, err := reader.Header.MessageID(); err == nil {
		msg.HeaderID = id
	}
	if msg.ReceivedAt.IsZero() {
		if date, err := reader.Header.Date(); err == nil && !date.IsZero() {
			msg.ReceivedAt = date
		} else {
			msg.ReceivedAt = time.Now()
		}
	}
	msg.ReceivedAt = msg.ReceivedAt.UTC()

	mediaType, _, _ := reader.Header.ContentType()
	multipart := strings.HasPrefix(strings.ToLower(mediaType), "multipart/")

	body, err := readBody(reader, multipart)
	if err != nil {
		return nil, err
	}
	msg.Body = body
	return msg, nil
}

// readBody 取第一个 text/plain 部分；多部分邮件没有纯文本时取第一个 text/html 并转为文本
func readBody(reader *mail.Reader, multipart bool) (string, error) {
	var htmlBody string
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return "", fmt.Errorf("read part: %w", err)
		}
		if part == nil {
			continue
		}

		mediaType, ok := bodyPartType(part.Header)
		if !ok {
			continue
		}
		content, err := io.ReadAll(io.LimitReader(part.Body, MaxBodyBytes))
		if err != nil {
			continue
		}
		text := strings.ToValidUTF8(string(content), "")

		if !multipart {
			return text, nil
		}
		switch strings.ToLower(mediaType) {
		case "text/plain":
			return text, nil
		case "text/html":
			if htmlBody == "" {
				htmlBody = text
			}
		}
	}

	if htmlBody != "" {
		return HTMLToText(htmlBody), nil
	}
	return "", nil
}

// bodyPartType 判断是否为正文部分；缺少 Content-Type 的部分按 text/plain 处理
func bodyPartType(h mail.PartHeader) (string, bool) {
	if disp, _, err := mime.ParseMediaType(h.Get("Content-Disposition")); err == nil && strings.EqualFold(disp, "attachment") {
		return "", false
	}
	raw := strings.TrimSpace(h.Get("Content-Type"))
	if raw == "" {
		return "text/plain", true
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return "text/plain", true
	}
	mediaType = strings.ToLower(mediaType)
	return mediaType, strings.HasPrefix(mediaType, "text/")
}

// DecodeHeader 解码 RFC 2047 编码字，相邻的编码字会被合并
func DecodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return strings.ToValidUTF8(value, "")
	}
	return strings.TrimSpace(strings.ToValidUTF8(decoded, ""))
}

// HTMLToText 去掉所有标签并合并空白
func HTMLToText(s string) string {
	stripped := html.UnescapeString(htmlPolicy.Sanitize(s))
	return strings.Join(strings.Fields(stripped), " ")
}
