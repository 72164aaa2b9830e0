package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mailcode/backend/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// MailboxLookup 用于在升级连接前确认邮箱可用
type MailboxLookup interface {
	Lookup(ctx context.Context, address string) (*domain.MailboxSnapshot, error)
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeCode       MessageType = "verification_code"
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeError      MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Email     string          `json:"email,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// CodeEvent 新验证码通知数据
type CodeEvent struct {
	Email      string    `json:"email"`
	Code       string    `json:"code"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"received_at"`
}

// Client 代表订阅某个邮箱的一个连接
type Client struct {
	ID      string
	Address string
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
}

type broadcast struct {
	address string
	payload []byte
}

// Hub 按邮箱地址管理 WebSocket 连接
//
// 每个连接只订阅一个地址，注册、注销和广播都在 Run 的单个 goroutine 中串行处理。
type Hub struct {
	mailboxes      map[string]map[string]*Client // address -> clientID -> Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan broadcast
	done           chan struct{}
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	lookup         MailboxLookup
}

// NewHub 创建 WebSocket Hub，allowedOrigins 为空时允许所有来源
func NewHub(allowedOrigins []string, lookup MailboxLookup, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		mailboxes:      make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan broadcast, 256),
		done:           make(chan struct{}),
		log:            log,
		allowedOrigins: allowedOrigins,
		lookup:         lookup,
	}
}

// Run 启动 Hub，ctx 结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			h.log.Info("websocket hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.mailboxes[client.Address] == nil {
				h.mailboxes[client.Address] = make(map[string]*Client)
			}
			h.mailboxes[client.Address][client.ID] = client
			h.mu.Unlock()
			h.log.Debug("client subscribed",
				zap.String("client_id", client.ID),
				zap.String("address", client.Address))

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.mailboxes[client.Address]
	if !ok {
		return
	}
	if _, ok := clients[client.ID]; !ok {
		return
	}
	delete(clients, client.ID)
	if len(clients) == 0 {
		delete(h.mailboxes, client.Address)
	}
	close(client.send)
	h.log.Debug("client unsubscribed", zap.String("client_id", client.ID))
}

// Subscribers 返回订阅该地址的连接数
func (h *Hub) Subscribers(address string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.mailboxes[strings.ToLower(address)])
}

// NotifyCode 向订阅该邮箱的连接推送新验证码，无人订阅时直接返回
func (h *Hub) NotifyCode(address string, code *domain.VerificationCode) {
	address = strings.ToLower(address)
	if h.Subscribers(address) == 0 {
		return
	}

	data, err := json.Marshal(CodeEvent{
		Email:      address,
		Code:       code.Code,
		Sender:     code.Sender,
		Subject:    code.Subject,
		ReceivedAt: code.ReceivedAt,
	})
	if err != nil {
		h.log.Error("failed to marshal code event", zap.Error(err))
		return
	}
	payload, err := json.Marshal(&Message{
		Type:      MessageTypeCode,
		Email:     address,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- broadcast{address: address, payload: payload}:
	case <-h.done:
	default:
		h.log.Warn("websocket broadcast buffer full, dropping event", zap.String("address", address))
	}
}

func (h *Hub) deliver(msg broadcast) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.mailboxes[msg.address] {
		select {
		case client.send <- msg.payload:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("client_id", client.ID))
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.mailboxes {
		for _, client := range clients {
			close(client.send)
		}
	}
	h.mailboxes = make(map[string]map[string]*Client)
}

// HandleWebSocket 处理 /ws/emails/:email
//
// 邮箱不存在或不可用时返回 404，不升级连接。
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		address := strings.ToLower(strings.TrimSpace(c.Param("email")))
		if !domain.IsValidEmail(address) {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "msg": "邮箱地址格式无效"})
			return
		}

		snapshot, err := hub.lookup.Lookup(c.Request.Context(), address)
		if err != nil || snapshot == nil || !snapshot.Usable(time.Now()) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "msg": "邮箱不存在或已过期"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:      uuid.NewString(),
			Address: address,
			conn:    conn,
			send:    make(chan []byte, sendBuffer),
			hub:     hub,
		}

		client.sendMessage(&Message{Type: MessageTypeSubscribed, Email: address, Timestamp: time.Now().UTC()})

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump 只处理控制帧与关闭，客户端发来的数据帧被忽略
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendMessage 在注册前写入欢迎消息，缓冲区足够容纳
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
