package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcode/backend/internal/domain"
)

type fakeLookup map[string]*domain.MailboxSnapshot

func (f fakeLookup) Lookup(_ context.Context, address string) (*domain.MailboxSnapshot, error) {
	if s, ok := f[address]; ok {
		return s, nil
	}
	return nil, errors.New("mailbox not found")
}

func newTestServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	lookup := fakeLookup{
		"abc12345@example.com": {Address: "abc12345@example.com", Active: true, ExpiresAt: time.Now().Add(time.Hour)},
		"expired@example.com":  {Address: "expired@example.com", Active: true, ExpiresAt: time.Now().Add(-time.Hour)},
	}
	hub := NewHub(nil, lookup, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws/emails/:email", HandleWebSocket(hub))
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHubPushesCodes(t *testing.T) {
	hub, srv := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/emails/ABC12345@example.com"), nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readMessage(t, conn)
	assert.Equal(t, MessageTypeSubscribed, first.Type)
	assert.Equal(t, "abc12345@example.com", first.Email)

	require.Eventually(t, func() bool { return hub.Subscribers("abc12345@example.com") == 1 },
		2*time.Second, 10*time.Millisecond)

	received := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	hub.NotifyCode("abc12345@example.com", &domain.VerificationCode{
		Code: "888123", Sender: "noreply@service.com", Subject: "Your code: 888123", ReceivedAt: received,
	})
	hub.NotifyCode("other@example.com", &domain.VerificationCode{Code: "000000"})

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeCode, msg.Type)

	var event CodeEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, "888123", event.Code)
	assert.Equal(t, "noreply@service.com", event.Sender)
	assert.True(t, received.Equal(event.ReceivedAt))
}

func TestHubUnregistersOnClose(t *testing.T) {
	hub, srv := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/emails/abc12345@example.com"), nil)
	require.NoError(t, err)
	readMessage(t, conn)

	require.Eventually(t, func() bool { return hub.Subscribers("abc12345@example.com") == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers("abc12345@example.com") == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestHandleWebSocketRejects(t *testing.T) {
	_, srv := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"地址格式错误", "/ws/emails/not-an-address", http.StatusBadRequest},
		{"邮箱不存在", "/ws/emails/missing@example.com", http.StatusNotFound},
		{"邮箱已过期", "/ws/emails/expired@example.com", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tt.path), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	up := upgraderFactory([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, up.CheckOrigin(req))
}
