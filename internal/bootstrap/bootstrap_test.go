package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcode/backend/internal/cache"
	"mailcode/backend/internal/config"
	"mailcode/backend/internal/smtp"
	"mailcode/backend/internal/storage/memory"
	rediscache "mailcode/backend/internal/storage/redis"
	sqlstore "mailcode/backend/internal/storage/sql"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("未配置数据库时使用内存存储", func(t *testing.T) {
		store, err := OpenStore(ctx, config.DatabaseConfig{}, 0, nil)
		require.NoError(t, err)
		assert.IsType(t, &memory.Store{}, store)
	})

	t.Run("sqlite", func(t *testing.T) {
		dsn := filepath.Join(t.TempDir(), "mailcode.db")
		store, err := OpenStore(ctx, config.DatabaseConfig{Type: "sqlite", DSN: dsn}, time.Second, nil)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &sqlstore.Store{}, store)
		assert.NoError(t, store.Ping(ctx))
	})

	t.Run("不支持的类型", func(t *testing.T) {
		_, err := OpenStore(ctx, config.DatabaseConfig{Type: "oracle", DSN: "x"}, 0, nil)
		assert.ErrorContains(t, err, "unsupported database type")
	})

	t.Run("缺少 DSN", func(t *testing.T) {
		_, err := OpenStore(ctx, config.DatabaseConfig{Type: "postgres"}, 0, nil)
		assert.Error(t, err)
	})
}

func TestOpenCache(t *testing.T) {
	local, err := OpenCache(config.RedisConfig{}, nil)
	require.NoError(t, err)
	defer local.Close()
	assert.IsType(t, &cache.LocalCache{}, local)

	mr := miniredis.RunT(t)
	remote, err := OpenCache(config.RedisConfig{Address: mr.Addr()}, nil)
	require.NoError(t, err)
	defer remote.Close()
	assert.IsType(t, &rediscache.Cache{}, remote)
	assert.NoError(t, remote.Ping(context.Background()))
}

func TestNewSender(t *testing.T) {
	ctx := context.Background()

	sender, err := NewSender(ctx, &config.Config{SMTP: config.SMTPConfig{Provider: "smtp", Host: "localhost", Port: 2525}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &smtp.Relay{}, sender)
	assert.Equal(t, "smtp", sender.Name())

	_, err = NewSender(ctx, &config.Config{SMTP: config.SMTPConfig{Provider: "ses"}}, nil)
	assert.Error(t, err)

	_, err = NewSender(ctx, &config.Config{SMTP: config.SMTPConfig{Provider: "carrier-pigeon"}}, nil)
	assert.ErrorContains(t, err, "unsupported smtp provider")
}
