package sql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailcode/backend/internal/config"
	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/storage"
)

// Store 基于 GORM 的关系型存储（PostgreSQL、MySQL、SQLite）
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// Open 按配置打开数据库并自动迁移表结构
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	dialector, err := dialectorFor(cfg.Type, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return NewStoreWithDialector(dialector, cfg, log)
}

func dialectorFor(kind, dsn string) (gorm.Dialector, error) {
	switch kind {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		normalized, err := normalizeMySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		return mysql.Open(normalized), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: postgres, mysql, sqlite)", kind)
	}
}

// normalizeMySQLDSN 强制 parseTime 与 UTC，过期时间比较依赖它们
func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysqldrv.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	if _, ok := cfg.Params["charset"]; !ok {
		cfg.Params["charset"] = "utf8mb4"
	}
	return cfg.FormatDSN(), nil
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if dialector.Name() == "sqlite" {
		// SQLite 只允许单写连接
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 25))
		sqlDB.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 5))
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	store := &Store{db: db, log: log}
	if err := store.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("database ready", zap.String("dialect", dialector.Name()))
	return store, nil
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Mailbox{},
		&domain.VerificationCode{},
		&domain.TaskFailure{},
	)
}

// ========== Mailbox Repository ==========

// CreateMailbox 写入新邮箱，地址重复时返回 storage.ErrMailboxExists
func (s *Store) CreateMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	mailbox.Address = domain.NormalizeAddress(mailbox.Address)
	mailbox.ExpiresAt = mailbox.ExpiresAt.UTC()
	if mailbox.CreatedAt.IsZero() {
		mailbox.CreatedAt = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Create(mailbox).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrMailboxExists
	}
	return err
}

// GetMailboxByAddress 根据完整地址获取邮箱（包含已停用和已过期的邮箱）
func (s *Store) GetMailboxByAddress(ctx context.Context, address string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	err := s.db.WithContext(ctx).
		Where("email = ?", domain.NormalizeAddress(address)).
		First(&mailbox).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMailboxNotFound
		}
		return nil, err
	}
	return &mailbox, nil
}

// ListMailboxes 返回全部邮箱
func (s *Store) ListMailboxes(ctx context.Context) ([]domain.Mailbox, error) {
	var mailboxes []domain.Mailbox
	err := s.db.WithContext(ctx).Order("id").Find(&mailboxes).Error
	return mailboxes, err
}

// ListUsableMailboxes 返回激活且未过期的邮箱
func (s *Store) ListUsableMailboxes(ctx context.Context, now time.Time) ([]domain.Mailbox, error) {
	var mailboxes []domain.Mailbox
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND expires_at > ?", true, now.UTC()).
		Order("id").
		Find(&mailboxes).Error
	return mailboxes, err
}

// DeactivateMailbox 停用邮箱，返回本次调用是否改变了状态
func (s *Store) DeactivateMailbox(ctx context.Context, address string) (bool, error) {
	address = domain.NormalizeAddress(address)
	res := s.db.WithContext(ctx).
		Model(&domain.Mailbox{}).
		Where("email = ? AND is_active = ?", address, true).
		Update("is_active", false)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&domain.Mailbox{}).Where("email = ?", address).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, storage.ErrMailboxNotFound
	}
	return false, nil
}

// DeleteMailbox 删除邮箱及其全部验证码记录
func (s *Store) DeleteMailbox(ctx context.Context, address string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mailbox domain.Mailbox
		if err := tx.Where("email = ?", domain.NormalizeAddress(address)).First(&mailbox).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return storage.ErrMailboxNotFound
			}
			return err
		}
		return deleteMailboxes(tx, []uint{mailbox.ID})
	})
}

// DeleteExpiredMailboxes 删除 expires_at < now 的邮箱（无论是否激活）
func (s *Store) DeleteExpiredMailboxes(ctx context.Context, now time.Time) ([]string, error) {
	var removed []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var expired []domain.Mailbox
		if err := tx.Where("expires_at < ?", now.UTC()).Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		ids := make([]uint, 0, len(expired))
		for _, mb := range expired {
			ids = append(ids, mb.ID)
			removed = append(removed, mb.Address)
		}
		return deleteMailboxes(tx, ids)
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// ApplyReconcilePlan 在单个事务中执行目录同步的停用与删除
func (s *Store) ApplyReconcilePlan(ctx context.Context, plan storage.ReconcilePlan) (*storage.ReconcileOutcome, error) {
	outcome := &storage.ReconcileOutcome{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, address := range plan.Deactivate {
			res := tx.Model(&domain.Mailbox{}).
				Where("email = ? AND is_active = ?", domain.NormalizeAddress(address), true).
				Update("is_active", false)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				outcome.Deactivated = append(outcome.Deactivated, address)
			}
		}

		for _, address := range plan.Remove {
			var mailbox domain.Mailbox
			err := tx.Where("email = ? AND is_active = ?", domain.NormalizeAddress(address), false).First(&mailbox).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := deleteMailboxes(tx, []uint{mailbox.ID}); err != nil {
				return err
			}
			outcome.Removed = append(outcome.Removed, address)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// deleteMailboxes 先删验证码再删邮箱，不依赖数据库的外键级联
func deleteMailboxes(tx *gorm.DB, ids []uint) error {
	if err := tx.Where("temp_email_id IN ?", ids).Delete(&domain.VerificationCode{}).Error; err != nil {
		return err
	}
	return tx.Where("id IN ?", ids).Delete(&domain.Mailbox{}).Error
}

// ========== Code Repository ==========

// SaveCode 追加验证码记录，邮箱不存在时返回 storage.ErrMailboxNotFound
func (s *Store) SaveCode(ctx context.Context, address string, code *domain.VerificationCode) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mailbox domain.Mailbox
		if err := tx.Select("id").Where("email = ?", domain.NormalizeAddress(address)).First(&mailbox).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return storage.ErrMailboxNotFound
			}
			return err
		}

		code.MailboxID = mailbox.ID
		code.ReceivedAt = code.ReceivedAt.UTC()
		return tx.Create(code).Error
	})
}

// LatestCode 返回最近收到的验证码
func (s *Store) LatestCode(ctx context.Context, mailboxID uint) (*domain.VerificationCode, error) {
	var code domain.VerificationCode
	err := s.db.WithContext(ctx).
		Where("temp_email_id = ?", mailboxID).
		Order("received_at DESC, id DESC").
		First(&code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, err
	}
	return &code, nil
}

// ListCodes 按接收时间倒序返回验证码记录，limit <= 0 表示不限制
func (s *Store) ListCodes(ctx context.Context, mailboxID uint, limit int) ([]domain.VerificationCode, error) {
	q := s.db.WithContext(ctx).
		Where("temp_email_id = ?", mailboxID).
		Order("received_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var codes []domain.VerificationCode
	err := q.Find(&codes).Error
	return codes, err
}

// MarkCodeRead 标记验证码为已读
func (s *Store) MarkCodeRead(ctx context.Context, mailboxID, codeID uint) error {
	res := s.db.WithContext(ctx).
		Model(&domain.VerificationCode{}).
		Where("id = ? AND temp_email_id = ?", codeID, mailboxID).
		Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrCodeNotFound
	}
	return nil
}

// ========== Stats Repository ==========

// CountMailboxes 返回邮箱总数与可用邮箱数
func (s *Store) CountMailboxes(ctx context.Context, now time.Time) (int64, int64, error) {
	var total, usable int64
	if err := s.db.WithContext(ctx).Model(&domain.Mailbox{}).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	if err := s.db.WithContext(ctx).Model(&domain.Mailbox{}).
		Where("is_active = ? AND expires_at > ?", true, now.UTC()).
		Count(&usable).Error; err != nil {
		return 0, 0, err
	}
	return total, usable, nil
}

// CountCodes 返回验证码记录总数
func (s *Store) CountCodes(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&domain.VerificationCode{}).Count(&total).Error
	return total, err
}

// ========== Task Failure Repository ==========

// RecordTaskFailure 保存永久失败的任务
func (s *Store) RecordTaskFailure(ctx context.Context, failure *domain.TaskFailure) error {
	failure.FailedAt = failure.FailedAt.UTC()
	failure.Error = truncate(failure.Error, 2000)
	return s.db.WithContext(ctx).Create(failure).Error
}

// ListTaskFailures 返回最近的失败记录
func (s *Store) ListTaskFailures(ctx context.Context, limit int) ([]domain.TaskFailure, error) {
	if limit <= 0 {
		limit = 50
	}
	var failures []domain.TaskFailure
	err := s.db.WithContext(ctx).Order("failed_at DESC, id DESC").Limit(limit).Find(&failures).Error
	return failures, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}

// ========== Lifecycle ==========

// Ping 检查数据库连通性
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
