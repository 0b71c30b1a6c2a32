// Package repository 提供数据持久化层实现
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jimyag/assistd/internal/assistd/repository/model"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite" // 纯 Go SQLite 驱动，不需要 CGO
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = gorm.ErrRecordNotFound
	// ErrConflict 乐观锁版本不匹配，记录在读取后被修改
	ErrConflict = errors.New("concurrent modification")
)

// Repository 数据库仓库
type Repository struct {
	db *gorm.DB
}

// New 按驱动打开数据库并完成迁移
// driver 为 sqlite 时 dsn 为数据库文件路径，为 postgres 时为连接串
func New(driver, dsn string) (*Repository, error) {
	var (
		db  *gorm.DB
		err error
	)
	gormCfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}

	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	case "sqlite", "":
		db, err = openSQLite(dsn, gormCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func openSQLite(dbPath string, gormCfg *gorm.Config) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite 单写者，所有写事务在同一连接上串行，避免 BEGIN 之后读锁升级写锁失败
	sqlDB.SetMaxOpenConns(1)

	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        dbPath,
		Conn:       sqlDB,
	}, gormCfg)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open gorm database: %w", err)
	}
	return db, nil
}

// Migrate 自动迁移表结构并补充索引
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Server{},
		&model.DockerHost{},
		&model.Credit{},
		&model.CreditTransaction{},
		&model.UsageCursor{},
		&model.TenantSecret{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := createIndexes(db); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// DB 返回 GORM 数据库实例
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// WithContext 返回带上下文的数据库实例
func (r *Repository) WithContext(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

// Transaction 在事务中执行 fn
func (r *Repository) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

// Close 关闭数据库连接
func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// createIndexes 创建 AutoMigrate 不覆盖的组合索引
func createIndexes(db *gorm.DB) error {
	// 共享主机活跃容器计数按 (host_id, status) 查询
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_servers_host_status
		ON servers(host_id, status)
	`).Error; err != nil {
		return fmt.Errorf("create index on servers: %w", err)
	}

	// 流水分页按租户倒序
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_credit_transactions_tenant_created
		ON credit_transactions(tenant_id, id)
	`).Error; err != nil {
		return fmt.Errorf("create index on credit_transactions: %w", err)
	}
	return nil
}

// IsDuplicateKey 判断是否违反唯一约束
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// modernc sqlite 的错误不会被 gorm 翻译
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsNotFound 判断记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
