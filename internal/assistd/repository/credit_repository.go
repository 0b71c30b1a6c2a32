package repository

import (
	"context"
	"errors"

	"github.com/jimyag/assistd/internal/assistd/repository/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreditRepository 余额与流水仓库接口
// 修改余额的方法需在事务内、以事务 *gorm.DB 构造的仓库上调用
type CreditRepository interface {
	// GetForUpdate 读取租户余额并加行锁，不存在时创建零余额记录
	GetForUpdate(ctx context.Context, tenantID string) (*model.Credit, error)
	GetByTenant(ctx context.Context, tenantID string) (*model.Credit, error)
	Save(ctx context.Context, credit *model.Credit) error
	CreateTransaction(ctx context.Context, txn *model.CreditTransaction) error
	GetTransactionByExternalRef(ctx context.Context, ref string) (*model.CreditTransaction, error)
	// ListTransactions 按 ID 倒序分页
	ListTransactions(ctx context.Context, tenantID string, offset, limit int) ([]*model.CreditTransaction, int64, error)
	LatestTransaction(ctx context.Context, tenantID string) (*model.CreditTransaction, error)
}

type creditRepository struct {
	db *gorm.DB
}

// NewCreditRepository 创建余额仓库
func NewCreditRepository(db *gorm.DB) CreditRepository {
	return &creditRepository{db: db}
}

func (r *creditRepository) GetForUpdate(ctx context.Context, tenantID string) (*model.Credit, error) {
	credit, err := r.lockByTenant(ctx, tenantID)
	if err == nil {
		return credit, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// 惰性创建，并发创建时由唯一索引兜底
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "tenant_id"}}, DoNothing: true}).
		Create(&model.Credit{TenantID: tenantID, Balance: decimal.Zero}).Error; err != nil {
		return nil, err
	}
	return r.lockByTenant(ctx, tenantID)
}

func (r *creditRepository) lockByTenant(ctx context.Context, tenantID string) (*model.Credit, error) {
	var credit model.Credit
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ?", tenantID).
		First(&credit).Error
	if err != nil {
		return nil, err
	}
	return &credit, nil
}

func (r *creditRepository) GetByTenant(ctx context.Context, tenantID string) (*model.Credit, error) {
	var credit model.Credit
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&credit).Error; err != nil {
		return nil, err
	}
	return &credit, nil
}

func (r *creditRepository) Save(ctx context.Context, credit *model.Credit) error {
	return r.db.WithContext(ctx).Save(credit).Error
}

func (r *creditRepository) CreateTransaction(ctx context.Context, txn *model.CreditTransaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *creditRepository) GetTransactionByExternalRef(ctx context.Context, ref string) (*model.CreditTransaction, error) {
	var txn model.CreditTransaction
	if err := r.db.WithContext(ctx).Where("external_ref = ?", ref).First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *creditRepository) ListTransactions(ctx context.Context, tenantID string, offset, limit int) ([]*model.CreditTransaction, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).Where("tenant_id = ?", tenantID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var txns []*model.CreditTransaction
	if err := query.Order("id DESC").Offset(offset).Limit(limit).Find(&txns).Error; err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

func (r *creditRepository) LatestTransaction(ctx context.Context, tenantID string) (*model.CreditTransaction, error) {
	var txn model.CreditTransaction
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id DESC").First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}
