package repository

import (
	"context"

	"github.com/jimyag/assistd/internal/assistd/repository/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SecretRepository 租户密文仓库，只保存密文
type SecretRepository interface {
	Upsert(ctx context.Context, secret *model.TenantSecret) error
	Get(ctx context.Context, tenantID, name string) (*model.TenantSecret, error)
	// ListByTenant 按名称升序返回租户全部密文
	ListByTenant(ctx context.Context, tenantID string) ([]*model.TenantSecret, error)
	Delete(ctx context.Context, tenantID, name string) error
}

type secretRepository struct {
	db *gorm.DB
}

// NewSecretRepository 创建密文仓库
func NewSecretRepository(db *gorm.DB) SecretRepository {
	return &secretRepository{db: db}
}

func (r *secretRepository) Upsert(ctx context.Context, secret *model.TenantSecret) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "updated_at"}),
		}).
		Create(secret).Error
}

func (r *secretRepository) Get(ctx context.Context, tenantID, name string) (*model.TenantSecret, error) {
	var secret model.TenantSecret
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND name = ?", tenantID, name).First(&secret).Error
	if err != nil {
		return nil, err
	}
	return &secret, nil
}

func (r *secretRepository) ListByTenant(ctx context.Context, tenantID string) ([]*model.TenantSecret, error) {
	var secrets []*model.TenantSecret
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("name ASC").Find(&secrets).Error; err != nil {
		return nil, err
	}
	return secrets, nil
}

// Delete 硬删除，密文没有保留价值
func (r *secretRepository) Delete(ctx context.Context, tenantID, name string) error {
	return r.db.WithContext(ctx).Where("tenant_id = ? AND name = ?", tenantID, name).Delete(&model.TenantSecret{}).Error
}
