package repository

import (
	"context"

	"github.com/jimyag/assistd/internal/assistd/repository/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UsageCursorRepository LLM 用量同步水位仓库
type UsageCursorRepository interface {
	Get(ctx context.Context, tenantID string) (*model.UsageCursor, error)
	Save(ctx context.Context, cursor *model.UsageCursor) error
}

type usageCursorRepository struct {
	db *gorm.DB
}

// NewUsageCursorRepository 创建水位仓库
func NewUsageCursorRepository(db *gorm.DB) UsageCursorRepository {
	return &usageCursorRepository{db: db}
}

func (r *usageCursorRepository) Get(ctx context.Context, tenantID string) (*model.UsageCursor, error) {
	var cursor model.UsageCursor
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&cursor).Error; err != nil {
		return nil, err
	}
	return &cursor, nil
}

func (r *usageCursorRepository) Save(ctx context.Context, cursor *model.UsageCursor) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"synced_to", "updated_at"}),
		}).
		Create(cursor).Error
}
