package repository

import (
	"context"

	"github.com/jimyag/assistd/internal/assistd/repository/model"
	"gorm.io/gorm"
)

// HostRepository Docker 主机仓库接口
type HostRepository interface {
	Create(ctx context.Context, host *model.DockerHost) error
	GetByID(ctx context.Context, id string) (*model.DockerHost, error)
	// List 按创建时间升序返回，statuses 为空时返回全部
	List(ctx context.Context, statuses ...model.HostStatus) ([]*model.DockerHost, error)
	Update(ctx context.Context, host *model.DockerHost) error
}

type hostRepository struct {
	db *gorm.DB
}

// NewHostRepository 创建主机仓库
func NewHostRepository(db *gorm.DB) HostRepository {
	return &hostRepository{db: db}
}

func (r *hostRepository) Create(ctx context.Context, host *model.DockerHost) error {
	return r.db.WithContext(ctx).Create(host).Error
}

func (r *hostRepository) GetByID(ctx context.Context, id string) (*model.DockerHost, error) {
	var host model.DockerHost
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&host).Error; err != nil {
		return nil, err
	}
	return &host, nil
}

func (r *hostRepository) List(ctx context.Context, statuses ...model.HostStatus) ([]*model.DockerHost, error) {
	query := r.db.WithContext(ctx).Model(&model.DockerHost{})
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	var hosts []*model.DockerHost
	// id 为 sonyflake 递增值，作为同一时刻创建时的次序
	if err := query.Order("created_at ASC").Order("id ASC").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

// Update 主机只由容量管理器单写者修改，直接整行保存
func (r *hostRepository) Update(ctx context.Context, host *model.DockerHost) error {
	return r.db.WithContext(ctx).Save(host).Error
}
