package repository

import (
	"context"
	"time"

	"github.com/jimyag/assistd/internal/assistd/repository/model"
	"gorm.io/gorm"
)

// ServerFilter 服务器查询条件，零值字段不参与过滤
type ServerFilter struct {
	TenantID        string
	DeploymentType  model.DeploymentType
	Statuses        []model.ServerStatus
	ProvisionStatus model.ProvisionStatus
	HostID          string
	// UpdatedBefore 非零时只返回 updated_at 早于该时间的记录
	UpdatedBefore time.Time
	// ExcludeDeleted 排除墓碑记录
	ExcludeDeleted bool
}

// ServerRepository 服务器仓库接口
type ServerRepository interface {
	Create(ctx context.Context, server *model.Server) error
	GetByID(ctx context.Context, id string) (*model.Server, error)
	List(ctx context.Context, filter ServerFilter) ([]*model.Server, error)
	// Update 以 Version 做比较并交换，版本不匹配返回 ErrConflict
	Update(ctx context.Context, server *model.Server) error
	// ActiveCountsByHost 统计每台主机上未删除的共享容器数
	ActiveCountsByHost(ctx context.Context) (map[string]int, error)
	// TenantsWithServers 返回需要同步用量的租户：拥有未删除的服务器，
	// 或有服务器在水位之后被删除，或尚无水位
	TenantsWithServers(ctx context.Context) ([]string, error)
}

type serverRepository struct {
	db *gorm.DB
}

// NewServerRepository 创建服务器仓库
func NewServerRepository(db *gorm.DB) ServerRepository {
	return &serverRepository{db: db}
}

func (r *serverRepository) Create(ctx context.Context, server *model.Server) error {
	return r.db.WithContext(ctx).Create(server).Error
}

func (r *serverRepository) GetByID(ctx context.Context, id string) (*model.Server, error) {
	var server model.Server
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&server).Error; err != nil {
		return nil, err
	}
	return &server, nil
}

func (r *serverRepository) List(ctx context.Context, filter ServerFilter) ([]*model.Server, error) {
	query := r.db.WithContext(ctx).Model(&model.Server{})
	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.DeploymentType != "" {
		query = query.Where("deployment_type = ?", filter.DeploymentType)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.ProvisionStatus != "" {
		query = query.Where("provision_status = ?", filter.ProvisionStatus)
	}
	if filter.HostID != "" {
		query = query.Where("host_id = ?", filter.HostID)
	}
	if !filter.UpdatedBefore.IsZero() {
		query = query.Where("updated_at < ?", filter.UpdatedBefore)
	}
	if filter.ExcludeDeleted {
		query = query.Where("status <> ?", model.ServerDeleted)
	}

	var servers []*model.Server
	if err := query.Order("created_at ASC").Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}

func (r *serverRepository) Update(ctx context.Context, server *model.Server) error {
	expected := server.Version
	server.Version = expected + 1
	server.UpdatedAt = time.Now().UTC()

	res := r.db.WithContext(ctx).Model(&model.Server{}).
		Where("id = ? AND version = ?", server.ID, expected).
		Select("*").Omit("id", "created_at").
		Updates(server)
	if res.Error != nil {
		server.Version = expected
		return res.Error
	}
	if res.RowsAffected == 0 {
		server.Version = expected
		return ErrConflict
	}
	return nil
}

func (r *serverRepository) ActiveCountsByHost(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		HostID string
		Count  int
	}
	err := r.db.WithContext(ctx).Model(&model.Server{}).
		Select("host_id, count(*) AS count").
		Where("deployment_type = ? AND status <> ? AND host_id <> ''", model.DeploymentShared, model.ServerDeleted).
		Group("host_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.HostID] = row.Count
	}
	return counts, nil
}

func (r *serverRepository) TenantsWithServers(ctx context.Context) ([]string, error) {
	var tenants []string
	err := r.db.WithContext(ctx).Table("servers AS s").
		Joins("LEFT JOIN usage_cursors AS c ON c.tenant_id = s.tenant_id").
		Where("s.status <> ? OR c.tenant_id IS NULL OR s.deleted_at > c.synced_to", model.ServerDeleted).
		Distinct().
		Order("s.tenant_id").
		Pluck("s.tenant_id", &tenants).Error
	return tenants, err
}
