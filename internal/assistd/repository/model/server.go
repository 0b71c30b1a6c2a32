package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DeploymentType 部署方式
type DeploymentType string

const (
	DeploymentDedicated DeploymentType = "dedicated" // 每租户独享虚拟机
	DeploymentShared    DeploymentType = "shared"    // 共享 Docker 主机上的容器
)

// ServerStatus 服务器运行状态
type ServerStatus string

const (
	ServerPending      ServerStatus = "pending"
	ServerProvisioning ServerStatus = "provisioning"
	ServerRunning      ServerStatus = "running"
	ServerStopped      ServerStatus = "stopped"
	ServerError        ServerStatus = "error"
	// ServerDeleted 墓碑状态，终态：不再迁移、不再计费，记录保留用于账单追溯
	ServerDeleted ServerStatus = "deleted"
)

// ProvisionStatus 供应进度
type ProvisionStatus string

const (
	ProvisionPending      ProvisionStatus = "pending"
	ProvisionProvisioning ProvisionStatus = "provisioning"
	ProvisionReady        ProvisionStatus = "ready"
	ProvisionFailed       ProvisionStatus = "failed"
)

// Server 助手服务器表
type Server struct {
	ID              string          `gorm:"primaryKey;type:text;column:id" json:"id"` // srv-{sonyflake}
	TenantID        string          `gorm:"type:text;not null;index:idx_servers_tenant_id;column:tenant_id" json:"tenant_id"`
	Name            string          `gorm:"type:text;not null;column:name" json:"name"`
	DeploymentType  DeploymentType  `gorm:"type:text;not null;column:deployment_type" json:"deployment_type"`
	Status          ServerStatus    `gorm:"type:text;not null;index:idx_servers_status;column:status" json:"status"`
	ProvisionStatus ProvisionStatus `gorm:"type:text;not null;column:provision_status" json:"provision_status"`

	Size   string `gorm:"type:text;column:size" json:"size"`
	Region string `gorm:"type:text;column:region" json:"region"`
	Image  string `gorm:"type:text;column:image" json:"image"`

	// Backend 创建实例所用后端（cloud/libvirt/docker/simulated），InstanceID 为后端内的实例标识
	Backend    string `gorm:"type:text;column:backend" json:"backend"`
	InstanceID string `gorm:"type:text;column:instance_id" json:"instance_id"`
	// HostID 共享部署时所在的 Docker 主机，删除后保留用于追溯
	HostID string `gorm:"type:text;index:idx_servers_host_id;column:host_id" json:"host_id"`
	// HostAddress 容器所在 Docker 主机的 API 地址，查询、停机、删除容器时使用
	HostAddress string `gorm:"type:text;column:host_address" json:"host_address"`
	Address     string `gorm:"type:text;column:address" json:"address"`

	MonthlyPrice decimal.Decimal `gorm:"type:decimal(20,8);not null;column:monthly_price" json:"monthly_price"`
	LastBilledAt *time.Time      `gorm:"column:last_billed_at" json:"last_billed_at,omitempty"`
	// ShutdownFlaggedAt 小时计费余额不足时标记，超过宽限期后停机
	ShutdownFlaggedAt *time.Time `gorm:"column:shutdown_flagged_at" json:"shutdown_flagged_at,omitempty"`
	// DeletedAt 删除提交时间，用量同步据此补齐删除前最后一段窗口
	DeletedAt *time.Time `gorm:"column:deleted_at" json:"deleted_at,omitempty"`

	ProbeAttempts  int `gorm:"not null;default:0;column:probe_attempts" json:"probe_attempts"`
	DeployAttempts int `gorm:"not null;default:0;column:deploy_attempts" json:"deploy_attempts"`
	// CapacityWaits 连续因无可用主机而推迟部署的次数
	CapacityWaits int        `gorm:"not null;default:0;column:capacity_waits" json:"capacity_waits"`
	ProvisionedAt *time.Time `gorm:"column:provisioned_at" json:"provisioned_at,omitempty"`
	// ProvisionLog 追加写入的供应日志，每行一个带时间戳的记录
	ProvisionLog string `gorm:"type:text;column:provision_log" json:"-"`

	// Version 乐观锁版本号，每次提交 +1
	Version   int64     `gorm:"not null;default:0;column:version" json:"version"`
	CreatedAt time.Time `gorm:"not null;index:idx_servers_created_at;column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;column:updated_at" json:"updated_at"`
}

func (Server) TableName() string {
	return "servers"
}

// IsReady 供应完成且正在运行
func (s *Server) IsReady() bool {
	return s.ProvisionStatus == ProvisionReady && s.Status == ServerRunning
}

// IsDeleted 是否为墓碑记录
func (s *Server) IsDeleted() bool {
	return s.Status == ServerDeleted
}

// IsProvisioning 处于 (provisioning, provisioning)
func (s *Server) IsProvisioning() bool {
	return s.Status == ServerProvisioning && s.ProvisionStatus == ProvisionProvisioning
}

// AppendLog 追加一行带时间戳的供应日志
func (s *Server) AppendLog(now time.Time, line string) {
	s.ProvisionLog += now.UTC().Format(time.RFC3339) + " " + line + "\n"
}
