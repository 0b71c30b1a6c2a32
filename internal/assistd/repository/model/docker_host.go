package model

import "time"

// HostStatus Docker 主机状态
type HostStatus string

const (
	HostProvisioning HostStatus = "provisioning"
	HostReady        HostStatus = "ready"
	HostDraining     HostStatus = "draining" // 不再接收新容器，已有容器逐个删除
	HostOffline      HostStatus = "offline"
	HostError        HostStatus = "error"
)

// DockerHost 共享容器主机表
// 活跃容器数与可用槽位不落库，每次按 servers 表现算
type DockerHost struct {
	ID            string     `gorm:"primaryKey;type:text;column:id" json:"id"` // host-{sonyflake}
	Name          string     `gorm:"type:text;not null;column:name" json:"name"`
	Address       string     `gorm:"type:text;column:address" json:"address"`
	Status        HostStatus `gorm:"type:text;not null;index:idx_docker_hosts_status;column:status" json:"status"`
	MaxContainers int        `gorm:"not null;column:max_containers" json:"max_containers"`

	Backend       string     `gorm:"type:text;column:backend" json:"backend"`
	InstanceID    string     `gorm:"type:text;column:instance_id" json:"instance_id"`
	ProbeAttempts int        `gorm:"not null;default:0;column:probe_attempts" json:"probe_attempts"`
	ReadyAt       *time.Time `gorm:"column:ready_at" json:"ready_at,omitempty"`
	ProvisionLog  string     `gorm:"type:text;column:provision_log" json:"-"`

	CreatedAt time.Time `gorm:"not null;index:idx_docker_hosts_created_at;column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;column:updated_at" json:"updated_at"`
}

func (DockerHost) TableName() string {
	return "docker_hosts"
}

// AppendLog 追加一行带时间戳的供应日志
func (h *DockerHost) AppendLog(now time.Time, line string) {
	h.ProvisionLog += now.UTC().Format(time.RFC3339) + " " + line + "\n"
}

// HostCapacity 主机及其现算的容量
type HostCapacity struct {
	Host                 *DockerHost
	ActiveContainerCount int
}

// AvailableSlots max(0, max_containers - active)
func (c *HostCapacity) AvailableSlots() int {
	if n := c.Host.MaxContainers - c.ActiveContainerCount; n > 0 {
		return n
	}
	return 0
}
