package entity

import "fmt"

// DockerHost 共享容器主机，容量字段为现算值
type DockerHost struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Address              string `json:"address,omitempty"`
	Status               string `json:"status"`
	MaxContainers        int    `json:"max_containers"`
	ActiveContainerCount int    `json:"active_container_count"`
	AvailableSlots       int    `json:"available_slots"`
	Backend              string `json:"backend,omitempty"`
	InstanceID           string `json:"instance_id,omitempty"`
	ProbeAttempts        int    `json:"probe_attempts"`
	ReadyAt              string `json:"ready_at,omitempty"`
	CreatedAt            string `json:"created_at"`
}

// ListHostsResponse 主机列表
type ListHostsResponse struct {
	Hosts          []DockerHost `json:"hosts"`
	TotalAvailable int          `json:"total_available"`
}

// HostIDRequest 按 ID 操作主机
type HostIDRequest struct {
	HostID string `json:"host_id" binding:"required"`
}

func (r *HostIDRequest) IsValid() error {
	if r.HostID == "" {
		return fmt.Errorf("host_id is required")
	}
	return nil
}

// EnsureCapacityResult 容量巡检结果
type EnsureCapacityResult struct {
	// Skipped 上一次巡检仍在进行，本次跳过
	Skipped        bool     `json:"skipped"`
	Promoted       []string `json:"promoted,omitempty"`
	Failed         []string `json:"failed,omitempty"`
	Created        string   `json:"created,omitempty"`
	Offlined       []string `json:"offlined,omitempty"`
	TotalAvailable int      `json:"total_available"`
}
