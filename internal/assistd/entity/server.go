// Package entity 定义 API 层与服务层之间的请求/响应结构
package entity

import (
	"fmt"
	"strings"
)

// 部署方式
const (
	DeploymentDedicated = "dedicated"
	DeploymentShared    = "shared"
)

// Server 助手服务器
type Server struct {
	ID                string `json:"id"`
	TenantID          string `json:"tenant_id"`
	Name              string `json:"name"`
	DeploymentType    string `json:"deployment_type"`
	Status            string `json:"status"`
	ProvisionStatus   string `json:"provision_status"`
	Ready             bool   `json:"ready"`
	Size              string `json:"size,omitempty"`
	Region            string `json:"region,omitempty"`
	Image             string `json:"image,omitempty"`
	Backend           string `json:"backend,omitempty"`
	InstanceID        string `json:"instance_id,omitempty"`
	HostID            string `json:"host_id,omitempty"`
	Address           string `json:"address,omitempty"`
	MonthlyPrice      string `json:"monthly_price"`
	LastBilledAt      string `json:"last_billed_at,omitempty"`
	ShutdownFlaggedAt string `json:"shutdown_flagged_at,omitempty"`
	ProbeAttempts     int    `json:"probe_attempts"`
	DeployAttempts    int    `json:"deploy_attempts"`
	CapacityWaits     int    `json:"capacity_waits"`
	ProvisionedAt     string `json:"provisioned_at,omitempty"`
	DeletedAt         string `json:"deleted_at,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

// CreateServerRequest 创建服务器请求
type CreateServerRequest struct {
	TenantID       string `json:"tenant_id" binding:"required"`
	Name           string `json:"name"`
	DeploymentType string `json:"deployment_type" binding:"required"` // dedicated 或 shared
	Size           string `json:"size,omitempty"`
	Region         string `json:"region,omitempty"`
	Image          string `json:"image,omitempty"`
}

func (r *CreateServerRequest) IsValid() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return fmt.Errorf("tenant_id is required")
	}
	switch r.DeploymentType {
	case DeploymentDedicated, DeploymentShared:
	default:
		return fmt.Errorf("deployment_type must be %q or %q", DeploymentDedicated, DeploymentShared)
	}
	if len(r.Name) > 64 {
		return fmt.Errorf("name must be at most 64 characters")
	}
	return nil
}

// ServerIDRequest 按 ID 操作服务器的请求
type ServerIDRequest struct {
	ServerID string `json:"server_id" binding:"required"`
}

func (r *ServerIDRequest) IsValid() error {
	if r.ServerID == "" {
		return fmt.Errorf("server_id is required")
	}
	return nil
}

// ListServersRequest 列出服务器请求
type ListServersRequest struct {
	TenantID string `json:"tenant_id" form:"tenant_id"`
	// IncludeDeleted 是否包含已删除的墓碑记录
	IncludeDeleted bool `json:"include_deleted" form:"include_deleted"`
}

// ListServersResponse 列出服务器响应
type ListServersResponse struct {
	Servers []Server `json:"servers"`
}

// DeleteServerResponse 删除服务器响应
type DeleteServerResponse struct {
	Server *Server `json:"server"`
	// AlreadyDeleted 重复删除时为 true
	AlreadyDeleted bool `json:"already_deleted"`
}

// RetryResult 待部署重试任务结果
type RetryResult struct {
	Retried   int `json:"retried"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// CheckResult 状态检查任务结果
type CheckResult struct {
	Checked int `json:"checked"`
	Changed int `json:"changed"`
	Errors  int `json:"errors"`
}
