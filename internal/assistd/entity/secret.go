package entity

import (
	"fmt"
	"regexp"
)

var secretNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// PutSecretRequest 写入租户密钥
type PutSecretRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
	// Name 同时作为注入实例的环境变量名
	Name  string `json:"name" binding:"required"`
	Value string `json:"value" binding:"required"`
}

func (r *PutSecretRequest) IsValid() error {
	if r.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if !secretNamePattern.MatchString(r.Name) {
		return fmt.Errorf("name must be a valid environment variable name")
	}
	if r.Value == "" {
		return fmt.Errorf("value is required")
	}
	return nil
}

// DeleteSecretRequest 删除租户密钥
type DeleteSecretRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
	Name     string `json:"name" binding:"required"`
}

func (r *DeleteSecretRequest) IsValid() error {
	if r.TenantID == "" || r.Name == "" {
		return fmt.Errorf("tenant_id and name are required")
	}
	return nil
}
