package entity

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Credit 租户余额
type Credit struct {
	TenantID             string `json:"tenant_id"`
	Balance              string `json:"balance"`
	ReceivedWelcomeBonus bool   `json:"received_welcome_bonus"`
}

// CreditTransaction 账本流水
type CreditTransaction struct {
	ID           uint   `json:"id"`
	TenantID     string `json:"tenant_id"`
	Type         string `json:"type"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after"`
	ServerID     string `json:"server_id,omitempty"`
	ExternalRef  string `json:"external_ref,omitempty"`
	Description  string `json:"description"`
	CreatedAt    string `json:"created_at"`
}

// AddCreditsRequest 入账请求
type AddCreditsRequest struct {
	TenantID    string          `json:"tenant_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
	Description string          `json:"description"`
	// ExternalRef 外部引用，相同引用只入账一次
	ExternalRef string `json:"external_ref,omitempty"`
}

func (r *AddCreditsRequest) IsValid() error {
	if r.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// CreditResult 入账结果
type CreditResult struct {
	Transaction *CreditTransaction `json:"transaction"`
	// Duplicate 外部引用已入账，本次未做任何修改
	Duplicate bool `json:"duplicate"`
}

// DeductCreditsRequest 扣账请求
type DeductCreditsRequest struct {
	TenantID    string          `json:"tenant_id"`
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type,omitempty"` // usage（默认）或 llm_usage
	Description string          `json:"description"`
	ServerID    string          `json:"server_id,omitempty"`
}

// DeductResult 扣账结果
// 余额不足是预期结果而非错误：Insufficient 为 true、Transaction 为空、账本未修改
type DeductResult struct {
	Transaction  *CreditTransaction `json:"transaction,omitempty"`
	Insufficient bool               `json:"insufficient"`
	Balance      string             `json:"balance"`
}

// TenantRequest 按租户查询
type TenantRequest struct {
	TenantID string `json:"tenant_id" form:"tenant_id" binding:"required"`
}

func (r *TenantRequest) IsValid() error {
	if r.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	return nil
}

// ListTransactionsRequest 流水分页查询
type ListTransactionsRequest struct {
	TenantID string `json:"tenant_id" form:"tenant_id" binding:"required"`
	Page     int    `json:"page" form:"page"`
	PageSize int    `json:"page_size" form:"page_size"`
}

func (r *ListTransactionsRequest) IsValid() error {
	if r.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if r.Page < 0 || r.PageSize < 0 || r.PageSize > 200 {
		return fmt.Errorf("invalid pagination")
	}
	return nil
}

// ListTransactionsResponse 流水分页结果，按时间倒序
type ListTransactionsResponse struct {
	Transactions []CreditTransaction `json:"transactions"`
	Total        int64               `json:"total"`
	Page         int                 `json:"page"`
	PageSize     int                 `json:"page_size"`
}

// GrantCreditsRequest 运营赠送
type GrantCreditsRequest struct {
	TenantID    string          `json:"tenant_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	// Type 默认 bonus，可为 refund
	Type string `json:"type,omitempty"`
}

func (r *GrantCreditsRequest) IsValid() error {
	if r.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}
