package entity

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// 支付回调事件类型
const (
	EventPaymentSucceeded     = "payment.succeeded"
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionRenewed  = "subscription.renewed"
	EventSubscriptionCanceled = "subscription.canceled"
)

// PaymentEvent 支付服务推送的回调事件
type PaymentEvent struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	TenantID string `json:"tenant_id"`
	// Reference 支付单号或账单号，作为入账幂等键
	Reference string `json:"reference"`
	// AmountUSD 实付金额（美元），按 CreditsPerUSD 换算
	AmountUSD decimal.Decimal `json:"amount_usd"`
	// Credits 非零时直接使用该积分数，不做换算
	Credits decimal.Decimal `json:"credits"`
}

func (e *PaymentEvent) IsValid() error {
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	switch e.Type {
	case EventPaymentSucceeded, EventSubscriptionRenewed:
		if e.Reference == "" {
			return fmt.Errorf("reference is required for %s", e.Type)
		}
	}
	return nil
}

// PaymentEventResult 回调处理结果
type PaymentEventResult struct {
	Handled     bool               `json:"handled"`
	Duplicate   bool               `json:"duplicate"`
	Transaction *CreditTransaction `json:"transaction,omitempty"`
}
