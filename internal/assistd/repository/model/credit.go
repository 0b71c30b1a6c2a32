package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Credit 租户余额表，每个租户一行，首次使用时惰性创建
type Credit struct {
	ID       uint            `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	TenantID string          `gorm:"type:text;not null;uniqueIndex:idx_credits_tenant_id;column:tenant_id" json:"tenant_id"`
	Balance  decimal.Decimal `gorm:"type:decimal(20,8);not null;column:balance" json:"balance"`
	// ReceivedWelcomeBonus 订阅欢迎奖励只发放一次
	ReceivedWelcomeBonus bool      `gorm:"not null;default:false;column:received_welcome_bonus" json:"received_welcome_bonus"`
	CreatedAt            time.Time `gorm:"not null;column:created_at" json:"created_at"`
	UpdatedAt            time.Time `gorm:"not null;column:updated_at" json:"updated_at"`
}

func (Credit) TableName() string {
	return "credits"
}

// CreditTransaction 只追加的账本流水
// BalanceAfter 为提交时 Credit.Balance 的快照，按 ID 严格有序
type CreditTransaction struct {
	ID           uint            `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	CreditID     uint            `gorm:"not null;index:idx_credit_transactions_credit_id;column:credit_id" json:"credit_id"`
	TenantID     string          `gorm:"type:text;not null;index:idx_credit_transactions_tenant_id;column:tenant_id" json:"tenant_id"`
	Type         TransactionType `gorm:"type:text;not null;column:type" json:"type"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,8);not null;column:amount" json:"amount"` // 扣减为负
	BalanceAfter decimal.Decimal `gorm:"type:decimal(20,8);not null;column:balance_after" json:"balance_after"`
	ServerID     *string         `gorm:"type:text;index:idx_credit_transactions_server_id;column:server_id" json:"server_id,omitempty"`
	// ExternalRef 外部支付引用，唯一，用于回调幂等
	ExternalRef *string   `gorm:"type:text;uniqueIndex:idx_credit_transactions_external_ref;column:external_ref" json:"external_ref,omitempty"`
	Description string    `gorm:"type:text;column:description" json:"description"`
	CreatedAt   time.Time `gorm:"not null;column:created_at" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transactions"
}

// UsageCursor LLM 用量同步水位，每个租户一行
type UsageCursor struct {
	TenantID  string    `gorm:"primaryKey;type:text;column:tenant_id" json:"tenant_id"`
	SyncedTo  time.Time `gorm:"not null;column:synced_to" json:"synced_to"`
	UpdatedAt time.Time `gorm:"not null;column:updated_at" json:"updated_at"`
}

func (UsageCursor) TableName() string {
	return "usage_cursors"
}

// TenantSecret 加密存储的租户凭据
type TenantSecret struct {
	ID         uint      `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	TenantID   string    `gorm:"type:text;not null;uniqueIndex:idx_tenant_secrets_key,priority:1;column:tenant_id" json:"tenant_id"`
	Name       string    `gorm:"type:text;not null;uniqueIndex:idx_tenant_secrets_key,priority:2;column:name" json:"name"`
	Ciphertext string    `gorm:"type:text;not null;column:ciphertext" json:"-"`
	CreatedAt  time.Time `gorm:"not null;column:created_at" json:"created_at"`
	UpdatedAt  time.Time `gorm:"not null;column:updated_at" json:"updated_at"`
}

func (TenantSecret) TableName() string {
	return "tenant_secrets"
}
