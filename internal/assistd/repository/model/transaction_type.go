package model

import (
	"fmt"
	"strings"
)

// TransactionType 账本流水类型，封闭枚举
//
// 新增类型时：在下面的常量与 transactionDirections 中同时登记，
// 并确认入账/扣账方向，未登记的值在写入前即被拒绝。
type TransactionType string

const (
	TxPurchase TransactionType = "purchase"  // 支付回调充值
	TxUsage    TransactionType = "usage"     // 算力按小时计费
	TxBonus    TransactionType = "bonus"     // 欢迎奖励、运营赠送
	TxRefund   TransactionType = "refund"    // 退款返还
	TxLLMUsage TransactionType = "llm_usage" // LLM 推理用量
	TxRenewal  TransactionType = "renewal"   // 订阅续费赠送
)

// Direction 流水方向
type Direction int

const (
	DirectionCredit Direction = iota + 1
	DirectionDebit
)

var transactionDirections = map[TransactionType]Direction{
	TxPurchase: DirectionCredit,
	TxBonus:    DirectionCredit,
	TxRefund:   DirectionCredit,
	TxRenewal:  DirectionCredit,
	TxUsage:    DirectionDebit,
	TxLLMUsage: DirectionDebit,
}

// ParseTransactionType 解析并校验流水类型
func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(s)
	if _, ok := transactionDirections[t]; !ok {
		names := make([]string, 0, len(transactionDirections))
		for _, known := range TransactionTypes() {
			names = append(names, string(known))
		}
		return "", fmt.Errorf("unknown transaction type %q, want one of %s", s, strings.Join(names, ", "))
	}
	return t, nil
}

// Direction 返回类型对应的方向，未登记类型返回 0
func (t TransactionType) Direction() Direction {
	return transactionDirections[t]
}

// IsCredit 是否为入账类型
func (t TransactionType) IsCredit() bool {
	return t.Direction() == DirectionCredit
}

// IsDebit 是否为扣账类型
func (t TransactionType) IsDebit() bool {
	return t.Direction() == DirectionDebit
}

// TransactionTypes 返回全部已登记类型
func TransactionTypes() []TransactionType {
	return []TransactionType{TxPurchase, TxUsage, TxBonus, TxRefund, TxLLMUsage, TxRenewal}
}
