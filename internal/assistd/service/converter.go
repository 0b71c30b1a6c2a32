// Package service 提供业务逻辑层的服务实现
// 包括积分账本、Docker 主机容量、服务器生命周期编排与周期对账任务
package service

import (
	"time"

	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/jimyag/assistd/internal/assistd/repository/model"
	"github.com/jinzhu/copier"
	"github.com/shopspring/decimal"
)

// copyOption 模型到实体的通用转换：金额转字符串，时间转 RFC3339
var copyOption = copier.Option{
	Converters: []copier.TypeConverter{
		{
			SrcType: decimal.Decimal{},
			DstType: copier.String,
			Fn: func(src any) (any, error) {
				return src.(decimal.Decimal).String(), nil
			},
		},
		{
			SrcType: time.Time{},
			DstType: copier.String,
			Fn: func(src any) (any, error) {
				return formatTime(src.(time.Time)), nil
			},
		},
		{
			SrcType: &time.Time{},
			DstType: copier.String,
			Fn: func(src any) (any, error) {
				t, _ := src.(*time.Time)
				if t == nil {
					return "", nil
				}
				return formatTime(*t), nil
			},
		},
		{
			SrcType: new(string),
			DstType: copier.String,
			Fn: func(src any) (any, error) {
				s, _ := src.(*string)
				if s == nil {
					return "", nil
				}
				return *s, nil
			},
		},
	},
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// serverModelToEntity 将 model.Server 转换为 entity.Server
func serverModelToEntity(m *model.Server) (*entity.Server, error) {
	e := &entity.Server{}
	if err := copier.CopyWithOption(e, m, copyOption); err != nil {
		return nil, err
	}
	e.Ready = m.IsReady()
	return e, nil
}

// hostModelToEntity 将主机与现算容量转换为 entity.DockerHost
func hostModelToEntity(c *model.HostCapacity) (*entity.DockerHost, error) {
	e := &entity.DockerHost{}
	if err := copier.CopyWithOption(e, c.Host, copyOption); err != nil {
		return nil, err
	}
	e.ActiveContainerCount = c.ActiveContainerCount
	e.AvailableSlots = c.AvailableSlots()
	return e, nil
}

// transactionModelToEntity 将 model.CreditTransaction 转换为 entity.CreditTransaction
func transactionModelToEntity(m *model.CreditTransaction) (*entity.CreditTransaction, error) {
	e := &entity.CreditTransaction{}
	if err := copier.CopyWithOption(e, m, copyOption); err != nil {
		return nil, err
	}
	return e, nil
}

// creditModelToEntity 将 model.Credit 转换为 entity.Credit
func creditModelToEntity(m *model.Credit) *entity.Credit {
	return &entity.Credit{
		TenantID:             m.TenantID,
		Balance:              m.Balance.String(),
		ReceivedWelcomeBonus: m.ReceivedWelcomeBonus,
	}
}
