package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/jimyag/assistd/internal/assistd/repository"
	"github.com/jimyag/assistd/internal/assistd/repository/model"
	"github.com/jimyag/assistd/pkg/apierror"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PaymentOptions 支付回调参数
type PaymentOptions struct {
	// WebhookSecret HMAC-SHA256 签名密钥，为空时拒绝所有回调
	WebhookSecret string
	WelcomeBonus  decimal.Decimal
	CreditsPerUSD decimal.Decimal
}

// PaymentService 支付与订阅回调入账
// 每类事件都有稳定的外部引用，重复投递只入账一次
type PaymentService struct {
	repo    *repository.Repository
	credits *CreditService
	opts    PaymentOptions
}

// NewPaymentService 创建支付回调服务
func NewPaymentService(repo *repository.Repository, credits *CreditService, opts PaymentOptions) *PaymentService {
	if opts.CreditsPerUSD.IsZero() {
		opts.CreditsPerUSD = decimal.NewFromInt(1)
	}
	return &PaymentService{repo: repo, credits: credits, opts: opts}
}

// Sign 计算 body 的签名（十六进制）
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature 校验回调签名，接受 "sha256=" 前缀
func (p *PaymentService) VerifySignature(body []byte, signature string) error {
	if p.opts.WebhookSecret == "" {
		return apierror.WrapError(apierror.ErrInvalidSignature, "Webhook secret is not configured", nil)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil || len(got) == 0 {
		return apierror.ErrInvalidSignature
	}
	want, _ := hex.DecodeString(Sign(p.opts.WebhookSecret, body))
	if !hmac.Equal(got, want) {
		return apierror.ErrInvalidSignature
	}
	return nil
}

// credits 事件的积分数：显式积分优先，否则按汇率换算美元金额
func (p *PaymentService) creditsFor(event *entity.PaymentEvent) decimal.Decimal {
	if event.Credits.IsPositive() {
		return event.Credits
	}
	return event.AmountUSD.Mul(p.opts.CreditsPerUSD).Round(8)
}

// HandleEvent 处理一个已验签的回调事件
func (p *PaymentService) HandleEvent(ctx context.Context, event *entity.PaymentEvent) (*entity.PaymentEventResult, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("event_id", event.ID).
		Str("event_type", event.Type).
		Str("tenant_id", event.TenantID).
		Logger()

	switch event.Type {
	case entity.EventPaymentSucceeded:
		amount := p.creditsFor(event)
		if !amount.IsPositive() {
			return nil, apierror.WrapError(apierror.ErrInvalidParameterValue, "payment amount must be positive", nil)
		}
		return p.credit(ctx, event.TenantID, model.TxPurchase, amount,
			"payment "+event.Reference, "payment:"+event.Reference)

	case entity.EventSubscriptionCreated:
		return p.welcomeBonus(ctx, event)

	case entity.EventSubscriptionRenewed:
		amount := p.creditsFor(event)
		if !amount.IsPositive() {
			logger.Info().Msg("Renewal without credits, nothing to apply")
			return &entity.PaymentEventResult{Handled: true}, nil
		}
		return p.credit(ctx, event.TenantID, model.TxRenewal, amount,
			"subscription renewal "+event.Reference, "renewal:"+event.Reference)

	case entity.EventSubscriptionCanceled:
		// 取消不回收积分，也不重置欢迎奖励
		logger.Info().Msg("Subscription canceled")
		return &entity.PaymentEventResult{Handled: true}, nil

	default:
		logger.Warn().Msg("Ignoring unknown payment event")
		return &entity.PaymentEventResult{Handled: false}, nil
	}
}

func (p *PaymentService) credit(ctx context.Context, tenantID string, txType model.TransactionType, amount decimal.Decimal, desc, ref string) (*entity.PaymentEventResult, error) {
	res, err := p.credits.AddCredits(ctx, &entity.AddCreditsRequest{
		TenantID:    tenantID,
		Amount:      amount,
		Type:        string(txType),
		Description: desc,
		ExternalRef: ref,
	})
	if err != nil {
		return nil, err
	}
	return &entity.PaymentEventResult{Handled: true, Duplicate: res.Duplicate, Transaction: res.Transaction}, nil
}

// welcomeBonus 每个租户只发放一次，由 received_welcome_bonus 标记保护
// 引用中带订阅号，管理员重置标记后新的订阅可以再次领取
func (p *PaymentService) welcomeBonus(ctx context.Context, event *entity.PaymentEvent) (*entity.PaymentEventResult, error) {
	logger := zerolog.Ctx(ctx)

	if !p.opts.WelcomeBonus.IsPositive() {
		return &entity.PaymentEventResult{Handled: true}, nil
	}
	ref := "welcome:" + event.TenantID
	if key := firstNonEmpty(event.Reference, event.ID); key != "" {
		ref += ":" + key
	}

	result := &entity.PaymentEventResult{Handled: true}
	err := p.credits.WithLedger(ctx, event.TenantID, func(l *Ledger) error {
		credit, err := l.Credit(ctx)
		if err != nil {
			return err
		}
		if credit.ReceivedWelcomeBonus {
			result.Duplicate = true
			return nil
		}
		txn, duplicate, err := l.Add(ctx, model.TxBonus, p.opts.WelcomeBonus, "welcome bonus", "", ref)
		if err != nil {
			return err
		}
		result.Duplicate = duplicate
		if !duplicate {
			credit.ReceivedWelcomeBonus = true
			if err := l.SaveCredit(ctx); err != nil {
				return err
			}
		}
		e, err := transactionModelToEntity(txn)
		if err != nil {
			return err
		}
		result.Transaction = e
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str("tenant_id", event.TenantID).Msg("Failed to grant welcome bonus")
		return nil, asAPIError(err, "Failed to grant welcome bonus")
	}

	if result.Duplicate {
		logger.Info().Str("tenant_id", event.TenantID).Msg("Welcome bonus already granted")
	} else {
		logger.Info().Str("tenant_id", event.TenantID).Str("amount", p.opts.WelcomeBonus.String()).Msg("Welcome bonus granted")
	}
	return result, nil
}

// ResetWelcomeBonus 清除欢迎奖励标记
func (p *PaymentService) ResetWelcomeBonus(ctx context.Context, tenantID string) (*entity.Credit, error) {
	var out *entity.Credit
	err := p.credits.WithLedger(ctx, tenantID, func(l *Ledger) error {
		credit, err := l.Credit(ctx)
		if err != nil {
			return err
		}
		if credit.ReceivedWelcomeBonus {
			credit.ReceivedWelcomeBonus = false
			if err := l.SaveCredit(ctx); err != nil {
				return err
			}
		}
		out = creditModelToEntity(credit)
		return nil
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to reset welcome bonus")
		return nil, asAPIError(err, "Failed to reset welcome bonus")
	}
	zerolog.Ctx(ctx).Info().Str("tenant_id", tenantID).Msg("Welcome bonus flag reset")
	return out, nil
}

