package api

import (
	"context"
	"encoding/json"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/jimyag/assistd/pkg/apierror"
	"github.com/jimyag/assistd/pkg/ginx"
	"github.com/rs/zerolog"
)

// HeaderSignature 回调签名头，值为 body 的 HMAC-SHA256 十六进制，可带 sha256= 前缀
const HeaderSignature = "X-Signature"

// maxWebhookBody 回调请求体上限
const maxWebhookBody = 1 << 20

// PaymentServiceInterface 支付回调服务
type PaymentServiceInterface interface {
	VerifySignature(body []byte, signature string) error
	HandleEvent(ctx context.Context, event *entity.PaymentEvent) (*entity.PaymentEventResult, error)
	ResetWelcomeBonus(ctx context.Context, tenantID string) (*entity.Credit, error)
}

type Payment struct {
	paymentService PaymentServiceInterface
}

func NewPayment(paymentService PaymentServiceInterface) *Payment {
	return &Payment{paymentService: paymentService}
}

func (p *Payment) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/webhooks/payment", ginx.Adapt3(p.Webhook))
	router.POST("/subscriptions/reset-bonus", ginx.Adapt5(p.ResetBonus))
}

// Webhook 签名基于原始请求体，先验签再解析
func (p *Payment) Webhook(ctx *gin.Context) (*entity.PaymentEventResult, error) {
	logger := zerolog.Ctx(ctx)

	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBody))
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrInvalidParameterValue, "Failed to read request body", err)
	}
	if err := p.paymentService.VerifySignature(body, ctx.GetHeader(HeaderSignature)); err != nil {
		logger.Warn().Str("client_ip", ctx.ClientIP()).Msg("Rejected webhook with invalid signature")
		return nil, err
	}

	var event entity.PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, apierror.WrapError(apierror.ErrInvalidParameterValue, "Malformed event payload", err)
	}
	if err := event.IsValid(); err != nil {
		return nil, apierror.WrapError(apierror.ErrInvalidParameterValue, err.Error(), err)
	}

	res, err := p.paymentService.HandleEvent(ctx, &event)
	if err != nil {
		logger.Error().Err(err).Str("event_id", event.ID).Str("event_type", event.Type).Msg("Failed to handle payment event")
		return nil, err
	}
	return res, nil
}

func (p *Payment) ResetBonus(ctx *gin.Context, req *entity.TenantRequest) (*entity.Credit, error) {
	zerolog.Ctx(ctx).Info().Str("tenant_id", req.TenantID).Msg("ResetWelcomeBonus called")
	return p.paymentService.ResetWelcomeBonus(ctx, req.TenantID)
}
