package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/jimyag/assistd/pkg/ginx"
	"github.com/rs/zerolog"
)

// CreditServiceInterface 账本服务
type CreditServiceInterface interface {
	GetBalance(ctx context.Context, req *entity.TenantRequest) (*entity.Credit, error)
	ListTransactions(ctx context.Context, req *entity.ListTransactionsRequest) (*entity.ListTransactionsResponse, error)
	GrantCredits(ctx context.Context, req *entity.GrantCreditsRequest) (*entity.CreditResult, error)
}

type Credit struct {
	creditService CreditServiceInterface
}

func NewCredit(creditService CreditServiceInterface) *Credit {
	return &Credit{creditService: creditService}
}

func (c *Credit) RegisterRoutes(router *gin.RouterGroup) {
	creditRouter := router.Group("/credits")
	creditRouter.POST("/balance", ginx.Adapt5(c.Balance))
	creditRouter.POST("/transactions", ginx.Adapt5(c.Transactions))
	creditRouter.POST("/grant", ginx.Adapt5(c.Grant))
}

func (c *Credit) Balance(ctx *gin.Context, req *entity.TenantRequest) (*entity.Credit, error) {
	return c.creditService.GetBalance(ctx, req)
}

func (c *Credit) Transactions(ctx *gin.Context, req *entity.ListTransactionsRequest) (*entity.ListTransactionsResponse, error) {
	return c.creditService.ListTransactions(ctx, req)
}

func (c *Credit) Grant(ctx *gin.Context, req *entity.GrantCreditsRequest) (*entity.CreditResult, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().
		Str("tenant_id", req.TenantID).
		Str("amount", req.Amount.String()).
		Str("type", req.Type).
		Msg("GrantCredits called")

	res, err := c.creditService.GrantCredits(ctx, req)
	if err != nil {
		logger.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to grant credits")
		return nil, err
	}
	return res, nil
}
