package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/jimyag/assistd/pkg/ginx"
)

// SecretServiceInterface 租户密钥服务，只写不读
type SecretServiceInterface interface {
	PutSecret(ctx context.Context, req *entity.PutSecretRequest) error
	DeleteSecret(ctx context.Context, req *entity.DeleteSecretRequest) error
}

type Secret struct {
	secretService SecretServiceInterface
}

func NewSecret(secretService SecretServiceInterface) *Secret {
	return &Secret{secretService: secretService}
}

func (s *Secret) RegisterRoutes(router *gin.RouterGroup) {
	secretRouter := router.Group("/secrets")
	secretRouter.POST("/put", ginx.Adapt4(s.PutSecret))
	secretRouter.POST("/delete", ginx.Adapt4(s.DeleteSecret))
}

func (s *Secret) PutSecret(ctx *gin.Context, req *entity.PutSecretRequest) error {
	return s.secretService.PutSecret(ctx, req)
}

func (s *Secret) DeleteSecret(ctx *gin.Context, req *entity.DeleteSecretRequest) error {
	return s.secretService.DeleteSecret(ctx, req)
}
