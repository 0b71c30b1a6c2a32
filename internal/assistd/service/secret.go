package service

import (
	"context"
	"time"

	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/jimyag/assistd/internal/assistd/repository"
	"github.com/jimyag/assistd/internal/assistd/repository/model"
	"github.com/jimyag/assistd/pkg/apierror"
	"github.com/jimyag/assistd/pkg/sealed"
	"github.com/rs/zerolog"
)

// SecretService 租户密钥存储，库中只保存 age 密文
type SecretService struct {
	secrets repository.SecretRepository
	box     *sealed.Box
	now     func() time.Time
}

// NewSecretService 创建密钥服务，box 不可用时写入会失败、读取视为不存在
func NewSecretService(repo *repository.Repository, box *sealed.Box) *SecretService {
	return &SecretService{
		secrets: repository.NewSecretRepository(repo.DB()),
		box:     box,
		now:     time.Now,
	}
}

// PutSecret 加密并写入，同名覆盖
func (s *SecretService) PutSecret(ctx context.Context, req *entity.PutSecretRequest) error {
	logger := zerolog.Ctx(ctx)

	if !s.box.Available() {
		return apierror.WrapError(apierror.ErrServiceUnavailable, "Secret store is not configured", sealed.ErrUnavailable)
	}
	ciphertext, err := s.box.Seal([]byte(req.Value))
	if err != nil {
		logger.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to seal secret")
		return apierror.WrapError(apierror.ErrInternalError, "Failed to encrypt secret", err)
	}

	now := s.now()
	if err := s.secrets.Upsert(ctx, &model.TenantSecret{
		TenantID:   req.TenantID,
		Name:       req.Name,
		Ciphertext: ciphertext,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		logger.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to store secret")
		return apierror.WrapError(apierror.ErrInternalError, "Failed to store secret", err)
	}

	logger.Info().Str("tenant_id", req.TenantID).Str("name", req.Name).Msg("Secret stored")
	return nil
}

// DeleteSecret 删除密钥，不存在时同样成功
func (s *SecretService) DeleteSecret(ctx context.Context, req *entity.DeleteSecretRequest) error {
	if err := s.secrets.Delete(ctx, req.TenantID, req.Name); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to delete secret")
		return apierror.WrapError(apierror.ErrInternalError, "Failed to delete secret", err)
	}
	zerolog.Ctx(ctx).Info().Str("tenant_id", req.TenantID).Str("name", req.Name).Msg("Secret deleted")
	return nil
}

// Get 读取并解密，任何失败都视为不存在
func (s *SecretService) Get(ctx context.Context, tenantID, name string) (string, bool) {
	logger := zerolog.Ctx(ctx)

	secret, err := s.secrets.Get(ctx, tenantID, name)
	if err != nil {
		if !repository.IsNotFound(err) {
			logger.Warn().Err(err).Str("tenant_id", tenantID).Str("name", name).Msg("Failed to load secret, treating as absent")
		}
		return "", false
	}
	plaintext, err := s.box.Open(secret.Ciphertext)
	if err != nil {
		logger.Warn().Err(err).Str("tenant_id", tenantID).Str("name", name).Msg("Failed to decrypt secret, treating as absent")
		return "", false
	}
	return string(plaintext), true
}

// Env 返回租户全部可解密的密钥，用作实例环境变量
func (s *SecretService) Env(ctx context.Context, tenantID string) map[string]string {
	logger := zerolog.Ctx(ctx)

	env := make(map[string]string)
	secrets, err := s.secrets.ListByTenant(ctx, tenantID)
	if err != nil {
		logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to list secrets, starting without them")
		return env
	}
	for _, secret := range secrets {
		plaintext, err := s.box.Open(secret.Ciphertext)
		if err != nil {
			logger.Warn().Err(err).Str("tenant_id", tenantID).Str("name", secret.Name).Msg("Skipping undecryptable secret")
			continue
		}
		env[secret.Name] = string(plaintext)
	}
	return env
}
