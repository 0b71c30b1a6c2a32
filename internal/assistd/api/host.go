package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/jimyag/assistd/pkg/ginx"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// HostServiceInterface 主机容量服务
type HostServiceInterface interface {
	ListHosts(ctx context.Context) (*entity.ListHostsResponse, error)
	DrainHost(ctx context.Context, hostID string) (*entity.DockerHost, error)
}

type Host struct {
	hostService HostServiceInterface
	cache       *cache.Cache
}

// NewHost 主机列表结果缓存 ttl，排空主机后清空缓存
func NewHost(hostService HostServiceInterface, ttl time.Duration) *Host {
	return &Host{
		hostService: hostService,
		cache:       cache.New(ttl, 2*ttl),
	}
}

func (h *Host) RegisterRoutes(router *gin.RouterGroup) {
	hostRouter := router.Group("/hosts")
	hostRouter.POST("/list", Cache(h.cache), ginx.Adapt3(h.ListHosts))
	hostRouter.POST("/drain", ginx.Adapt5(h.DrainHost))
}

func (h *Host) ListHosts(ctx *gin.Context) (*entity.ListHostsResponse, error) {
	return h.hostService.ListHosts(ctx)
}

func (h *Host) DrainHost(ctx *gin.Context, req *entity.HostIDRequest) (*entity.DockerHost, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().Str("host_id", req.HostID).Msg("DrainHost called")

	host, err := h.hostService.DrainHost(ctx, req.HostID)
	if err != nil {
		logger.Error().Err(err).Str("host_id", req.HostID).Msg("Failed to drain host")
		return nil, err
	}
	h.cache.Flush()
	return host, nil
}
