package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/jimyag/assistd/pkg/ginx"
	"github.com/rs/zerolog"
)

// ServerServiceInterface 服务器编排服务
type ServerServiceInterface interface {
	CreateServer(ctx context.Context, req *entity.CreateServerRequest) (*entity.Server, error)
	GetServer(ctx context.Context, id string) (*entity.Server, error)
	ListServers(ctx context.Context, req *entity.ListServersRequest) (*entity.ListServersResponse, error)
	DeleteServer(ctx context.Context, id string) (*entity.DeleteServerResponse, error)
	RequeueServer(ctx context.Context, id string) (*entity.Server, error)
	GetProvisionLog(ctx context.Context, id string) (string, error)
}

type Server struct {
	serverService ServerServiceInterface
}

func NewServer(serverService ServerServiceInterface) *Server {
	return &Server{serverService: serverService}
}

func (s *Server) RegisterRoutes(router *gin.RouterGroup) {
	serverRouter := router.Group("/servers")
	serverRouter.POST("/create", ginx.Adapt5(s.CreateServer))
	serverRouter.POST("/describe", ginx.Adapt5(s.DescribeServer))
	serverRouter.POST("/list", ginx.Adapt5(s.ListServers))
	serverRouter.POST("/delete", ginx.Adapt5(s.DeleteServer))
	serverRouter.POST("/requeue", ginx.Adapt5(s.RequeueServer))
	serverRouter.POST("/log", ginx.Adapt5(s.ProvisionLog))
}

// CreateServer 部署结果体现在返回的服务器状态中，部署失败不视为请求失败
func (s *Server) CreateServer(ctx *gin.Context, req *entity.CreateServerRequest) (*entity.Server, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().
		Str("tenant_id", req.TenantID).
		Str("deployment_type", req.DeploymentType).
		Msg("CreateServer called")

	server, err := s.serverService.CreateServer(ctx, req)
	if err != nil {
		logger.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to create server")
		return nil, err
	}
	return server, nil
}

func (s *Server) DescribeServer(ctx *gin.Context, req *entity.ServerIDRequest) (*entity.Server, error) {
	return s.serverService.GetServer(ctx, req.ServerID)
}

func (s *Server) ListServers(ctx *gin.Context, req *entity.ListServersRequest) (*entity.ListServersResponse, error) {
	return s.serverService.ListServers(ctx, req)
}

func (s *Server) DeleteServer(ctx *gin.Context, req *entity.ServerIDRequest) (*entity.DeleteServerResponse, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().Str("server_id", req.ServerID).Msg("DeleteServer called")

	resp, err := s.serverService.DeleteServer(ctx, req.ServerID)
	if err != nil {
		logger.Error().Err(err).Str("server_id", req.ServerID).Msg("Failed to delete server")
		return nil, err
	}
	return resp, nil
}

func (s *Server) RequeueServer(ctx *gin.Context, req *entity.ServerIDRequest) (*entity.Server, error) {
	zerolog.Ctx(ctx).Info().Str("server_id", req.ServerID).Msg("RequeueServer called")
	return s.serverService.RequeueServer(ctx, req.ServerID)
}

// ProvisionLog 以纯文本返回供应日志
func (s *Server) ProvisionLog(ctx *gin.Context, req *entity.ServerIDRequest) (string, error) {
	return s.serverService.GetProvisionLog(ctx, req.ServerID)
}
