package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/jimyag/assistd/internal/assistd/repository"
	"github.com/jimyag/assistd/internal/assistd/repository/model"
	"github.com/jimyag/assistd/pkg/apierror"
	"github.com/jimyag/assistd/pkg/cloudinit"
	"github.com/jimyag/assistd/pkg/idgen"
	"github.com/jimyag/assistd/pkg/keylock"
	"github.com/jimyag/assistd/pkg/provisioner"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	lockKindServer    = "server"
	maxCommitAttempts = 3
)

// ServerOptions 服务器编排参数
type ServerOptions struct {
	MaxProbeAttempts int
	MaxDeployRetries int
	// MaxCapacityWaits 共享服务器因无可用主机连续推迟的上限，超过后置为失败
	MaxCapacityWaits  int
	PendingStaleAfter time.Duration
	RemoteCallTimeout time.Duration

	DefaultSize   string
	DefaultRegion string
	DefaultImage  string
	// AssistantImage 助手容器镜像，独享虚拟机内同样以容器方式运行
	AssistantImage string
	AssistantPort  int
	// HealthCheckPath 非空时额外要求 http://{address}{path} 返回 2xx 才视为就绪
	HealthCheckPath string

	DedicatedPrice  decimal.Decimal
	SharedPrice     decimal.Decimal
	HoursPerPeriod  int
	OperatorSSHKeys []string
}

// ServerService 服务器生命周期编排
//
// 服务器的读取与提交都在服务器 key 锁内进行，远端调用在锁外进行；
// 提交使用 version 做比较并交换，基于过期观测的写入被丢弃。
type ServerService struct {
	repo       *repository.Repository
	servers    repository.ServerRepository
	locks      *keylock.Locker
	credits    *CreditService
	capacity   *CapacityService
	secrets    *SecretService
	backends   *Backends
	cloudInit  *cloudinit.Generator
	httpClient *http.Client
	opts       ServerOptions
	idGen      *idgen.Generator
	now        func() time.Time
}

// NewServerService 创建服务器编排服务
func NewServerService(
	repo *repository.Repository,
	locks *keylock.Locker,
	credits *CreditService,
	capacity *CapacityService,
	secrets *SecretService,
	backends *Backends,
	opts ServerOptions,
) *ServerService {
	if opts.MaxProbeAttempts <= 0 {
		opts.MaxProbeAttempts = 3
	}
	if opts.MaxDeployRetries <= 0 {
		opts.MaxDeployRetries = 5
	}
	if opts.MaxCapacityWaits <= 0 {
		opts.MaxCapacityWaits = 36
	}
	if opts.RemoteCallTimeout <= 0 {
		opts.RemoteCallTimeout = time.Minute
	}
	if opts.AssistantPort == 0 {
		opts.AssistantPort = 8080
	}
	if opts.HoursPerPeriod <= 0 {
		opts.HoursPerPeriod = 730
	}
	return &ServerService{
		repo:       repo,
		servers:    repository.NewServerRepository(repo.DB()),
		locks:      locks,
		credits:    credits,
		capacity:   capacity,
		secrets:    secrets,
		backends:   backends,
		cloudInit:  cloudinit.NewGenerator(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		opts:       opts,
		idGen:      idgen.DefaultGenerator(),
		now:        time.Now,
	}
}

// hourlyRate 月价折算的小时价，保留 8 位小数
func hourlyRate(monthly decimal.Decimal, hoursPerPeriod int) decimal.Decimal {
	return monthly.DivRound(decimal.NewFromInt(int64(hoursPerPeriod)), 8)
}

func (s *ServerService) monthlyPrice(deployment model.DeploymentType) decimal.Decimal {
	if deployment == model.DeploymentShared {
		return s.opts.SharedPrice
	}
	return s.opts.DedicatedPrice
}

// canAfford 余额是否覆盖一小时的费用
func (s *ServerService) canAfford(ctx context.Context, tenantID string, monthly decimal.Decimal) (bool, decimal.Decimal, error) {
	hourly := hourlyRate(monthly, s.opts.HoursPerPeriod)
	ok, err := s.credits.HasEnoughCredits(ctx, tenantID, hourly)
	return ok, hourly, err
}

// mutate 持有服务器锁读取最新记录并提交 fn 的修改
func (s *ServerService) mutate(ctx context.Context, id string, fn func(server *model.Server) (bool, error)) (*model.Server, error) {
	unlock, err := s.locks.Lock(ctx, keylock.Key(lockKindServer, id))
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrServiceUnavailable, "Server is busy", err)
	}
	defer unlock()
	return s.mutateLocked(ctx, id, fn)
}

// mutateLocked 调用方已持有服务器锁
// fn 返回 false 表示无需提交；版本冲突时基于重新读取的记录再次调用 fn
func (s *ServerService) mutateLocked(ctx context.Context, id string, fn func(server *model.Server) (bool, error)) (*model.Server, error) {
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		server, err := s.getModel(ctx, id)
		if err != nil {
			return nil, err
		}
		dirty, err := fn(server)
		if err != nil || !dirty {
			return server, err
		}
		err = s.servers.Update(ctx, server)
		if err == nil {
			return server, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to update server", err)
		}
	}
	return nil, apierror.WrapError(apierror.ErrConcurrentModification, "Server was modified concurrently", repository.ErrConflict)
}

// snapshot 在锁内读取一次，用于锁外的远端调用
func (s *ServerService) snapshot(ctx context.Context, id string) (*model.Server, error) {
	unlock, err := s.locks.Lock(ctx, keylock.Key(lockKindServer, id))
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrServiceUnavailable, "Server is busy", err)
	}
	defer unlock()
	return s.getModel(ctx, id)
}

func (s *ServerService) getModel(ctx context.Context, id string) (*model.Server, error) {
	server, err := s.servers.GetByID(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, apierror.ErrServerNotFound
		}
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to get server", err)
	}
	return server, nil
}

func handleOf(server *model.Server) *provisioner.Handle {
	return &provisioner.Handle{
		Backend:     provisioner.Backend(server.Backend),
		ID:          server.InstanceID,
		HostAddress: server.HostAddress,
	}
}

// CreateServer 预检余额、落库并尝试一次部署
// 部署失败不返回错误，结果体现在服务器状态与供应日志中
func (s *ServerService) CreateServer(ctx context.Context, req *entity.CreateServerRequest) (*entity.Server, error) {
	logger := zerolog.Ctx(ctx)

	deployment := model.DeploymentType(req.DeploymentType)
	price := s.monthlyPrice(deployment)
	ok, hourly, err := s.canAfford(ctx, req.TenantID, price)
	if err != nil {
		logger.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to check credits")
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to check credits", err)
	}
	if !ok {
		return nil, apierror.WrapError(apierror.ErrInsufficientCredits,
			fmt.Sprintf("At least %s credits are required to start a %s server", hourly.String(), deployment), nil)
	}

	id, err := s.idGen.GenerateServerID()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to generate server ID")
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to generate server ID", err)
	}
	name := req.Name
	if name == "" {
		name = id
	}

	now := s.now()
	server := &model.Server{
		ID:              id,
		TenantID:        req.TenantID,
		Name:            name,
		DeploymentType:  deployment,
		Status:          model.ServerPending,
		ProvisionStatus: model.ProvisionPending,
		MonthlyPrice:    price,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if deployment == model.DeploymentShared {
		server.Image = s.opts.AssistantImage
	} else {
		server.Size = firstNonEmpty(req.Size, s.opts.DefaultSize)
		server.Region = firstNonEmpty(req.Region, s.opts.DefaultRegion)
		server.Image = firstNonEmpty(req.Image, s.opts.DefaultImage)
	}
	server.AppendLog(now, fmt.Sprintf("server created (%s, %s/month)", deployment, price.String()))

	if err := s.servers.Create(ctx, server); err != nil {
		logger.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to create server record")
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to create server", err)
	}
	logger.Info().
		Str("server_id", id).
		Str("tenant_id", req.TenantID).
		Str("deployment_type", string(deployment)).
		Msg("Server created")

	if err := s.startProvisioning(ctx, id); err != nil {
		return nil, err
	}
	if err := s.provision(ctx, id); err != nil {
		logger.Warn().Err(err).Str("server_id", id).Msg("Initial deploy attempt did not complete")
	}
	return s.GetServer(ctx, id)
}

// startProvisioning (pending, pending) -> (provisioning, provisioning)
func (s *ServerService) startProvisioning(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, func(server *model.Server) (bool, error) {
		if server.Status != model.ServerPending {
			return false, nil
		}
		server.Status = model.ServerProvisioning
		server.ProvisionStatus = model.ProvisionProvisioning
		server.AppendLog(s.now(), "provisioning started")
		return true, nil
	})
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// provision 尝试一次部署：共享部署先放置，再远端创建，最后提交实例句柄
// 瞬时失败保持 (provisioning, provisioning) 等待重试，终止失败或超过重试次数置为 (error, failed)
// 重试时先按实例名查找上一次可能已在远端完成的创建，找到则沿用
func (s *ServerService) provision(ctx context.Context, id string) error {
	server, hostAddress, err := s.prepareDeploy(ctx, id)
	if err != nil || server == nil {
		return err
	}
	// 部署开始后不随调用方取消，远端调用只受 RemoteCallTimeout 约束
	ctx = context.WithoutCancel(ctx)

	spec, err := s.buildSpec(ctx, server, hostAddress)
	if err != nil {
		return s.failDeploy(ctx, id, server.DeployAttempts, provisioner.NewTerminal("render", err))
	}

	backend := s.backends.For(server.DeploymentType)
	if server.DeployAttempts > 1 {
		handle, err := s.findExisting(ctx, backend, spec)
		if err != nil {
			return s.failDeploy(ctx, id, server.DeployAttempts, err)
		}
		if handle != nil {
			return s.finishDeploy(ctx, id, handle, true)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.RemoteCallTimeout)
	handle, err := backend.CreateInstance(callCtx, spec)
	cancel()
	if err != nil {
		return s.failDeploy(ctx, id, server.DeployAttempts, err)
	}
	return s.finishDeploy(ctx, id, handle, false)
}

// findExisting 后端不支持按名查找或实例不存在时返回 nil
func (s *ServerService) findExisting(ctx context.Context, p provisioner.Provisioner, spec *provisioner.InstanceSpec) (*provisioner.Handle, error) {
	finder, ok := p.(provisioner.Finder)
	if !ok {
		return nil, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, s.opts.RemoteCallTimeout)
	defer cancel()
	handle, err := finder.FindInstance(callCtx, spec)
	if errors.Is(err, provisioner.ErrNotFound) {
		return nil, nil
	}
	return handle, err
}

func (s *ServerService) finishDeploy(ctx context.Context, id string, handle *provisioner.Handle, adopted bool) error {
	if err := s.commitInstance(ctx, id, handle, adopted); err != nil {
		return err
	}
	// 模拟后端与快速后端在这里即可就绪
	if _, err := s.CheckServer(ctx, id); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("server_id", id).Msg("Post-create check failed")
	}
	return nil
}

// prepareDeploy 在锁内完成放置与尝试计数
// 不需要部署或等待容量时返回 nil server
func (s *ServerService) prepareDeploy(ctx context.Context, id string) (*model.Server, string, error) {
	unlock, err := s.locks.Lock(ctx, keylock.Key(lockKindServer, id))
	if err != nil {
		return nil, "", apierror.WrapError(apierror.ErrServiceUnavailable, "Server is busy", err)
	}
	defer unlock()

	current, err := s.getModel(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if !current.IsProvisioning() || current.InstanceID != "" {
		return nil, "", nil
	}

	var hostAddress string
	if current.DeploymentType == model.DeploymentShared {
		host, err := s.capacity.ReserveSlot(ctx, id)
		if err != nil {
			if !errors.Is(err, apierror.ErrNoCapacityAvailable) {
				return nil, "", err
			}
			return nil, "", s.deferDeploy(ctx, id)
		}
		hostAddress = host.Address
	}

	server, err := s.mutateLocked(ctx, id, func(server *model.Server) (bool, error) {
		server.CapacityWaits = 0
		server.DeployAttempts++
		server.AppendLog(s.now(), fmt.Sprintf("deploy attempt %d/%d", server.DeployAttempts, s.opts.MaxDeployRetries))
		return true, nil
	})
	if err != nil {
		return nil, "", err
	}
	return server, hostAddress, nil
}

// deferDeploy 记录一次因无可用主机的推迟，调用方已持有服务器锁
// 只在首次推迟时写日志；连续推迟达到上限后释放绑定并置为 (error, failed)
func (s *ServerService) deferDeploy(ctx context.Context, id string) error {
	logger := zerolog.Ctx(ctx)
	_, err := s.mutateLocked(ctx, id, func(server *model.Server) (bool, error) {
		now := s.now()
		server.CapacityWaits++
		if server.CapacityWaits >= s.opts.MaxCapacityWaits {
			server.Status = model.ServerError
			server.ProvisionStatus = model.ProvisionFailed
			server.HostID = ""
			server.AppendLog(now, fmt.Sprintf("no docker host capacity after %d attempts, giving up", server.CapacityWaits))
			logger.Warn().Str("server_id", id).Int("waits", server.CapacityWaits).Msg("No docker host capacity, deploy failed")
			return true, nil
		}
		if server.CapacityWaits == 1 {
			server.AppendLog(now, "no docker host capacity available, waiting")
		}
		logger.Info().Str("server_id", id).Int("waits", server.CapacityWaits).Msg("No docker host capacity, deploy deferred")
		return true, nil
	})
	return err
}

// buildSpec 组装实例参数，租户密钥注入容器环境变量或虚拟机 cloud-init
func (s *ServerService) buildSpec(ctx context.Context, server *model.Server, hostAddress string) (*provisioner.InstanceSpec, error) {
	env := map[string]string{}
	if s.secrets != nil {
		env = s.secrets.Env(ctx, server.TenantID)
	}
	env["ASSISTANT_SERVER_ID"] = server.ID
	env["ASSISTANT_TENANT_ID"] = server.TenantID

	spec := &provisioner.InstanceSpec{
		Name:   server.ID,
		Size:   server.Size,
		Region: server.Region,
		Image:  server.Image,
		Labels: map[string]string{"server_id": server.ID, "tenant_id": server.TenantID},
	}
	if server.DeploymentType == model.DeploymentShared {
		spec.HostAddress = hostAddress
		spec.Env = env
		return spec, nil
	}

	userData, err := s.cloudInit.AssistantVM(&cloudinit.AssistantVMOptions{
		Hostname: server.ID,
		SSHKeys:  s.opts.OperatorSSHKeys,
		Image:    s.opts.AssistantImage,
		Port:     s.opts.AssistantPort,
		Env:      env,
	})
	if err != nil {
		return nil, fmt.Errorf("render cloud-init: %w", err)
	}
	spec.UserData = userData
	return spec, nil
}

// failDeploy 记录一次失败的创建
func (s *ServerService) failDeploy(ctx context.Context, id string, attempt int, cause error) error {
	logger := zerolog.Ctx(ctx)

	giveUp := !provisioner.IsTransient(cause) || attempt >= s.opts.MaxDeployRetries
	if !giveUp {
		logger.Warn().Err(cause).Str("server_id", id).Int("attempt", attempt).Msg("Deploy attempt failed, will retry")
		_, err := s.mutate(ctx, id, func(server *model.Server) (bool, error) {
			if !server.IsProvisioning() || server.InstanceID != "" {
				return false, nil
			}
			server.AppendLog(s.now(), fmt.Sprintf("deploy attempt %d failed (transient, will retry): %v", attempt, cause))
			return true, nil
		})
		if err != nil {
			return err
		}
		return cause
	}

	logger.Error().Err(cause).Str("server_id", id).Int("attempt", attempt).Msg("Deploy failed")
	if err := s.markFailed(ctx, id, fmt.Sprintf("deploy attempt %d failed: %v", attempt, cause)); err != nil {
		return err
	}
	return cause
}

// markFailed 释放槽位并置为 (error, failed)
func (s *ServerService) markFailed(ctx context.Context, id, line string) error {
	unlock, err := s.locks.Lock(ctx, keylock.Key(lockKindServer, id))
	if err != nil {
		return apierror.WrapError(apierror.ErrServiceUnavailable, "Server is busy", err)
	}
	defer unlock()

	current, err := s.getModel(ctx, id)
	if err != nil {
		return err
	}
	if !current.IsProvisioning() || current.InstanceID != "" {
		return nil
	}
	if current.HostID != "" {
		if err := s.capacity.ReleaseSlot(ctx, id); err != nil {
			return err
		}
	}
	_, err = s.mutateLocked(ctx, id, func(server *model.Server) (bool, error) {
		if !server.IsProvisioning() || server.InstanceID != "" {
			return false, nil
		}
		server.Status = model.ServerError
		server.ProvisionStatus = model.ProvisionFailed
		server.AppendLog(s.now(), line)
		return true, nil
	})
	return err
}

// commitInstance 提交实例句柄，adopted 表示句柄来自之前某次尝试已创建的实例
// 服务器在创建期间被删除或已离开供应状态时，新建的远端实例是孤儿，立即删除
func (s *ServerService) commitInstance(ctx context.Context, id string, handle *provisioner.Handle, adopted bool) error {
	ctx = context.WithoutCancel(ctx)
	orphan := false
	_, err := s.mutate(ctx, id, func(server *model.Server) (bool, error) {
		if !server.IsProvisioning() || server.InstanceID != "" {
			orphan = true
			return false, nil
		}
		orphan = false
		server.Backend = string(handle.Backend)
		server.InstanceID = handle.ID
		server.HostAddress = handle.HostAddress
		if adopted {
			server.AppendLog(s.now(), fmt.Sprintf("adopted existing instance: %s/%s", handle.Backend, handle.ID))
		} else {
			server.AppendLog(s.now(), fmt.Sprintf("instance created: %s/%s", handle.Backend, handle.ID))
		}
		return true, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, apierror.ErrServerNotFound), errors.Is(err, apierror.ErrConcurrentModification):
			orphan = true
		default:
			return err
		}
	}
	if !orphan {
		zerolog.Ctx(ctx).Info().
			Str("server_id", id).
			Str("backend", string(handle.Backend)).
			Str("instance_id", handle.ID).
			Bool("adopted", adopted).
			Msg("Instance committed")
		return nil
	}

	zerolog.Ctx(ctx).Warn().Str("server_id", id).Str("instance_id", handle.ID).Msg("Server changed during create, deleting orphaned instance")
	p, lookupErr := s.backends.Lookup(string(handle.Backend))
	if lookupErr != nil {
		return lookupErr
	}
	callCtx, cancel := context.WithTimeout(ctx, s.opts.RemoteCallTimeout)
	defer cancel()
	if err := p.DeleteInstance(callCtx, handle); err != nil && !errors.Is(err, provisioner.ErrNotFound) {
		zerolog.Ctx(ctx).Error().Err(err).Str("instance_id", handle.ID).Msg("Failed to delete orphaned instance")
		return err
	}
	return nil
}

// needsCheck 是否有可观测的远端实例，(error, failed)、删除与待供应的服务器不再检查
func needsCheck(server *model.Server) bool {
	if server.InstanceID == "" || server.IsDeleted() {
		return false
	}
	if server.ProvisionStatus == model.ProvisionFailed {
		return false
	}
	return server.IsProvisioning() || server.ProvisionStatus == model.ProvisionReady
}

// CheckServer 查询一次后端状态并推进服务器状态
// 返回 status 或 provision_status 是否发生变化
func (s *ServerService) CheckServer(ctx context.Context, id string) (bool, error) {
	server, err := s.snapshot(ctx, id)
	if err != nil {
		return false, err
	}
	if !needsCheck(server) {
		return false, nil
	}

	p, err := s.backends.Lookup(server.Backend)
	if err != nil {
		return false, apierror.WrapError(apierror.ErrInternalError, "Failed to resolve backend", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, s.opts.RemoteCallTimeout)
	info, obsErr := p.GetStatus(callCtx, handleOf(server))
	var healthErr error
	if obsErr == nil && server.IsProvisioning() && info.Status == provisioner.StatusActive && info.Address != "" && s.opts.HealthCheckPath != "" {
		healthErr = s.healthCheck(callCtx, info.Address)
	}
	cancel()

	transitioned := false
	_, err = s.mutate(ctx, id, func(current *model.Server) (bool, error) {
		if current.Status != server.Status ||
			current.ProvisionStatus != server.ProvisionStatus ||
			current.InstanceID != server.InstanceID {
			// 观测期间状态已被其他写者推进，丢弃本次观测
			return false, nil
		}
		dirty := s.applyObservation(ctx, current, info, obsErr, healthErr)
		transitioned = current.Status != server.Status || current.ProvisionStatus != server.ProvisionStatus
		return dirty, nil
	})
	if err != nil {
		return false, err
	}
	return transitioned, nil
}

// applyObservation 根据观测结果修改 server，返回是否需要提交
func (s *ServerService) applyObservation(ctx context.Context, server *model.Server, info *provisioner.InstanceInfo, obsErr, healthErr error) bool {
	logger := zerolog.Ctx(ctx)
	now := s.now()

	if server.IsProvisioning() {
		reason := ""
		switch {
		case errors.Is(obsErr, provisioner.ErrNotFound):
			reason = "instance not found"
		case obsErr != nil:
			reason = obsErr.Error()
		case info.Status != provisioner.StatusActive:
			reason = "instance " + string(info.Status)
		case info.Address == "":
			reason = "instance has no address yet"
		case healthErr != nil:
			reason = "health check: " + healthErr.Error()
		}

		if reason == "" {
			server.Status = model.ServerRunning
			server.ProvisionStatus = model.ProvisionReady
			server.Address = info.Address
			server.ProvisionedAt = &now
			server.AppendLog(now, "ready at "+info.Address)
			logger.Info().Str("server_id", server.ID).Str("address", info.Address).Msg("Server ready")
			return true
		}

		server.ProbeAttempts++
		line := fmt.Sprintf("probe attempt %d/%d failed: %s", server.ProbeAttempts, s.opts.MaxProbeAttempts, reason)
		if server.ProbeAttempts >= s.opts.MaxProbeAttempts {
			server.Status = model.ServerError
			server.ProvisionStatus = model.ProvisionFailed
			line += "; giving up"
			logger.Warn().Str("server_id", server.ID).Int("attempts", server.ProbeAttempts).Msg("Server failed to become ready")
		} else {
			logger.Debug().Str("server_id", server.ID).Str("reason", reason).Msg("Server not ready yet")
		}
		server.AppendLog(now, line)
		return true
	}

	// 已供应完成的服务器：跟随远端状态
	if obsErr != nil {
		if errors.Is(obsErr, provisioner.ErrNotFound) && server.Status != model.ServerError {
			server.Status = model.ServerError
			server.AppendLog(now, "instance not found")
			logger.Warn().Str("server_id", server.ID).Msg("Instance disappeared")
			return true
		}
		logger.Debug().Err(obsErr).Str("server_id", server.ID).Msg("Status check failed, keeping state")
		return false
	}

	var target model.ServerStatus
	switch info.Status {
	case provisioner.StatusActive:
		target = model.ServerRunning
	case provisioner.StatusStopped:
		target = model.ServerStopped
	case provisioner.StatusError:
		target = model.ServerError
	default:
		return false
	}

	dirty := false
	if target != server.Status {
		server.AppendLog(now, fmt.Sprintf("instance %s: %s -> %s", info.Status, server.Status, target))
		logger.Info().
			Str("server_id", server.ID).
			Str("from", string(server.Status)).
			Str("to", string(target)).
			Msg("Server status changed")
		server.Status = target
		dirty = true
	}
	if info.Address != "" && info.Address != server.Address {
		server.Address = info.Address
		dirty = true
	}
	return dirty
}

// healthCheck GET http://{address}{path}，地址不含端口时使用助手端口
func (s *ServerService) healthCheck(ctx context.Context, address string) error {
	hostPort := address
	if _, _, err := net.SplitHostPort(address); err != nil {
		hostPort = net.JoinHostPort(address, strconv.Itoa(s.opts.AssistantPort))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+hostPort+s.opts.HealthCheckPath, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// CheckAll 检查所有有远端实例的未终结服务器
func (s *ServerService) CheckAll(ctx context.Context) (*entity.CheckResult, error) {
	logger := zerolog.Ctx(ctx)

	servers, err := s.servers.List(ctx, repository.ServerFilter{
		Statuses: []model.ServerStatus{
			model.ServerProvisioning, model.ServerRunning, model.ServerStopped, model.ServerError,
		},
	})
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to list servers", err)
	}

	result := &entity.CheckResult{}
	for _, server := range servers {
		if ctx.Err() != nil {
			break
		}
		if !needsCheck(server) {
			continue
		}
		result.Checked++
		changed, err := s.CheckServer(ctx, server.ID)
		if err != nil {
			result.Errors++
			logger.Error().Err(err).Str("server_id", server.ID).Msg("Failed to check server")
			continue
		}
		if changed {
			result.Changed++
		}
	}
	return result, nil
}

// DeleteServer 删除远端实例并写入墓碑，重复删除直接成功
// 远端瞬时失败时返回错误且不修改状态
func (s *ServerService) DeleteServer(ctx context.Context, id string) (*entity.DeleteServerResponse, error) {
	logger := zerolog.Ctx(ctx)

	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		server, err := s.snapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		if server.IsDeleted() {
			return s.deleteResponse(server, true)
		}

		if server.InstanceID != "" {
			p, err := s.backends.Lookup(server.Backend)
			if err != nil {
				return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to resolve backend", err)
			}
			callCtx, cancel := context.WithTimeout(ctx, s.opts.RemoteCallTimeout)
			err = p.DeleteInstance(callCtx, handleOf(server))
			cancel()
			if err != nil && !errors.Is(err, provisioner.ErrNotFound) {
				logger.Error().Err(err).Str("server_id", id).Msg("Failed to delete instance")
				return nil, apierror.WrapError(apierror.ErrServiceUnavailable, "Failed to delete instance, retry later", err)
			}
		}

		var already, instanceChanged bool
		final, err := s.mutate(ctx, id, func(current *model.Server) (bool, error) {
			if current.IsDeleted() {
				already = true
				return false, nil
			}
			if current.InstanceID != server.InstanceID {
				instanceChanged = true
				return false, nil
			}
			deletedAt := s.now().UTC()
			current.Status = model.ServerDeleted
			current.DeletedAt = &deletedAt
			current.ShutdownFlaggedAt = nil
			current.AppendLog(s.now(), "server deleted")
			return true, nil
		})
		if err != nil {
			return nil, err
		}
		if instanceChanged {
			// 远端删除期间有新实例提交，再删一次
			continue
		}
		if !already {
			logger.Info().Str("server_id", id).Str("tenant_id", final.TenantID).Msg("Server deleted")
		}
		return s.deleteResponse(final, already)
	}
	return nil, apierror.WrapError(apierror.ErrConcurrentModification, "Server kept changing during delete", nil)
}

func (s *ServerService) deleteResponse(server *model.Server, already bool) (*entity.DeleteServerResponse, error) {
	e, err := serverModelToEntity(server)
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to convert server", err)
	}
	return &entity.DeleteServerResponse{Server: e, AlreadyDeleted: already}, nil
}

// RetryPendingDeploys 重试长时间停留在待部署状态、且租户余额足够的服务器
func (s *ServerService) RetryPendingDeploys(ctx context.Context) (*entity.RetryResult, error) {
	logger := zerolog.Ctx(ctx)

	servers, err := s.servers.List(ctx, repository.ServerFilter{
		Statuses:      []model.ServerStatus{model.ServerPending, model.ServerProvisioning},
		UpdatedBefore: s.now().Add(-s.opts.PendingStaleAfter),
	})
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to list pending servers", err)
	}

	result := &entity.RetryResult{}
	for _, server := range servers {
		if ctx.Err() != nil {
			break
		}
		if server.InstanceID != "" || server.ProvisionStatus == model.ProvisionReady || server.ProvisionStatus == model.ProvisionFailed {
			continue
		}

		ok, _, err := s.canAfford(ctx, server.TenantID, server.MonthlyPrice)
		if err != nil {
			logger.Error().Err(err).Str("server_id", server.ID).Msg("Failed to check credits")
			continue
		}
		if !ok {
			result.Skipped++
			logger.Info().Str("server_id", server.ID).Str("tenant_id", server.TenantID).Msg("Skipping deploy retry, insufficient credits")
			continue
		}

		if server.DeployAttempts >= s.opts.MaxDeployRetries {
			line := fmt.Sprintf("giving up after %d deploy attempts", server.DeployAttempts)
			if err := s.markFailed(ctx, server.ID, line); err != nil {
				logger.Error().Err(err).Str("server_id", server.ID).Msg("Failed to mark server failed")
				continue
			}
			result.Failed++
			continue
		}

		result.Retried++
		if server.Status == model.ServerPending {
			if err := s.startProvisioning(ctx, server.ID); err != nil {
				logger.Error().Err(err).Str("server_id", server.ID).Msg("Failed to start provisioning")
				continue
			}
		}
		if err := s.provision(ctx, server.ID); err != nil {
			logger.Warn().Err(err).Str("server_id", server.ID).Msg("Deploy retry failed")
		}

		current, err := s.getModel(ctx, server.ID)
		if err != nil {
			continue
		}
		switch {
		case current.InstanceID != "":
			result.Succeeded++
		case current.ProvisionStatus == model.ProvisionFailed:
			result.Failed++
		}
	}
	return result, nil
}

// RequeueServer 将 (error, failed) 的服务器重新放回供应队列
func (s *ServerService) RequeueServer(ctx context.Context, id string) (*entity.Server, error) {
	logger := zerolog.Ctx(ctx)

	server, err := s.getModel(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, hourly, err := s.canAfford(ctx, server.TenantID, server.MonthlyPrice)
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to check credits", err)
	}
	if !ok {
		return nil, apierror.WrapError(apierror.ErrInsufficientCredits,
			fmt.Sprintf("At least %s credits are required to requeue this server", hourly.String()), nil)
	}

	requeued, err := s.mutate(ctx, id, func(current *model.Server) (bool, error) {
		if current.Status != model.ServerError || current.ProvisionStatus != model.ProvisionFailed {
			return false, apierror.WrapError(apierror.ErrInvalidServerState,
				fmt.Sprintf("Only failed servers can be requeued, server is (%s, %s)", current.Status, current.ProvisionStatus), nil)
		}
		current.Status = model.ServerProvisioning
		current.ProvisionStatus = model.ProvisionProvisioning
		current.ProbeAttempts = 0
		current.DeployAttempts = 0
		current.CapacityWaits = 0
		current.AppendLog(s.now(), "requeued")
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info().Str("server_id", id).Msg("Server requeued")

	if requeued.InstanceID == "" {
		if err := s.provision(ctx, id); err != nil {
			logger.Warn().Err(err).Str("server_id", id).Msg("Deploy after requeue failed")
		}
	} else if _, err := s.CheckServer(ctx, id); err != nil {
		logger.Warn().Err(err).Str("server_id", id).Msg("Check after requeue failed")
	}
	return s.GetServer(ctx, id)
}

// FlagForShutdown 标记欠费服务器，已标记时保留最早的标记时间
func (s *ServerService) FlagForShutdown(ctx context.Context, id, reason string) error {
	_, err := s.mutate(ctx, id, func(server *model.Server) (bool, error) {
		if server.Status != model.ServerRunning || server.ShutdownFlaggedAt != nil {
			return false, nil
		}
		now := s.now()
		server.ShutdownFlaggedAt = &now
		server.AppendLog(now, "flagged for shutdown: "+reason)
		return true, nil
	})
	return err
}

// StopServer 通过后端关机，用于欠费停机
func (s *ServerService) StopServer(ctx context.Context, id, reason string) error {
	logger := zerolog.Ctx(ctx)

	server, err := s.snapshot(ctx, id)
	if err != nil {
		return err
	}
	if server.Status != model.ServerRunning || server.InstanceID == "" {
		return nil
	}
	p, err := s.backends.Lookup(server.Backend)
	if err != nil {
		return err
	}
	stopper, ok := p.(provisioner.Stopper)
	if !ok {
		return fmt.Errorf("backend %s does not support stopping instances", server.Backend)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.RemoteCallTimeout)
	err = stopper.StopInstance(callCtx, handleOf(server))
	cancel()
	if err != nil {
		logger.Error().Err(err).Str("server_id", id).Msg("Failed to stop instance")
		return err
	}

	_, err = s.mutate(ctx, id, func(current *model.Server) (bool, error) {
		if current.Status != model.ServerRunning || current.InstanceID != server.InstanceID {
			return false, nil
		}
		current.Status = model.ServerStopped
		current.AppendLog(s.now(), "stopped: "+reason)
		return true, nil
	})
	if err != nil {
		return err
	}
	logger.Warn().Str("server_id", id).Str("reason", reason).Msg("Server stopped")
	return nil
}

// GetServer 查询服务器
func (s *ServerService) GetServer(ctx context.Context, id string) (*entity.Server, error) {
	server, err := s.getModel(ctx, id)
	if err != nil {
		return nil, err
	}
	e, err := serverModelToEntity(server)
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to convert server", err)
	}
	return e, nil
}

// ListServers 列出服务器，默认不含墓碑记录
func (s *ServerService) ListServers(ctx context.Context, req *entity.ListServersRequest) (*entity.ListServersResponse, error) {
	servers, err := s.servers.List(ctx, repository.ServerFilter{
		TenantID:       req.TenantID,
		ExcludeDeleted: !req.IncludeDeleted,
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to list servers")
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to list servers", err)
	}

	resp := &entity.ListServersResponse{Servers: make([]entity.Server, 0, len(servers))}
	for _, server := range servers {
		e, err := serverModelToEntity(server)
		if err != nil {
			return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to convert server", err)
		}
		resp.Servers = append(resp.Servers, *e)
	}
	return resp, nil
}

// GetProvisionLog 返回纯文本供应日志
func (s *ServerService) GetProvisionLog(ctx context.Context, id string) (string, error) {
	server, err := s.getModel(ctx, id)
	if err != nil {
		return "", err
	}
	return server.ProvisionLog, nil
}
