package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/jimyag/assistd/internal/assistd/repository"
	"github.com/jimyag/assistd/internal/assistd/repository/model"
	"github.com/jimyag/assistd/pkg/apierror"
	"github.com/jimyag/assistd/pkg/idgen"
	"github.com/jimyag/assistd/pkg/keylock"
	"github.com/jimyag/assistd/pkg/provisioner"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const (
	lockKindHost      = "host"
	ensureCapacityKey = "capacity:ensure"
)

// CapacityOptions 容量管理参数
type CapacityOptions struct {
	MinAvailableSlots    int
	MaxContainersPerHost int
	MaxHostProbeAttempts int
	HostSize             string
	HostRegion           string
	HostImage            string
	RemoteCallTimeout    time.Duration
	// HostUserData 生成新主机的 cloud-init，为空时不传 user-data
	HostUserData func(hostname string) (string, error)
}

// CapacityService 共享 Docker 主机的容量管理
//
// 放置与绑定在 placeMu 与数据库事务内完成，活跃容器数在临界区内现算；
// 扩容巡检由非阻塞锁保护，同一时刻只有一次巡检在执行。
type CapacityService struct {
	repo   *repository.Repository
	locks  *keylock.Locker
	hosts  provisioner.Provisioner
	pinger provisioner.Pinger
	opts   CapacityOptions
	idGen  *idgen.Generator
	now    func() time.Time

	placeMu sync.Mutex
}

// NewCapacityService 创建容量服务
// hosts 用于创建/删除主机虚拟机，pinger 用于检查主机上的 Docker 是否可用
func NewCapacityService(
	repo *repository.Repository,
	locks *keylock.Locker,
	hosts provisioner.Provisioner,
	pinger provisioner.Pinger,
	opts CapacityOptions,
) *CapacityService {
	if opts.MaxHostProbeAttempts <= 0 {
		opts.MaxHostProbeAttempts = 10
	}
	if opts.MaxContainersPerHost <= 0 {
		opts.MaxContainersPerHost = 20
	}
	if opts.RemoteCallTimeout <= 0 {
		opts.RemoteCallTimeout = time.Minute
	}
	return &CapacityService{
		repo:   repo,
		locks:  locks,
		hosts:  hosts,
		pinger: pinger,
		opts:   opts,
		idGen:  idgen.DefaultGenerator(),
		now:    time.Now,
	}
}

// listCapacities 在 db 上读取主机并现算活跃容器数
func listCapacities(ctx context.Context, db *gorm.DB, statuses ...model.HostStatus) ([]*model.HostCapacity, error) {
	hosts, err := repository.NewHostRepository(db).List(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	counts, err := repository.NewServerRepository(db).ActiveCountsByHost(ctx)
	if err != nil {
		return nil, fmt.Errorf("count containers: %w", err)
	}
	caps := make([]*model.HostCapacity, 0, len(hosts))
	for _, h := range hosts {
		caps = append(caps, &model.HostCapacity{Host: h, ActiveContainerCount: counts[h.ID]})
	}
	return caps, nil
}

// pickHost 取可用槽位最多的主机，相同时取最早创建的；caps 已按创建时间升序
func pickHost(caps []*model.HostCapacity) *model.HostCapacity {
	var best *model.HostCapacity
	for _, c := range caps {
		if c.Host.Status != model.HostReady || c.AvailableSlots() == 0 {
			continue
		}
		if best == nil || c.AvailableSlots() > best.AvailableSlots() {
			best = c
		}
	}
	return best
}

// SelectHostForPlacement 只读地选择放置主机，不绑定
func (s *CapacityService) SelectHostForPlacement(ctx context.Context) (*model.DockerHost, error) {
	caps, err := listCapacities(ctx, s.repo.DB(), model.HostReady)
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to load host capacity", err)
	}
	best := pickHost(caps)
	if best == nil {
		return nil, apierror.ErrNoCapacityAvailable
	}
	return best.Host, nil
}

// ReserveSlot 选择主机并绑定到服务器
// 服务器已绑定到仍可用的主机时直接返回该主机
func (s *CapacityService) ReserveSlot(ctx context.Context, serverID string) (*model.DockerHost, error) {
	s.placeMu.Lock()
	defer s.placeMu.Unlock()

	var chosen *model.DockerHost
	err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		servers := repository.NewServerRepository(tx)
		server, err := servers.GetByID(ctx, serverID)
		if err != nil {
			if repository.IsNotFound(err) {
				return apierror.ErrServerNotFound
			}
			return err
		}
		if server.DeploymentType != model.DeploymentShared {
			return apierror.WrapError(apierror.ErrInvalidServerState, "Only shared servers are placed on docker hosts", nil)
		}

		caps, err := listCapacities(ctx, tx, model.HostReady)
		if err != nil {
			return err
		}
		if server.HostID != "" {
			for _, c := range caps {
				if c.Host.ID == server.HostID {
					chosen = c.Host
					return nil
				}
			}
		}

		best := pickHost(caps)
		if best == nil {
			return apierror.ErrNoCapacityAvailable
		}
		server.HostID = best.Host.ID
		server.AppendLog(s.now(), fmt.Sprintf("reserved slot on host %s (%d/%d in use)",
			best.Host.ID, best.ActiveContainerCount+1, best.Host.MaxContainers))
		if err := servers.Update(ctx, server); err != nil {
			return err
		}
		chosen = best.Host
		return nil
	})
	if err != nil {
		return nil, asAPIError(err, "Failed to reserve slot")
	}

	zerolog.Ctx(ctx).Debug().Str("server_id", serverID).Str("host_id", chosen.ID).Msg("Slot reserved")
	return chosen, nil
}

// ReleaseSlot 解除服务器与主机的绑定，未绑定时什么也不做
func (s *CapacityService) ReleaseSlot(ctx context.Context, serverID string) error {
	err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		servers := repository.NewServerRepository(tx)
		server, err := servers.GetByID(ctx, serverID)
		if err != nil {
			return err
		}
		if server.HostID == "" {
			return nil
		}
		server.AppendLog(s.now(), "released slot on host "+server.HostID)
		server.HostID = ""
		return servers.Update(ctx, server)
	})
	if err != nil {
		return asAPIError(err, "Failed to release slot")
	}
	zerolog.Ctx(ctx).Debug().Str("server_id", serverID).Msg("Slot released")
	return nil
}

// ListHosts 列出全部主机及现算容量
func (s *CapacityService) ListHosts(ctx context.Context) (*entity.ListHostsResponse, error) {
	caps, err := listCapacities(ctx, s.repo.DB())
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to list hosts")
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to list hosts", err)
	}

	resp := &entity.ListHostsResponse{Hosts: make([]entity.DockerHost, 0, len(caps))}
	for _, c := range caps {
		e, err := hostModelToEntity(c)
		if err != nil {
			return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to convert host", err)
		}
		resp.Hosts = append(resp.Hosts, *e)
		if c.Host.Status == model.HostReady {
			resp.TotalAvailable += c.AvailableSlots()
		}
	}
	return resp, nil
}

// DrainHost 停止向主机放置新容器，已在 draining 时为空操作
func (s *CapacityService) DrainHost(ctx context.Context, hostID string) (*entity.DockerHost, error) {
	logger := zerolog.Ctx(ctx)

	unlock, err := s.locks.Lock(ctx, keylock.Key(lockKindHost, hostID))
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrServiceUnavailable, "Host is busy", err)
	}
	defer unlock()

	hosts := repository.NewHostRepository(s.repo.DB())
	host, err := hosts.GetByID(ctx, hostID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, apierror.ErrHostNotFound
		}
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to get host", err)
	}

	switch host.Status {
	case model.HostDraining:
	case model.HostReady, model.HostError:
		host.Status = model.HostDraining
		host.AppendLog(s.now(), "draining")
		if err := hosts.Update(ctx, host); err != nil {
			return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to update host", err)
		}
		logger.Info().Str("host_id", hostID).Msg("Host draining")
	default:
		return nil, apierror.WrapError(apierror.ErrInvalidHostState,
			fmt.Sprintf("Host in status %s cannot be drained", host.Status), nil)
	}

	caps, err := listCapacities(ctx, s.repo.DB())
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to load host capacity", err)
	}
	for _, c := range caps {
		if c.Host.ID == hostID {
			e, err := hostModelToEntity(c)
			if err != nil {
				return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to convert host", err)
			}
			return e, nil
		}
	}
	return nil, apierror.ErrHostNotFound
}

// EnsureCapacity 推进供应中的主机、按需新建一台主机、下线已排空的主机
func (s *CapacityService) EnsureCapacity(ctx context.Context) (*entity.EnsureCapacityResult, error) {
	logger := zerolog.Ctx(ctx)

	unlock, err := s.locks.TryLock(ensureCapacityKey)
	if err != nil {
		if errors.Is(err, keylock.ErrBusy) {
			logger.Debug().Msg("Capacity check already running, skipping")
			return &entity.EnsureCapacityResult{Skipped: true}, nil
		}
		return nil, err
	}
	defer unlock()

	result := &entity.EnsureCapacityResult{}

	// 1. 推进 provisioning 主机
	provisioning, err := repository.NewHostRepository(s.repo.DB()).List(ctx, model.HostProvisioning)
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to list provisioning hosts", err)
	}
	stillProvisioning := 0
	for _, host := range provisioning {
		status, err := s.probeHost(ctx, host.ID)
		if err != nil {
			logger.Error().Err(err).Str("host_id", host.ID).Msg("Failed to probe host")
			stillProvisioning++
			continue
		}
		switch status {
		case model.HostReady:
			result.Promoted = append(result.Promoted, host.ID)
		case model.HostError:
			result.Failed = append(result.Failed, host.ID)
		default:
			stillProvisioning++
		}
	}

	// 2. 可用槽位不足且没有主机在供应时新建一台
	caps, err := listCapacities(ctx, s.repo.DB(), model.HostReady)
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "Failed to load host capacity", err)
	}
	available := 0
	for _, c := range caps {
		available += c.AvailableSlots()
	}
	if available < s.opts.MinAvailableSlots && stillProvisioning == 0 {
		logger.Info().
			Int("available", available).
			Int("min_available", s.opts.MinAvailableSlots).
			Msg("Available slots below minimum, creating docker host")
		hostID, err := s.createHost(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create docker host")
		}
		if hostID != "" {
			result.Created = hostID
			status, err := s.probeHost(ctx, hostID)
			if err != nil {
				logger.Error().Err(err).Str("host_id", hostID).Msg("Failed to probe new host")
			}
			switch status {
			case model.HostReady:
				result.Promoted = append(result.Promoted, hostID)
				available += s.opts.MaxContainersPerHost
			case model.HostError:
				result.Failed = append(result.Failed, hostID)
			}
		}
	}
	result.TotalAvailable = available

	// 3. 下线已排空的 draining 主机
	offlined, err := s.offlineDrained(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to offline drained hosts")
	}
	result.Offlined = offlined

	return result, nil
}

// probeHost 探测一次供应中的主机，返回探测后的状态
func (s *CapacityService) probeHost(ctx context.Context, hostID string) (model.HostStatus, error) {
	logger := zerolog.Ctx(ctx)

	host, err := repository.NewHostRepository(s.repo.DB()).GetByID(ctx, hostID)
	if err != nil {
		return "", err
	}
	if host.Status != model.HostProvisioning {
		return host.Status, nil
	}

	address, reason := s.observeHost(ctx, host)

	unlock, err := s.locks.Lock(ctx, keylock.Key(lockKindHost, hostID))
	if err != nil {
		return "", err
	}
	defer unlock()

	hosts := repository.NewHostRepository(s.repo.DB())
	current, err := hosts.GetByID(ctx, hostID)
	if err != nil {
		return "", err
	}
	if current.Status != model.HostProvisioning {
		return current.Status, nil
	}

	now := s.now()
	if reason == "" {
		current.Status = model.HostReady
		current.Address = address
		current.ReadyAt = &now
		current.AppendLog(now, "ready at "+address)
		logger.Info().Str("host_id", hostID).Str("address", address).Msg("Docker host ready")
	} else {
		current.ProbeAttempts++
		line := fmt.Sprintf("probe attempt %d/%d failed: %s", current.ProbeAttempts, s.opts.MaxHostProbeAttempts, reason)
		if current.ProbeAttempts >= s.opts.MaxHostProbeAttempts {
			current.Status = model.HostError
			line += "; giving up"
			logger.Warn().Str("host_id", hostID).Int("attempts", current.ProbeAttempts).Msg("Docker host failed to become ready")
		} else {
			logger.Debug().Str("host_id", hostID).Str("reason", reason).Msg("Docker host not ready yet")
		}
		current.AppendLog(now, line)
	}
	if err := hosts.Update(ctx, current); err != nil {
		return "", err
	}
	return current.Status, nil
}

// observeHost 查询主机实例并 ping Docker，返回地址或未就绪原因
func (s *CapacityService) observeHost(ctx context.Context, host *model.DockerHost) (string, string) {
	if host.InstanceID == "" {
		return "", "no instance"
	}
	callCtx, cancel := context.WithTimeout(ctx, s.opts.RemoteCallTimeout)
	defer cancel()

	info, err := s.hosts.GetStatus(callCtx, &provisioner.Handle{Backend: provisioner.Backend(host.Backend), ID: host.InstanceID})
	if err != nil {
		if errors.Is(err, provisioner.ErrNotFound) {
			return "", "instance not found"
		}
		return "", err.Error()
	}
	if info.Status != provisioner.StatusActive || info.Address == "" {
		return "", "instance " + string(info.Status)
	}
	if err := s.pinger.Ping(callCtx, info.Address); err != nil {
		return "", "docker ping: " + err.Error()
	}
	return info.Address, ""
}

// createHost 先落库 provisioning 记录再创建虚拟机
// 远端创建失败时主机直接置为 error，返回的 ID 仍有效
func (s *CapacityService) createHost(ctx context.Context) (string, error) {
	// 巡检超时或取消不打断已开始的主机创建
	ctx = context.WithoutCancel(ctx)
	hostID, err := s.idGen.GenerateHostID()
	if err != nil {
		return "", err
	}
	now := s.now()
	host := &model.DockerHost{
		ID:            hostID,
		Name:          hostID,
		Status:        model.HostProvisioning,
		MaxContainers: s.opts.MaxContainersPerHost,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	host.AppendLog(now, "host created")

	hosts := repository.NewHostRepository(s.repo.DB())
	if err := hosts.Create(ctx, host); err != nil {
		return "", fmt.Errorf("insert host: %w", err)
	}

	spec := &provisioner.InstanceSpec{
		Name:   hostID,
		Size:   s.opts.HostSize,
		Region: s.opts.HostRegion,
		Image:  s.opts.HostImage,
		Labels: map[string]string{"role": "docker-host", "host_id": hostID},
	}
	if s.opts.HostUserData != nil {
		userData, err := s.opts.HostUserData(hostID)
		if err != nil {
			return hostID, s.failHost(ctx, hostID, fmt.Errorf("render cloud-init: %w", err))
		}
		spec.UserData = userData
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.RemoteCallTimeout)
	handle, err := s.hosts.CreateInstance(callCtx, spec)
	cancel()
	if err != nil && provisioner.IsTransient(err) {
		// 超时等瞬时错误下远端可能已创建成功，找到则沿用
		if found := s.findHostInstance(ctx, spec); found != nil {
			handle, err = found, nil
		}
	}
	if err != nil {
		return hostID, s.failHost(ctx, hostID, err)
	}

	unlock, err := s.locks.Lock(ctx, keylock.Key(lockKindHost, hostID))
	if err != nil {
		return hostID, err
	}
	defer unlock()
	current, err := hosts.GetByID(ctx, hostID)
	if err != nil {
		return hostID, err
	}
	current.Backend = string(handle.Backend)
	current.InstanceID = handle.ID
	current.AppendLog(s.now(), fmt.Sprintf("instance created: %s/%s", handle.Backend, handle.ID))
	if err := hosts.Update(ctx, current); err != nil {
		return hostID, err
	}

	zerolog.Ctx(ctx).Info().Str("host_id", hostID).Str("instance_id", handle.ID).Msg("Docker host instance created")
	return hostID, nil
}

func (s *CapacityService) findHostInstance(ctx context.Context, spec *provisioner.InstanceSpec) *provisioner.Handle {
	finder, ok := s.hosts.(provisioner.Finder)
	if !ok {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, s.opts.RemoteCallTimeout)
	defer cancel()
	handle, err := finder.FindInstance(callCtx, spec)
	if err != nil {
		if !errors.Is(err, provisioner.ErrNotFound) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("host_id", spec.Name).Msg("Failed to look up host instance after create error")
		}
		return nil
	}
	return handle
}

func (s *CapacityService) failHost(ctx context.Context, hostID string, cause error) error {
	unlock, err := s.locks.Lock(ctx, keylock.Key(lockKindHost, hostID))
	if err != nil {
		return err
	}
	defer unlock()

	hosts := repository.NewHostRepository(s.repo.DB())
	host, err := hosts.GetByID(ctx, hostID)
	if err != nil {
		return err
	}
	host.Status = model.HostError
	host.AppendLog(s.now(), "create failed: "+cause.Error())
	if err := hosts.Update(ctx, host); err != nil {
		return err
	}
	return cause
}

// offlineDrained 将没有活跃容器的 draining 主机下线并删除其虚拟机
// 远端删除失败的主机保持 draining，下次巡检重试
func (s *CapacityService) offlineDrained(ctx context.Context) ([]string, error) {
	logger := zerolog.Ctx(ctx)

	caps, err := listCapacities(ctx, s.repo.DB(), model.HostDraining)
	if err != nil {
		return nil, err
	}

	var offlined []string
	for _, c := range caps {
		if c.ActiveContainerCount > 0 {
			continue
		}
		host := c.Host
		if host.InstanceID != "" {
			callCtx, cancel := context.WithTimeout(ctx, s.opts.RemoteCallTimeout)
			err := s.hosts.DeleteInstance(callCtx, &provisioner.Handle{Backend: provisioner.Backend(host.Backend), ID: host.InstanceID})
			cancel()
			if err != nil && !errors.Is(err, provisioner.ErrNotFound) {
				logger.Warn().Err(err).Str("host_id", host.ID).Msg("Failed to delete drained host instance")
				continue
			}
		}

		err := s.locks.WithLock(ctx, keylock.Key(lockKindHost, host.ID), func() error {
			hosts := repository.NewHostRepository(s.repo.DB())
			current, err := hosts.GetByID(ctx, host.ID)
			if err != nil {
				return err
			}
			if current.Status != model.HostDraining {
				return nil
			}
			current.Status = model.HostOffline
			current.AppendLog(s.now(), "offline")
			return hosts.Update(ctx, current)
		})
		if err != nil {
			logger.Error().Err(err).Str("host_id", host.ID).Msg("Failed to offline host")
			continue
		}
		logger.Info().Str("host_id", host.ID).Msg("Drained host offline")
		offlined = append(offlined, host.ID)
	}
	return offlined, nil
}
