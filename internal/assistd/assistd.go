// Package assistd 组装 assistd 的各个服务并管理其生命周期
package assistd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jimmicro/grace"
	"github.com/jimyag/assistd/internal/assistd/api"
	"github.com/jimyag/assistd/internal/assistd/config"
	"github.com/jimyag/assistd/internal/assistd/repository"
	"github.com/jimyag/assistd/internal/assistd/scheduler"
	"github.com/jimyag/assistd/internal/assistd/service"
	"github.com/jimyag/assistd/pkg/cloudinit"
	"github.com/jimyag/assistd/pkg/keylock"
	"github.com/jimyag/assistd/pkg/libvirt"
	"github.com/jimyag/assistd/pkg/provisioner"
	"github.com/jimyag/assistd/pkg/provisioner/cloud"
	"github.com/jimyag/assistd/pkg/provisioner/docker"
	"github.com/jimyag/assistd/pkg/sealed"
	"github.com/rs/zerolog"
)

// 周期任务名，也是 /api/jobs/run 接受的 name
const (
	JobCheckStatus         = "check-status"
	JobSyncLLMUsage        = "sync-llm-usage"
	JobEnsureCapacity      = "ensure-docker-capacity"
	JobRetryPendingDeploys = "retry-pending-deploys"
	JobChargeHourly        = "charge-hourly"
)

type Server struct {
	cfg       *config.Config
	repo      *repository.Repository
	api       *api.API
	scheduler *scheduler.Scheduler
	closers   []func() error
}

// backendSet 独享、共享、主机三类后端
type backendSet struct {
	dedicatedName provisioner.Backend
	dedicated     provisioner.Provisioner
	sharedName    provisioner.Backend
	shared        provisioner.Provisioner
	hosts         provisioner.Provisioner
	pinger        provisioner.Pinger
	hostUserData  func(hostname string) (string, error)
	closers       []func() error
}

func New(cfg *config.Config) (*Server, error) {
	logger := zerolog.DefaultContextLogger
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}

	// 1. 数据库
	repo, err := repository.New(cfg.Database.Driver, cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("Repository initialized")

	// 2. 密钥存储，未配置私钥时密钥接口返回 503，实例不注入密钥
	box, err := sealed.New(cfg.SecretIdentity)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("load secret identity: %w", err)
	}
	if !box.Available() {
		logger.Warn().Msg("No secret identity configured, tenant secrets are disabled")
	}

	// 3. 供应后端
	backends, err := newBackends(cfg)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	logger.Info().
		Str("mode", cfg.Provisioner.Mode).
		Str("dedicated", string(backends.dedicatedName)).
		Str("shared", string(backends.sharedName)).
		Msg("Provisioner backends configured")

	// 4. 服务
	locks := keylock.New(30 * time.Second)
	creditService := service.NewCreditService(repo, locks)
	capacityService := service.NewCapacityService(repo, locks, backends.hosts, backends.pinger, service.CapacityOptions{
		MinAvailableSlots:    cfg.Capacity.MinAvailableSlots,
		MaxContainersPerHost: cfg.Capacity.MaxContainersPerHost,
		MaxHostProbeAttempts: cfg.Capacity.MaxHostProbeAttempts,
		HostSize:             cfg.Capacity.HostSize,
		HostRegion:           cfg.Capacity.HostRegion,
		HostImage:            cfg.Capacity.HostImage,
		RemoteCallTimeout:    cfg.Orchestrator.RemoteCallTimeout,
		HostUserData:         backends.hostUserData,
	})
	secretService := service.NewSecretService(repo, box)
	serverService := service.NewServerService(
		repo, locks, creditService, capacityService, secretService,
		service.NewBackends(backends.dedicatedName, backends.dedicated, backends.sharedName, backends.shared),
		service.ServerOptions{
			MaxProbeAttempts:  cfg.Orchestrator.MaxProbeAttempts,
			MaxDeployRetries:  cfg.Orchestrator.MaxDeployRetries,
			MaxCapacityWaits:  cfg.Orchestrator.MaxCapacityWaits,
			PendingStaleAfter: cfg.Orchestrator.PendingStaleAfter,
			RemoteCallTimeout: cfg.Orchestrator.RemoteCallTimeout,
			DefaultSize:       cfg.Orchestrator.DefaultSize,
			DefaultRegion:     cfg.Orchestrator.DefaultRegion,
			DefaultImage:      cfg.Orchestrator.DefaultImage,
			AssistantImage:    cfg.Provisioner.DockerImage,
			HealthCheckPath:   cfg.Orchestrator.HealthCheckPath,
			DedicatedPrice:    cfg.Billing.DedicatedPrice(),
			SharedPrice:       cfg.Billing.SharedPrice(),
			HoursPerPeriod:    cfg.Billing.HoursPerPeriod,
			OperatorSSHKeys:   cfg.Provisioner.OperatorSSHKeys,
		},
	)
	reconcileService := service.NewReconcileService(repo, locks, creditService, serverService, newUsageSource(cfg), service.ReconcileOptions{
		HoursPerPeriod: cfg.Billing.HoursPerPeriod,
		ShutdownGrace:  cfg.Billing.ShutdownGrace,
		CreditsPerUSD:  cfg.Billing.ConversionRate(),
	})
	paymentService := service.NewPaymentService(repo, creditService, service.PaymentOptions{
		WebhookSecret: cfg.WebhookSecret,
		WelcomeBonus:  cfg.Billing.WelcomeBonusAmount(),
		CreditsPerUSD: cfg.Billing.ConversionRate(),
	})
	if cfg.WebhookSecret == "" {
		logger.Warn().Msg("No webhook secret configured, payment webhooks will be rejected")
	}

	// 5. 周期任务
	sched, err := scheduler.New(cfg.Schedule.JobTimeout,
		scheduler.Job{Name: JobCheckStatus, Interval: cfg.Schedule.StatusCheck, Run: func(ctx context.Context) error {
			res, err := reconcileService.CheckStatus(ctx)
			if err == nil {
				zerolog.Ctx(ctx).Debug().Int("checked", res.Checked).Int("changed", res.Changed).Int("errors", res.Errors).Msg("Status check finished")
			}
			return err
		}},
		scheduler.Job{Name: JobSyncLLMUsage, Interval: cfg.Schedule.UsageSync, Run: func(ctx context.Context) error {
			res, err := reconcileService.SyncLLMUsage(ctx)
			if err == nil {
				zerolog.Ctx(ctx).Debug().Int("tenants", res.Tenants).Int("charged", res.Charged).Int("insufficient", res.Insufficient).Int("errors", res.Errors).Msg("LLM usage sync finished")
			}
			return err
		}},
		scheduler.Job{Name: JobEnsureCapacity, Interval: cfg.Schedule.CapacityEnsure, Run: func(ctx context.Context) error {
			res, err := capacityService.EnsureCapacity(ctx)
			if err == nil && !res.Skipped {
				zerolog.Ctx(ctx).Debug().Int("total_available", res.TotalAvailable).Str("created", res.Created).Strs("promoted", res.Promoted).Msg("Capacity check finished")
			}
			return err
		}},
		scheduler.Job{Name: JobRetryPendingDeploys, Interval: cfg.Schedule.PendingRetry, Run: func(ctx context.Context) error {
			res, err := serverService.RetryPendingDeploys(ctx)
			if err == nil && res.Retried > 0 {
				zerolog.Ctx(ctx).Info().Int("retried", res.Retried).Int("succeeded", res.Succeeded).Int("failed", res.Failed).Msg("Pending deploys retried")
			}
			return err
		}},
		scheduler.Job{Name: JobChargeHourly, Interval: cfg.Schedule.HourlyCharge, Run: func(ctx context.Context) error {
			res, err := reconcileService.ChargeHourly(ctx)
			if err == nil {
				zerolog.Ctx(ctx).Info().Int("charged", res.Charged).Int("flagged", res.Flagged).Int("stopped", res.Stopped).Int("errors", res.Errors).Msg("Hourly charge finished")
			}
			return err
		}},
	)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	// 6. API
	apiInstance, err := api.New(api.Options{
		Address:   cfg.Address,
		RateLimit: cfg.API.RateLimit,
		RateBurst: cfg.API.RateBurst,
		CacheTTL:  cfg.API.CacheTTL,
	}, api.Services{
		Servers:  serverService,
		Credits:  creditService,
		Hosts:    capacityService,
		Secrets:  secretService,
		Payments: paymentService,
		Jobs:     sched,
	})
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	return &Server{
		cfg:       cfg,
		repo:      repo,
		api:       apiInstance,
		scheduler: sched,
		closers:   backends.closers,
	}, nil
}

// newBackends 按配置创建后端
// mock 模式下三类实例共用一个模拟后端，句柄落库的后端名都是 simulated
func newBackends(cfg *config.Config) (*backendSet, error) {
	p := cfg.Provisioner
	if p.Mode == config.ModeMock {
		sim := provisioner.NewSimulated(provisioner.SimulatedConfig{Backend: provisioner.BackendSimulated})
		return &backendSet{
			dedicatedName: provisioner.BackendSimulated,
			dedicated:     sim,
			sharedName:    provisioner.BackendSimulated,
			shared:        sim,
			hosts:         sim,
			pinger:        simulatedPinger{},
		}, nil
	}

	set := &backendSet{
		sharedName: provisioner.BackendDocker,
	}
	dockerClient := docker.New(docker.Config{
		Token:   p.DockerToken,
		APIPort: p.DockerPort,
		Image:   p.DockerImage,
		Timeout: cfg.Orchestrator.RemoteCallTimeout,
	})
	set.shared = dockerClient
	set.pinger = dockerClient

	cloudClient := cloud.New(cloud.Config{
		BaseURL:   p.CloudURL,
		Token:     p.CloudToken,
		RateLimit: p.CloudRateLimit,
		Timeout:   cfg.Orchestrator.RemoteCallTimeout,
		Tags:      []string{"assistd"},
	})
	// Docker 主机总是在云上创建
	set.hosts = cloudClient

	switch p.Dedicated {
	case config.DedicatedLibvirt:
		libvirtClient := libvirt.New(libvirt.Config{
			URI:       p.LibvirtURI,
			Pool:      p.LibvirtPool,
			BaseImage: p.LibvirtBaseImage,
			Network:   p.LibvirtNetwork,
			ISODir:    filepath.Join(cfg.DataDir, "cloudinit"),
		})
		set.dedicatedName = provisioner.BackendLibvirt
		set.dedicated = libvirtClient
		set.closers = append(set.closers, libvirtClient.Close)
	default:
		set.dedicatedName = provisioner.BackendCloud
		set.dedicated = cloudClient
	}

	generator := cloudinit.NewGenerator()
	set.hostUserData = func(hostname string) (string, error) {
		return generator.DockerHost(&cloudinit.DockerHostOptions{
			Hostname:  hostname,
			SSHKeys:   p.OperatorSSHKeys,
			APIPort:   p.DockerPort,
			Token:     p.DockerToken,
			PullImage: p.DockerImage,
		})
	}
	return set, nil
}

func newUsageSource(cfg *config.Config) service.UsageSource {
	if cfg.Billing.UsageURL == "" {
		return service.NewSimulatedUsageSource()
	}
	return service.NewHTTPUsageSource(cfg.Billing.UsageURL, cfg.Billing.UsageToken)
}

// simulatedPinger mock 模式下主机就绪即可用
type simulatedPinger struct{}

func (simulatedPinger) Ping(ctx context.Context, hostAddress string) error {
	return ctx.Err()
}

func (s *Server) Run(ctx context.Context) error {
	// 使用 grace.Shepherd 管理服务生命周期
	services := []grace.Grace{
		s.api,
		s.scheduler,
	}

	shepherd := grace.NewShepherd(
		services,
		grace.WithTimeout(30*time.Second),
		grace.WithLogger(&zerologLogger{}),
	)

	shepherd.Start(ctx)
	return s.close()
}

func (s *Server) Shutdown(ctx context.Context) error {
	apiErr := s.api.Shutdown(ctx)
	schedErr := s.scheduler.Shutdown(ctx)
	if err := s.close(); err != nil {
		return err
	}
	if apiErr != nil {
		return apiErr
	}
	return schedErr
}

func (s *Server) close() error {
	for _, c := range s.closers {
		_ = c()
	}
	s.closers = nil
	if s.repo == nil {
		return nil
	}
	err := s.repo.Close()
	s.repo = nil
	return err
}

// Name 实现 grace.Grace 接口
func (s *Server) Name() string {
	return "assistd"
}

// zerologLogger 实现 grace.Logger 接口
type zerologLogger struct{}

func (l *zerologLogger) Info(msg string, args ...interface{}) {
	logger := zerolog.DefaultContextLogger.Info()
	if len(args) > 0 {
		logger.Msgf(msg, args...)
	} else {
		logger.Msg(msg)
	}
}

func (l *zerologLogger) Error(msg string, args ...interface{}) {
	logger := zerolog.DefaultContextLogger.Error()
	if len(args) > 0 {
		logger.Msgf(msg, args...)
	} else {
		logger.Msg(msg)
	}
}
