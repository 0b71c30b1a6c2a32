package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/jimyag/assistd/internal/assistd/repository"
	"github.com/jimyag/assistd/internal/assistd/repository/model"
	"github.com/jimyag/assistd/pkg/keylock"
	"github.com/jimyag/assistd/pkg/provisioner"
	"github.com/jimyag/assistd/pkg/sealed"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// 测试中使用的后端名，便于区分句柄来自哪个模拟后端
const (
	testBackendVM     provisioner.Backend = "sim-vm"
	testBackendDocker provisioner.Backend = "sim-docker"
	testBackendHost   provisioner.Backend = "sim-host"
)

// testClock 可手动推进的时钟
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// envOptions 测试环境的可调参数
type envOptions struct {
	dedicated provisioner.SimulatedConfig
	shared    provisioner.SimulatedConfig
	hosts     provisioner.SimulatedConfig
	capacity  CapacityOptions
	server    ServerOptions
	reconcile ReconcileOptions
	payment   PaymentOptions
}

// testEnv 每个测试用例独立的数据库、模拟后端与服务实例
type testEnv struct {
	Repo      *repository.Repository
	Locks     *keylock.Locker
	Clock     *testClock
	Dedicated *provisioner.Simulated
	Shared    *provisioner.Simulated
	Hosts     *provisioner.Simulated
	Usage     *SimulatedUsageSource

	Credits   *CreditService
	Capacity  *CapacityService
	Secrets   *SecretService
	Servers   *ServerService
	Reconcile *ReconcileService
	Payments  *PaymentService
}

func defaultEnvOptions() *envOptions {
	return &envOptions{
		dedicated: provisioner.SimulatedConfig{Backend: testBackendVM},
		shared:    provisioner.SimulatedConfig{Backend: testBackendDocker},
		hosts:     provisioner.SimulatedConfig{Backend: testBackendHost, AddressPrefix: "10.1.0."},
		capacity: CapacityOptions{
			MinAvailableSlots:    2,
			MaxContainersPerHost: 4,
			MaxHostProbeAttempts: 3,
			HostSize:             "s-4vcpu-8gb",
			HostRegion:           "fra1",
			HostImage:            "docker-20-04",
			RemoteCallTimeout:    5 * time.Second,
		},
		server: ServerOptions{
			MaxProbeAttempts:  3,
			MaxDeployRetries:  3,
			PendingStaleAfter: time.Minute,
			RemoteCallTimeout: 5 * time.Second,
			DefaultSize:       "s-1vcpu-2gb",
			DefaultRegion:     "fra1",
			DefaultImage:      "ubuntu-24-04-x64",
			AssistantImage:    "ghcr.io/jimyag/assistant:latest",
			DedicatedPrice:    decimal.RequireFromString("73"),
			SharedPrice:       decimal.RequireFromString("7.30"),
			HoursPerPeriod:    730,
		},
		reconcile: ReconcileOptions{
			HoursPerPeriod: 730,
			ShutdownGrace:  24 * time.Hour,
			CreditsPerUSD:  decimal.NewFromInt(1),
		},
		payment: PaymentOptions{
			WebhookSecret: "whsec-test",
			WelcomeBonus:  decimal.RequireFromString("5"),
			CreditsPerUSD: decimal.NewFromInt(1),
		},
	}
}

func setupTestEnv(t *testing.T, mutators ...func(*envOptions)) *testEnv {
	t.Helper()

	opts := defaultEnvOptions()
	for _, m := range mutators {
		m(opts)
	}

	repo, err := repository.New("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = repo.Close()
	})

	identity, _, err := sealed.GenerateIdentity()
	require.NoError(t, err)
	box, err := sealed.New(identity)
	require.NoError(t, err)

	clock := newTestClock()
	locks := keylock.New(10 * time.Second)
	env := &testEnv{
		Repo:      repo,
		Locks:     locks,
		Clock:     clock,
		Dedicated: provisioner.NewSimulated(opts.dedicated),
		Shared:    provisioner.NewSimulated(opts.shared),
		Hosts:     provisioner.NewSimulated(opts.hosts),
		Usage:     NewSimulatedUsageSource(),
	}

	env.Credits = NewCreditService(repo, locks)
	env.Credits.now = clock.Now
	env.Capacity = NewCapacityService(repo, locks, env.Hosts, env.Hosts, opts.capacity)
	env.Capacity.now = clock.Now
	env.Secrets = NewSecretService(repo, box)
	env.Secrets.now = clock.Now
	backends := NewBackends(opts.dedicated.Backend, env.Dedicated, opts.shared.Backend, env.Shared)
	env.Servers = NewServerService(repo, locks, env.Credits, env.Capacity, env.Secrets, backends, opts.server)
	env.Servers.now = clock.Now
	env.Reconcile = NewReconcileService(repo, locks, env.Credits, env.Servers, env.Usage, opts.reconcile)
	env.Reconcile.now = clock.Now
	env.Payments = NewPaymentService(repo, env.Credits, opts.payment)
	return env
}

// fund 为租户充值
func (e *testEnv) fund(t *testing.T, tenantID, amount string) {
	t.Helper()
	_, err := e.Credits.AddCredits(context.Background(), &entity.AddCreditsRequest{
		TenantID: tenantID,
		Amount:   decimal.RequireFromString(amount),
		Type:     string(model.TxPurchase),
	})
	require.NoError(t, err)
}

// balance 读取租户余额
func (e *testEnv) balance(t *testing.T, tenantID string) decimal.Decimal {
	t.Helper()
	credit, err := e.Credits.GetBalance(context.Background(), &entity.TenantRequest{TenantID: tenantID})
	require.NoError(t, err)
	return decimal.RequireFromString(credit.Balance)
}

// server 直接读取服务器记录
func (e *testEnv) server(t *testing.T, id string) *model.Server {
	t.Helper()
	server, err := repository.NewServerRepository(e.Repo.DB()).GetByID(context.Background(), id)
	require.NoError(t, err)
	return server
}

// readyHost 直接插入一台 ready 主机
func (e *testEnv) readyHost(t *testing.T, id string, maxContainers int, createdAt time.Time) *model.DockerHost {
	t.Helper()
	host := &model.DockerHost{
		ID:            id,
		Name:          id,
		Address:       "10.9.0." + id[len(id)-1:],
		Status:        model.HostReady,
		MaxContainers: maxContainers,
		Backend:       string(testBackendHost),
		InstanceID:    "inst-" + id,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	require.NoError(t, repository.NewHostRepository(e.Repo.DB()).Create(context.Background(), host))
	return host
}

// pendingSharedServer 插入一台处于供应中的共享服务器，不触发部署
func (e *testEnv) pendingSharedServer(t *testing.T, id, tenantID string) *model.Server {
	t.Helper()
	now := e.Clock.Now()
	server := &model.Server{
		ID:              id,
		TenantID:        tenantID,
		Name:            id,
		DeploymentType:  model.DeploymentShared,
		Status:          model.ServerProvisioning,
		ProvisionStatus: model.ProvisionProvisioning,
		MonthlyPrice:    decimal.RequireFromString("7.30"),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, repository.NewServerRepository(e.Repo.DB()).Create(context.Background(), server))
	return server
}
