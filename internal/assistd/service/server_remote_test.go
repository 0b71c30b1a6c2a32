package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/jimyag/assistd/internal/assistd/repository"
	"github.com/jimyag/assistd/internal/assistd/repository/model"
	"github.com/jimyag/assistd/pkg/provisioner"
	"github.com/jimyag/assistd/pkg/provisioner/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// dockerEngine 最小化的 Docker Engine API，容器 ID 为 c-{name}
type dockerEngine struct {
	mu         sync.Mutex
	containers map[string]string // id -> state
	requests   []string
	creates    int
	// hangFirstCreate 第一次创建在主机上完成，但直到调用方放弃都不返回
	hangFirstCreate bool
}

func newDockerEngine() *dockerEngine {
	return &dockerEngine{containers: map[string]string{}}
}

func (e *dockerEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status, body, hang := e.handle(r)
	if hang {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		return
	}
	w.WriteHeader(status)
	if body != "" {
		_, _ = w.Write([]byte(body))
	}
}

func (e *dockerEngine) handle(r *http.Request) (int, string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requests = append(e.requests, r.Method+" "+r.URL.Path)
	path := strings.TrimPrefix(r.URL.Path, "/containers/")
	switch {
	case r.URL.Path == "/_ping":
		return http.StatusOK, "OK", false
	case r.Method == http.MethodPost && r.URL.Path == "/containers/create":
		id := "c-" + r.URL.Query().Get("name")
		if _, ok := e.containers[id]; ok {
			return http.StatusConflict, `{"message":"Conflict. The container name is already in use"}`, false
		}
		e.creates++
		e.containers[id] = "created"
		if e.hangFirstCreate && e.creates == 1 {
			return 0, "", true
		}
		return http.StatusCreated, `{"Id":"` + id + `"}`, false
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/start"):
		id := strings.TrimSuffix(path, "/start")
		if _, ok := e.containers[id]; !ok {
			return http.StatusNotFound, "", false
		}
		e.containers[id] = "running"
		return http.StatusNoContent, "", false
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/stop"):
		id := strings.TrimSuffix(path, "/stop")
		if _, ok := e.containers[id]; !ok {
			return http.StatusNotFound, "", false
		}
		e.containers[id] = "exited"
		return http.StatusNoContent, "", false
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/json"):
		id := strings.TrimSuffix(path, "/json")
		if !strings.HasPrefix(id, "c-") {
			id = "c-" + id
		}
		state, ok := e.containers[id]
		if !ok {
			return http.StatusNotFound, "", false
		}
		out, _ := json.Marshal(map[string]any{
			"Id":    id,
			"State": map[string]string{"Status": state},
			"NetworkSettings": map[string]any{
				"Ports": map[string]any{"8080/tcp": []map[string]string{{"HostPort": "32768"}}},
			},
		})
		return http.StatusOK, string(out), false
	case r.Method == http.MethodDelete:
		if _, ok := e.containers[path]; !ok {
			return http.StatusNotFound, "", false
		}
		delete(e.containers, path)
		return http.StatusNoContent, "", false
	}
	return http.StatusNotFound, "", false
}

func (e *dockerEngine) snapshot() ([]string, int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.requests...), e.creates, len(e.containers)
}

// setupDockerHost 启动 Docker 主机并登记为 ready 主机，返回使用真实 Docker 客户端的服务器服务
func setupDockerHost(t *testing.T, env *testEnv, engine *dockerEngine, timeout time.Duration) (*ServerService, string) {
	t.Helper()
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	now := env.Clock.Now()
	host := &model.DockerHost{
		ID:            "host-1",
		Name:          "host-1",
		Address:       srv.URL,
		Status:        model.HostReady,
		MaxContainers: 4,
		Backend:       string(testBackendHost),
		InstanceID:    "inst-host-1",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, repository.NewHostRepository(env.Repo.DB()).Create(context.Background(), host))

	client := docker.New(docker.Config{Timeout: 5 * time.Second})
	opts := defaultEnvOptions().server
	opts.RemoteCallTimeout = timeout
	servers := NewServerService(env.Repo, env.Locks, env.Credits, env.Capacity, env.Secrets,
		NewBackends(testBackendVM, env.Dedicated, provisioner.BackendDocker, client), opts)
	servers.now = env.Clock.Now
	return servers, srv.URL
}

// 共享容器的查询、停机、删除都发往容器所在的 Docker 主机
func TestServerService_SharedLifecycleOnDockerHost(t *testing.T) {
	t.Parallel()
	env := setupTestEnv(t)
	ctx := context.Background()
	env.fund(t, "tenant-a", "10")

	engine := newDockerEngine()
	servers, hostURL := setupDockerHost(t, env, engine, 5*time.Second)

	created, err := servers.CreateServer(ctx, &entity.CreateServerRequest{TenantID: "tenant-a", DeploymentType: entity.DeploymentShared})
	require.NoError(t, err)
	require.True(t, created.Ready)
	assert.Equal(t, "c-"+created.ID, created.InstanceID)
	assert.Equal(t, "127.0.0.1:32768", created.Address)
	assert.Equal(t, hostURL, env.server(t, created.ID).HostAddress)

	require.NoError(t, servers.StopServer(ctx, created.ID, "insufficient credits"))
	assert.Equal(t, model.ServerStopped, env.server(t, created.ID).Status)

	changed, err := servers.CheckServer(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	resp, err := servers.DeleteServer(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.ServerDeleted), resp.Server.Status)

	requests, creates, live := engine.snapshot()
	assert.Equal(t, 1, creates)
	assert.Zero(t, live)
	assert.Contains(t, requests, "POST /containers/c-"+created.ID+"/stop")
	assert.Contains(t, requests, "GET /containers/c-"+created.ID+"/json")
	assert.Contains(t, requests, "DELETE /containers/c-"+created.ID)
}

// 创建请求超时但容器已在主机上建好时，重试沿用该容器而不是再建一个
func TestServerService_CreateTimeoutAdoptsContainer(t *testing.T) {
	t.Parallel()
	env := setupTestEnv(t)
	ctx := context.Background()
	env.fund(t, "tenant-a", "10")

	engine := newDockerEngine()
	engine.hangFirstCreate = true
	servers, _ := setupDockerHost(t, env, engine, 300*time.Millisecond)

	created, err := servers.CreateServer(ctx, &entity.CreateServerRequest{TenantID: "tenant-a", DeploymentType: entity.DeploymentShared})
	require.NoError(t, err)
	assert.Equal(t, string(model.ServerProvisioning), created.Status)
	assert.Empty(t, created.InstanceID)
	assert.Equal(t, 1, created.DeployAttempts)

	env.Clock.Advance(2 * time.Minute)
	res, err := servers.RetryPendingDeploys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 1, res.Succeeded)

	current := env.server(t, created.ID)
	assert.Equal(t, model.ServerRunning, current.Status)
	assert.Equal(t, model.ProvisionReady, current.ProvisionStatus)
	assert.Equal(t, "c-"+created.ID, current.InstanceID)
	assert.Contains(t, current.ProvisionLog, "adopted existing instance")

	requests, creates, live := engine.snapshot()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, live)
	assert.Contains(t, requests, "GET /containers/"+created.ID+"/json")
	assert.Contains(t, requests, "POST /containers/c-"+created.ID+"/start")
}

// lostReplyBackend 远端创建成功，但调用方只收到超时
type lostReplyBackend struct {
	*provisioner.Simulated
}

func (b lostReplyBackend) CreateInstance(ctx context.Context, spec *provisioner.InstanceSpec) (*provisioner.Handle, error) {
	if _, err := b.Simulated.CreateInstance(ctx, spec); err != nil {
		return nil, err
	}
	return nil, provisioner.NewTransient("create", context.DeadlineExceeded)
}

func TestServerService_RetryAdoptsDedicatedInstance(t *testing.T) {
	t.Parallel()
	env := setupTestEnv(t)
	ctx := context.Background()
	env.fund(t, "tenant-a", "10")

	servers := NewServerService(env.Repo, env.Locks, env.Credits, env.Capacity, env.Secrets,
		NewBackends(testBackendVM, lostReplyBackend{env.Dedicated}, testBackendDocker, env.Shared), defaultEnvOptions().server)
	servers.now = env.Clock.Now

	created, err := servers.CreateServer(ctx, &entity.CreateServerRequest{TenantID: "tenant-a", DeploymentType: entity.DeploymentDedicated})
	require.NoError(t, err)
	assert.Equal(t, string(model.ServerProvisioning), created.Status)
	assert.Equal(t, 1, env.Dedicated.Created())

	env.Clock.Advance(2 * time.Minute)
	res, err := servers.RetryPendingDeploys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	current := env.server(t, created.ID)
	assert.Equal(t, model.ServerRunning, current.Status)
	assert.Equal(t, 2, current.DeployAttempts)
	assert.Equal(t, 1, env.Dedicated.Created())
	assert.Equal(t, 1, env.Dedicated.Live())
}

// 主机长期无容量时共享服务器在推迟上限后失败，等待日志只写一次
func TestServerService_CapacityWaitsCapped(t *testing.T) {
	t.Parallel()
	env := setupTestEnv(t, func(o *envOptions) {
		o.server.MaxCapacityWaits = 3
	})
	ctx := context.Background()
	env.fund(t, "tenant-a", "10")

	created, err := env.Servers.CreateServer(ctx, &entity.CreateServerRequest{TenantID: "tenant-a", DeploymentType: entity.DeploymentShared})
	require.NoError(t, err)
	assert.Equal(t, 1, created.CapacityWaits)

	env.Clock.Advance(2 * time.Minute)
	res, err := env.Servers.RetryPendingDeploys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Zero(t, res.Failed)
	assert.Equal(t, model.ServerProvisioning, env.server(t, created.ID).Status)

	env.Clock.Advance(2 * time.Minute)
	res, err = env.Servers.RetryPendingDeploys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	current := env.server(t, created.ID)
	assert.Equal(t, model.ServerError, current.Status)
	assert.Equal(t, model.ProvisionFailed, current.ProvisionStatus)
	assert.Equal(t, 3, current.CapacityWaits)
	assert.Zero(t, current.DeployAttempts)
	assert.Equal(t, 1, strings.Count(current.ProvisionLog, "no docker host capacity available, waiting"))
	assert.Contains(t, current.ProvisionLog, "no docker host capacity after 3 attempts, giving up")

	// 已失败的服务器不再被重试
	env.Clock.Advance(2 * time.Minute)
	res, err = env.Servers.RetryPendingDeploys(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Retried)

	// 重新入队后计数清零
	requeued, err := env.Servers.RequeueServer(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.ServerProvisioning), requeued.Status)
	assert.Equal(t, 1, requeued.CapacityWaits)
}

// 调用方在远端创建期间断开，创建仍会完成并落库
func TestServerService_ProvisionIgnoresCallerCancel(t *testing.T) {
	t.Parallel()
	env := setupTestEnv(t)
	env.fund(t, "tenant-a", "10")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vm := provisioner.NewMockProvisioner()
	vm.On("CreateInstance", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		cancel()
		assert.NoError(t, args.Get(0).(context.Context).Err())
	}).Return(&provisioner.Handle{Backend: testBackendVM, ID: "vm-1"}, nil).Once()
	vm.On("GetStatus", mock.Anything, mock.Anything).
		Return(&provisioner.InstanceInfo{Status: provisioner.StatusActive, Address: "10.0.0.9"}, nil).Maybe()

	servers := NewServerService(env.Repo, env.Locks, env.Credits, env.Capacity, env.Secrets,
		NewBackends(testBackendVM, vm, testBackendDocker, env.Shared), defaultEnvOptions().server)
	servers.now = env.Clock.Now

	// 调用方已断开，最后的读取可能失败，这里只关心落库结果
	_, _ = servers.CreateServer(ctx, &entity.CreateServerRequest{TenantID: "tenant-a", DeploymentType: entity.DeploymentDedicated})

	list, err := repository.NewServerRepository(env.Repo.DB()).List(context.Background(), repository.ServerFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "vm-1", list[0].InstanceID)
	assert.Equal(t, model.ServerRunning, list[0].Status)
	assert.Equal(t, model.ProvisionReady, list[0].ProvisionStatus)
	vm.AssertExpectations(t)
}
