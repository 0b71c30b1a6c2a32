package docker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jimyag/assistd/pkg/provisioner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine 记录收到的请求，按容器 ID 维护状态
type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]string // id -> state
	names      map[string]string // name -> id
	created    createContainerRequest
	startErr   bool
	requests   []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: map[string]string{}, names: map[string]string{}}
}

func (f *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	if r.Header.Get("Authorization") != "Bearer secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/_ping":
		_, _ = w.Write([]byte("OK"))
	case r.URL.Path == "/containers/create":
		name := r.URL.Query().Get("name")
		if _, ok := f.names[name]; ok {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"message":"Conflict. The container name is already in use"}`))
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&f.created)
		f.containers["c1"] = "created"
		f.names[name] = "c1"
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"Id":"c1","Warnings":[]}`))
	case r.URL.Path == "/containers/c1/start":
		if f.startErr {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.containers["c1"] = "running"
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/containers/c1/stop":
		if f.containers["c1"] == "exited" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		f.containers["c1"] = "exited"
		w.WriteHeader(http.StatusNoContent)
	case strings.HasPrefix(r.URL.Path, "/containers/") && strings.HasSuffix(r.URL.Path, "/json"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/containers/"), "/json")
		if byName, ok := f.names[id]; ok {
			id = byName
		}
		state, ok := f.containers[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"Id":"` + id + `","State":{"Status":"` + state + `"},
			"NetworkSettings":{"Ports":{"8080/tcp":[{"HostIp":"0.0.0.0","HostPort":"32768"}]}}}`))
	case r.Method == http.MethodDelete && r.URL.Path == "/containers/c1":
		if r.URL.Query().Get("force") != "true" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		if _, ok := f.containers["c1"]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.containers, "c1")
		for name, id := range f.names {
			if id == "c1" {
				delete(f.names, name)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestClient_Lifecycle(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	srv := httptest.NewServer(engine)
	defer srv.Close()

	c := New(Config{Token: "secret", Image: "assistant:latest"})
	ctx := context.Background()

	h, err := c.CreateInstance(ctx, &provisioner.InstanceSpec{
		Name:        "srv-1",
		HostAddress: srv.URL,
		Env:         map[string]string{"B": "2", "A": "1"},
		Labels:      map[string]string{"assistd.server": "srv-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", h.ID)
	assert.Equal(t, provisioner.BackendDocker, h.Backend)
	assert.Equal(t, srv.URL, h.HostAddress)

	assert.Equal(t, "assistant:latest", engine.created.Image)
	assert.Equal(t, []string{"A=1", "B=2"}, engine.created.Env)
	assert.Equal(t, "unless-stopped", engine.created.HostConfig.RestartPolicy.Name)
	assert.Contains(t, engine.created.ExposedPorts, "8080/tcp")

	info, err := c.GetStatus(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, provisioner.StatusActive, info.Status)
	assert.Equal(t, "127.0.0.1:32768", info.Address)

	require.NoError(t, c.StopInstance(ctx, h))
	require.NoError(t, c.StopInstance(ctx, h))
	info, err = c.GetStatus(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, provisioner.StatusStopped, info.Status)
	assert.Empty(t, info.Address)

	require.NoError(t, c.DeleteInstance(ctx, h))
	require.NoError(t, c.DeleteInstance(ctx, h))

	_, err = c.GetStatus(ctx, h)
	assert.ErrorIs(t, err, provisioner.ErrNotFound)
}

func TestClient_StartFailureRemovesContainer(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.startErr = true
	srv := httptest.NewServer(engine)
	defer srv.Close()

	c := New(Config{Token: "secret", Image: "assistant:latest"})
	_, err := c.CreateInstance(context.Background(), &provisioner.InstanceSpec{Name: "srv-2", HostAddress: srv.URL})
	require.Error(t, err)
	assert.True(t, provisioner.IsTransient(err))
	assert.Empty(t, engine.containers)
	assert.Contains(t, engine.requests, "DELETE /containers/c1")
}

// 同名容器已存在时沿用，不再创建第二个
func TestClient_AdoptsExistingContainer(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	srv := httptest.NewServer(engine)
	defer srv.Close()

	c := New(Config{Token: "secret", Image: "assistant:latest"})
	ctx := context.Background()
	spec := &provisioner.InstanceSpec{Name: "srv-3", HostAddress: srv.URL}

	_, err := c.FindInstance(ctx, spec)
	assert.ErrorIs(t, err, provisioner.ErrNotFound)

	first, err := c.CreateInstance(ctx, spec)
	require.NoError(t, err)

	second, err := c.CreateInstance(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, srv.URL, second.HostAddress)
	assert.Len(t, engine.containers, 1)

	// 创建成功但未启动的容器在查找时补启动
	engine.mu.Lock()
	engine.containers["c1"] = "created"
	engine.mu.Unlock()
	found, err := c.FindInstance(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, "c1", found.ID)
	assert.Equal(t, "running", engine.containers["c1"])
	assert.Contains(t, engine.requests, "GET /containers/srv-3/json")
}

func TestClient_CreateRequiresHost(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	_, err := c.CreateInstance(context.Background(), &provisioner.InstanceSpec{Name: "x"})
	require.Error(t, err)
	assert.True(t, provisioner.IsTerminal(err))
}

func TestClient_Ping(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newFakeEngine())
	defer srv.Close()

	require.NoError(t, New(Config{Token: "secret"}).Ping(context.Background(), srv.URL))

	err := New(Config{Token: "wrong"}).Ping(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, provisioner.IsTerminal(err))
}

func TestMapState(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		state string
		want  provisioner.Status
	}{
		{"created", provisioner.StatusCreating},
		{"running", provisioner.StatusActive},
		{"exited", provisioner.StatusStopped},
		{"dead", provisioner.StatusError},
		{"", provisioner.StatusUnknown},
	}
	for _, tc := range testcases {
		assert.Equal(t, tc.want, mapState(tc.state), tc.state)
	}
}

func TestEndpoint(t *testing.T) {
	t.Parallel()

	c := New(Config{APIPort: 2376})
	assert.Equal(t, "http://10.0.0.5:2376/_ping", c.endpoint("10.0.0.5", "/_ping"))
	assert.Equal(t, "http://127.0.0.1:9/_ping", c.endpoint("http://127.0.0.1:9/", "/_ping"))
	assert.Equal(t, "127.0.0.1", hostname("http://127.0.0.1:9"))
	assert.Equal(t, "10.0.0.5", hostname("10.0.0.5"))
}
