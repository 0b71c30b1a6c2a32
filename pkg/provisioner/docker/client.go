// Package docker 通过 Docker Engine API 在共享主机上创建助手容器
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jimyag/assistd/pkg/provisioner"
	"github.com/rs/zerolog"
)

const (
	defaultAPIPort       = 2375
	defaultContainerPort = 8080
)

// Config Docker 后端配置
type Config struct {
	// Token Docker API 前置代理的 Bearer 认证
	Token string
	// APIPort 主机上 Docker API 端口，默认 2375
	APIPort int
	// Image 默认镜像，InstanceSpec.Image 为空时使用
	Image string
	// ContainerPort 容器内助手服务端口，默认 8080
	ContainerPort int
	Timeout       time.Duration
}

// Client Docker Engine API 客户端
// 同一客户端可操作多台主机，目标主机由 InstanceSpec.HostAddress / Handle.HostAddress 决定
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ provisioner.Provisioner = (*Client)(nil)
	_ provisioner.Finder      = (*Client)(nil)
	_ provisioner.Stopper     = (*Client)(nil)
	_ provisioner.Pinger      = (*Client)(nil)
)

// New 创建 Docker 客户端
func New(cfg Config) *Client {
	if cfg.APIPort == 0 {
		cfg.APIPort = defaultAPIPort
	}
	if cfg.ContainerPort == 0 {
		cfg.ContainerPort = defaultContainerPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type portBinding struct {
	HostIP   string `json:"HostIp,omitempty"`
	HostPort string `json:"HostPort"`
}

type createContainerRequest struct {
	Image        string                    `json:"Image"`
	Env          []string                  `json:"Env,omitempty"`
	Labels       map[string]string         `json:"Labels,omitempty"`
	ExposedPorts map[string]struct{}       `json:"ExposedPorts"`
	HostConfig   createContainerHostConfig `json:"HostConfig"`
}

type createContainerHostConfig struct {
	PortBindings  map[string][]portBinding `json:"PortBindings"`
	RestartPolicy struct {
		Name string `json:"Name"`
	} `json:"RestartPolicy"`
}

type createContainerResponse struct {
	ID       string   `json:"Id"`
	Warnings []string `json:"Warnings"`
}

type inspectResponse struct {
	ID    string `json:"Id"`
	State struct {
		Status string `json:"Status"` // created, running, paused, restarting, removing, exited, dead
	} `json:"State"`
	NetworkSettings struct {
		Ports map[string][]portBinding `json:"Ports"`
	} `json:"NetworkSettings"`
}

func (c *Client) containerPortKey() string {
	return strconv.Itoa(c.cfg.ContainerPort) + "/tcp"
}

// CreateInstance 创建并启动容器，容器端口映射到主机随机端口
func (c *Client) CreateInstance(ctx context.Context, spec *provisioner.InstanceSpec) (*provisioner.Handle, error) {
	if spec.HostAddress == "" {
		return nil, provisioner.NewTerminal("create", fmt.Errorf("host address is required"))
	}
	image := spec.Image
	if image == "" {
		image = c.cfg.Image
	}

	body := &createContainerRequest{
		Image:        image,
		Env:          envList(spec.Env),
		Labels:       spec.Labels,
		ExposedPorts: map[string]struct{}{c.containerPortKey(): {}},
	}
	body.HostConfig.PortBindings = map[string][]portBinding{
		c.containerPortKey(): {{HostPort: ""}},
	}
	body.HostConfig.RestartPolicy.Name = "unless-stopped"

	path := "/containers/create?name=" + url.QueryEscape(spec.Name)
	var created createContainerResponse
	status, err := c.do(ctx, "create", spec.HostAddress, http.MethodPost, path, body, &created)
	if status == http.StatusConflict {
		// 同名容器已存在，说明之前的某次创建已在主机上完成
		handle, ferr := c.FindInstance(ctx, spec)
		if errors.Is(ferr, provisioner.ErrNotFound) {
			return nil, provisioner.NewTransient("create", fmt.Errorf("container name %s in use but not found", spec.Name))
		}
		return handle, ferr
	}
	if err != nil {
		return nil, err
	}

	handle := &provisioner.Handle{
		Backend:     provisioner.BackendDocker,
		ID:          created.ID,
		HostAddress: spec.HostAddress,
	}

	if _, err := c.do(ctx, "start", spec.HostAddress, http.MethodPost, "/containers/"+created.ID+"/start", nil, nil); err != nil {
		// 启动失败时清理已创建的容器，避免占用名字
		if derr := c.DeleteInstance(ctx, handle); derr != nil {
			zerolog.Ctx(ctx).Warn().Err(derr).Str("container_id", created.ID).Msg("Failed to remove container after start failure")
		}
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("container_id", created.ID).
		Str("host", spec.HostAddress).
		Str("image", image).
		Strs("warnings", created.Warnings).
		Msg("Container started")

	return handle, nil
}

// FindInstance 按容器名查找，容器已创建但未启动时补一次启动
func (c *Client) FindInstance(ctx context.Context, spec *provisioner.InstanceSpec) (*provisioner.Handle, error) {
	if spec.HostAddress == "" {
		return nil, provisioner.NewTerminal("find", fmt.Errorf("host address is required"))
	}
	var out inspectResponse
	status, err := c.do(ctx, "find", spec.HostAddress, http.MethodGet, "/containers/"+url.PathEscape(spec.Name)+"/json", nil, &out)
	if status == http.StatusNotFound {
		return nil, provisioner.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	handle := &provisioner.Handle{
		Backend:     provisioner.BackendDocker,
		ID:          out.ID,
		HostAddress: spec.HostAddress,
	}
	if out.State.Status == "created" {
		if _, err := c.do(ctx, "start", spec.HostAddress, http.MethodPost, "/containers/"+out.ID+"/start", nil, nil); err != nil {
			return nil, err
		}
	}

	zerolog.Ctx(ctx).Info().
		Str("container_id", out.ID).
		Str("name", spec.Name).
		Str("host", spec.HostAddress).
		Str("state", out.State.Status).
		Msg("Adopted existing container")
	return handle, nil
}

// DeleteInstance 强制删除容器，404 视为成功
func (c *Client) DeleteInstance(ctx context.Context, handle *provisioner.Handle) error {
	status, err := c.do(ctx, "delete", handle.HostAddress, http.MethodDelete,
		"/containers/"+handle.ID+"?force=true", nil, nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

// GetStatus 查询容器状态，地址为 主机地址:映射端口
func (c *Client) GetStatus(ctx context.Context, handle *provisioner.Handle) (*provisioner.InstanceInfo, error) {
	var out inspectResponse
	status, err := c.do(ctx, "status", handle.HostAddress, http.MethodGet, "/containers/"+handle.ID+"/json", nil, &out)
	if status == http.StatusNotFound {
		return nil, provisioner.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	info := &provisioner.InstanceInfo{Status: mapState(out.State.Status)}
	if info.Status == provisioner.StatusActive {
		for _, b := range out.NetworkSettings.Ports[c.containerPortKey()] {
			if b.HostPort != "" {
				info.Address = net.JoinHostPort(hostname(handle.HostAddress), b.HostPort)
				break
			}
		}
	}
	return info, nil
}

// StopInstance 停止容器，已停止（304）视为成功
func (c *Client) StopInstance(ctx context.Context, handle *provisioner.Handle) error {
	status, err := c.do(ctx, "stop", handle.HostAddress, http.MethodPost, "/containers/"+handle.ID+"/stop", nil, nil)
	switch status {
	case http.StatusNotModified:
		return nil
	case http.StatusNotFound:
		return provisioner.ErrNotFound
	}
	return err
}

// Ping 检查主机上的 Docker API 是否可用
func (c *Client) Ping(ctx context.Context, hostAddress string) error {
	_, err := c.do(ctx, "ping", hostAddress, http.MethodGet, "/_ping", nil, nil)
	return err
}

func mapState(s string) provisioner.Status {
	switch s {
	case "created", "restarting":
		return provisioner.StatusCreating
	case "running":
		return provisioner.StatusActive
	case "paused", "exited":
		return provisioner.StatusStopped
	case "dead", "removing":
		return provisioner.StatusError
	default:
		return provisioner.StatusUnknown
	}
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// hostname 去掉主机地址中的 scheme 与端口
func hostname(host string) string {
	if strings.Contains(host, "://") {
		if u, err := url.Parse(host); err == nil {
			return u.Hostname()
		}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func (c *Client) endpoint(host, path string) string {
	if strings.Contains(host, "://") {
		return strings.TrimRight(host, "/") + path
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return "http://" + host + path
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.cfg.APIPort)) + path
}

// do 发送请求并解码响应，304 不视为错误
func (c *Client) do(ctx context.Context, op, host, method, path string, in, out any) (int, error) {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, provisioner.NewTerminal(op, fmt.Errorf("marshal request: %w", err))
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(host, path), reqBody)
	if err != nil {
		return 0, provisioner.NewTerminal(op, fmt.Errorf("create request: %w", err))
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, provisioner.ClassifyTransportError(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, provisioner.NewTransient(op, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotModified {
		return resp.StatusCode, provisioner.ClassifyHTTPStatus(op, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, provisioner.NewTransient(op, fmt.Errorf("decode response: %w", err))
		}
	}
	return resp.StatusCode, nil
}
