// Package cloud 通过云厂商 droplet 风格的 REST API 创建独享虚拟机
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jimyag/assistd/pkg/provisioner"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config 客户端配置
type Config struct {
	BaseURL string
	Token   string
	// RateLimit 每秒最多请求数，0 表示不限制
	RateLimit float64
	Timeout   time.Duration
	// Tags 附加到每台虚拟机上的标签
	Tags []string
}

// Client 云 API 客户端，实现 provisioner.Provisioner 与 provisioner.Stopper
type Client struct {
	baseURL    string
	token      string
	tags       []string
	limiter    *rate.Limiter
	httpClient *http.Client
}

var (
	_ provisioner.Provisioner = (*Client)(nil)
	_ provisioner.Finder      = (*Client)(nil)
	_ provisioner.Stopper     = (*Client)(nil)
)

// New 创建云 API 客户端
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		tags:       cfg.Tags,
		limiter:    limiter,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type createDropletRequest struct {
	Name     string   `json:"name"`
	Region   string   `json:"region"`
	Size     string   `json:"size"`
	Image    string   `json:"image"`
	UserData string   `json:"user_data,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type droplet struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"` // new, active, off, archive
	Networks struct {
		V4 []struct {
			IPAddress string `json:"ip_address"`
			Type      string `json:"type"`
		} `json:"v4"`
	} `json:"networks"`
}

type dropletEnvelope struct {
	Droplet droplet `json:"droplet"`
}

type dropletList struct {
	Droplets []droplet `json:"droplets"`
}

// CreateInstance 创建虚拟机，返回时通常仍为 new 状态
func (c *Client) CreateInstance(ctx context.Context, spec *provisioner.InstanceSpec) (*provisioner.Handle, error) {
	body := &createDropletRequest{
		Name:     spec.Name,
		Region:   spec.Region,
		Size:     spec.Size,
		Image:    spec.Image,
		UserData: spec.UserData,
		Tags:     c.tags,
	}
	for k, v := range spec.Labels {
		body.Tags = append(body.Tags, k+":"+v)
	}

	var out dropletEnvelope
	if _, err := c.do(ctx, "create", http.MethodPost, "/v2/droplets", body, &out); err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Int64("droplet_id", out.Droplet.ID).
		Str("name", spec.Name).
		Str("region", spec.Region).
		Msg("Droplet created")

	return &provisioner.Handle{
		Backend: provisioner.BackendCloud,
		ID:      strconv.FormatInt(out.Droplet.ID, 10),
	}, nil
}

// FindInstance 按名字查找虚拟机，同名多台时取 ID 最小的一台
func (c *Client) FindInstance(ctx context.Context, spec *provisioner.InstanceSpec) (*provisioner.Handle, error) {
	var out dropletList
	if _, err := c.do(ctx, "find", http.MethodGet, "/v2/droplets?name="+url.QueryEscape(spec.Name), nil, &out); err != nil {
		return nil, err
	}

	var found *droplet
	for i := range out.Droplets {
		d := &out.Droplets[i]
		if d.Name != spec.Name {
			continue
		}
		if found == nil || d.ID < found.ID {
			found = d
		}
	}
	if found == nil {
		return nil, provisioner.ErrNotFound
	}
	if len(out.Droplets) > 1 {
		zerolog.Ctx(ctx).Warn().Str("name", spec.Name).Int("count", len(out.Droplets)).Msg("Multiple droplets share a name")
	}

	zerolog.Ctx(ctx).Info().Int64("droplet_id", found.ID).Str("name", spec.Name).Msg("Adopted existing droplet")
	return &provisioner.Handle{
		Backend: provisioner.BackendCloud,
		ID:      strconv.FormatInt(found.ID, 10),
	}, nil
}

// DeleteInstance 删除虚拟机，404 视为成功
func (c *Client) DeleteInstance(ctx context.Context, handle *provisioner.Handle) error {
	status, err := c.do(ctx, "delete", http.MethodDelete, "/v2/droplets/"+handle.ID, nil, nil)
	if status == http.StatusNotFound {
		zerolog.Ctx(ctx).Info().Str("droplet_id", handle.ID).Msg("Droplet already gone")
		return nil
	}
	return err
}

// GetStatus 查询虚拟机状态与公网地址
func (c *Client) GetStatus(ctx context.Context, handle *provisioner.Handle) (*provisioner.InstanceInfo, error) {
	var out dropletEnvelope
	status, err := c.do(ctx, "status", http.MethodGet, "/v2/droplets/"+handle.ID, nil, &out)
	if status == http.StatusNotFound {
		return nil, provisioner.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	info := &provisioner.InstanceInfo{Status: mapStatus(out.Droplet.Status)}
	for _, n := range out.Droplet.Networks.V4 {
		if n.Type == "public" {
			info.Address = n.IPAddress
			break
		}
	}
	return info, nil
}

// StopInstance 关机，保留磁盘
func (c *Client) StopInstance(ctx context.Context, handle *provisioner.Handle) error {
	body := map[string]string{"type": "power_off"}
	status, err := c.do(ctx, "stop", http.MethodPost, "/v2/droplets/"+handle.ID+"/actions", body, nil)
	if status == http.StatusNotFound {
		return provisioner.ErrNotFound
	}
	return err
}

func mapStatus(s string) provisioner.Status {
	switch s {
	case "new":
		return provisioner.StatusCreating
	case "active":
		return provisioner.StatusActive
	case "off":
		return provisioner.StatusStopped
	case "archive":
		return provisioner.StatusError
	default:
		return provisioner.StatusUnknown
	}
}

// do 发送请求并解码响应，返回 HTTP 状态码（请求未发出时为 0）
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, provisioner.NewTransient(op, fmt.Errorf("rate limit wait: %w", err))
	}

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, provisioner.NewTerminal(op, fmt.Errorf("marshal request: %w", err))
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, provisioner.NewTerminal(op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
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
	if resp.StatusCode >= 300 {
		return resp.StatusCode, provisioner.ClassifyHTTPStatus(op, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, provisioner.NewTransient(op, fmt.Errorf("decode response: %w (body: %s)", err, string(respBody)))
		}
	}
	return resp.StatusCode, nil
}
