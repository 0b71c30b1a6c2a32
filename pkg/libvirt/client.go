// Package libvirt 在自有 hypervisor 上通过 libvirt 创建独享虚拟机
package libvirt

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"github.com/jimyag/assistd/pkg/cloudinit"
	"github.com/jimyag/assistd/pkg/provisioner"
	"github.com/rs/zerolog"
)

// Config libvirt 后端配置
type Config struct {
	// URI 连接地址，默认 qemu:///system
	URI string
	// Pool 存放虚拟机磁盘的存储池
	Pool string
	// BaseImage 基础 qcow2 镜像路径，虚拟机磁盘为其 overlay
	BaseImage string
	Network   string
	// DiskGB 虚拟机磁盘大小，默认 20
	DiskGB uint64
	// ISODir cloud-init ISO 输出目录，需要 hypervisor 可读
	ISODir string
}

// Client libvirt 后端，实现 provisioner.Provisioner 与 provisioner.Stopper
// 实例 ID 即 domain 名称
type Client struct {
	cfg Config
	iso *cloudinit.ISOBuilder

	mu   sync.Mutex
	conn *libvirt.Libvirt
}

var (
	_ provisioner.Provisioner = (*Client)(nil)
	_ provisioner.Finder      = (*Client)(nil)
	_ provisioner.Stopper     = (*Client)(nil)
)

// New 创建 libvirt 后端，连接在首次调用时建立
func New(cfg Config) *Client {
	if cfg.URI == "" {
		cfg.URI = string(libvirt.QEMUSystem)
	}
	if cfg.Pool == "" {
		cfg.Pool = "default"
	}
	if cfg.DiskGB == 0 {
		cfg.DiskGB = 20
	}
	return &Client{
		cfg: cfg,
		iso: cloudinit.NewISOBuilder(cfg.ISODir),
	}
}

// connect 返回可用连接，断开后自动重连
func (c *Client) connect() (*libvirt.Libvirt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.IsConnected() {
		return c.conn, nil
	}
	uri, err := url.Parse(c.cfg.URI)
	if err != nil {
		return nil, provisioner.NewTerminal("connect", fmt.Errorf("parse libvirt uri: %w", err))
	}
	l, err := libvirt.ConnectToURI(uri)
	if err != nil {
		return nil, provisioner.NewTransient("connect", fmt.Errorf("failed to connect: %w", err))
	}
	c.conn = l
	return l, nil
}

// Close 断开 libvirt 连接
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Disconnect()
	c.conn = nil
	return err
}

func volumeName(name string) string {
	return name + ".qcow2"
}

// CreateInstance 创建 overlay 磁盘、cloud-init ISO，定义并启动虚拟机
// 同名 domain 已存在时直接返回，重试不会重复创建
func (c *Client) CreateInstance(ctx context.Context, spec *provisioner.InstanceSpec) (*provisioner.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, provisioner.NewTransient("create", err)
	}
	vcpus, memMiB, err := ParseSize(spec.Size)
	if err != nil {
		return nil, provisioner.NewTerminal("create", err)
	}

	l, err := c.connect()
	if err != nil {
		return nil, err
	}
	handle := &provisioner.Handle{Backend: provisioner.BackendLibvirt, ID: spec.Name}
	logger := zerolog.Ctx(ctx).With().Str("domain", spec.Name).Logger()

	if dom, err := l.DomainLookupByName(spec.Name); err == nil {
		logger.Info().Msg("Domain already defined, reusing")
		if err := ensureRunning(l, dom, "create"); err != nil {
			return nil, err
		}
		return handle, nil
	} else if !isNotFound(err) {
		return nil, provisioner.NewTransient("create", fmt.Errorf("lookup domain: %w", err))
	}

	diskPath, err := c.ensureVolume(l, spec.Name)
	if err != nil {
		return nil, err
	}

	isoPath := ""
	if spec.UserData != "" {
		isoPath, err = c.iso.BuildISO(spec.Name, spec.Name, spec.UserData)
		if err != nil {
			return nil, provisioner.NewTransient("create", fmt.Errorf("build cloud-init iso: %w", err))
		}
	}

	domainXML, err := xml.MarshalIndent(buildDomainXML(&domainParams{
		Name:        spec.Name,
		Description: labelsDescription(spec.Labels),
		VCPUs:       vcpus,
		MemoryMiB:   memMiB,
		DiskPath:    diskPath,
		ISOPath:     isoPath,
		Network:     c.cfg.Network,
	}), "", "  ")
	if err != nil {
		return nil, provisioner.NewTerminal("create", fmt.Errorf("marshal domain XML: %w", err))
	}

	dom, err := l.DomainDefineXML(string(domainXML))
	if err != nil {
		return nil, provisioner.NewTransient("create", fmt.Errorf("define domain: %w", err))
	}
	if err := l.DomainSetAutostart(dom, 1); err != nil {
		logger.Warn().Err(err).Msg("Failed to set autostart")
	}
	if err := l.DomainCreate(dom); err != nil {
		// 保留定义，下次重试或删除时统一清理
		return nil, provisioner.NewTransient("create", fmt.Errorf("start domain: %w", err))
	}

	logger.Info().Int("vcpus", vcpus).Uint64("memory_mib", memMiB).Str("disk", diskPath).Msg("Domain started")
	return handle, nil
}

// FindInstance 按 domain 名查找，已定义但处于关机状态时启动
func (c *Client) FindInstance(ctx context.Context, spec *provisioner.InstanceSpec) (*provisioner.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, provisioner.NewTransient("find", err)
	}
	l, err := c.connect()
	if err != nil {
		return nil, err
	}
	dom, err := l.DomainLookupByName(spec.Name)
	if err != nil {
		if isNotFound(err) {
			return nil, provisioner.ErrNotFound
		}
		return nil, provisioner.NewTransient("find", fmt.Errorf("lookup domain: %w", err))
	}
	if err := ensureRunning(l, dom, "find"); err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("domain", spec.Name).Msg("Adopted existing domain")
	return &provisioner.Handle{Backend: provisioner.BackendLibvirt, ID: spec.Name}, nil
}

// ensureRunning 启动上次创建时已定义但未启动的 domain
func ensureRunning(l *libvirt.Libvirt, dom libvirt.Domain, op string) error {
	state, _, err := l.DomainGetState(dom, 0)
	if err != nil {
		return provisioner.NewTransient(op, fmt.Errorf("get domain state: %w", err))
	}
	if libvirt.DomainState(state) != libvirt.DomainShutoff {
		return nil
	}
	if err := l.DomainCreate(dom); err != nil {
		return provisioner.NewTransient(op, fmt.Errorf("start domain: %w", err))
	}
	return nil
}

func (c *Client) ensureVolume(l *libvirt.Libvirt, name string) (string, error) {
	pool, err := l.StoragePoolLookupByName(c.cfg.Pool)
	if err != nil {
		return "", provisioner.NewTransient("create", fmt.Errorf("lookup storage pool %s: %w", c.cfg.Pool, err))
	}

	vol, err := l.StorageVolLookupByName(pool, volumeName(name))
	if err != nil {
		if !isNotFound(err) {
			return "", provisioner.NewTransient("create", fmt.Errorf("lookup volume: %w", err))
		}
		volXML, merr := xml.MarshalIndent(buildOverlayVolumeXML(volumeName(name), c.cfg.BaseImage, c.cfg.DiskGB), "", "  ")
		if merr != nil {
			return "", provisioner.NewTerminal("create", fmt.Errorf("marshal volume XML: %w", merr))
		}
		vol, err = l.StorageVolCreateXML(pool, string(volXML), 0)
		if err != nil {
			return "", provisioner.NewTransient("create", fmt.Errorf("create volume: %w", err))
		}
	}

	path, err := l.StorageVolGetPath(vol)
	if err != nil {
		return "", provisioner.NewTransient("create", fmt.Errorf("get volume path: %w", err))
	}
	return path, nil
}

// DeleteInstance 强制关机、取消定义并删除磁盘与 ISO，domain 不存在视为成功
func (c *Client) DeleteInstance(ctx context.Context, handle *provisioner.Handle) error {
	if err := ctx.Err(); err != nil {
		return provisioner.NewTransient("delete", err)
	}
	l, err := c.connect()
	if err != nil {
		return err
	}

	dom, err := l.DomainLookupByName(handle.ID)
	switch {
	case err == nil:
		state, _, serr := l.DomainGetState(dom, 0)
		if serr == nil && libvirt.DomainState(state) == libvirt.DomainRunning {
			if err := l.DomainDestroy(dom); err != nil && !isNotFound(err) {
				return provisioner.NewTransient("delete", fmt.Errorf("destroy domain: %w", err))
			}
		}
		if err := l.DomainUndefineFlags(dom, libvirt.DomainUndefineManagedSave|libvirt.DomainUndefineSnapshotsMetadata); err != nil && !isNotFound(err) {
			return provisioner.NewTransient("delete", fmt.Errorf("undefine domain: %w", err))
		}
	case isNotFound(err):
	default:
		return provisioner.NewTransient("delete", fmt.Errorf("lookup domain: %w", err))
	}

	if pool, err := l.StoragePoolLookupByName(c.cfg.Pool); err == nil {
		if vol, err := l.StorageVolLookupByName(pool, volumeName(handle.ID)); err == nil {
			if err := l.StorageVolDelete(vol, libvirt.StorageVolDeleteNormal); err != nil {
				return provisioner.NewTransient("delete", fmt.Errorf("delete volume: %w", err))
			}
		}
	}
	if err := c.iso.CleanupISO(handle.ID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("domain", handle.ID).Msg("Failed to cleanup cloud-init ISO")
	}
	return nil
}

// GetStatus 查询 domain 状态，运行中时从 DHCP 租约读取 IPv4 地址
func (c *Client) GetStatus(ctx context.Context, handle *provisioner.Handle) (*provisioner.InstanceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, provisioner.NewTransient("status", err)
	}
	l, err := c.connect()
	if err != nil {
		return nil, err
	}

	dom, err := l.DomainLookupByName(handle.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, provisioner.ErrNotFound
		}
		return nil, provisioner.NewTransient("status", fmt.Errorf("lookup domain: %w", err))
	}
	state, _, err := l.DomainGetState(dom, 0)
	if err != nil {
		return nil, provisioner.NewTransient("status", fmt.Errorf("get domain state: %w", err))
	}

	info := &provisioner.InstanceInfo{Status: mapDomainState(libvirt.DomainState(state))}
	if info.Status != provisioner.StatusActive {
		return info, nil
	}

	ifaces, err := l.DomainInterfaceAddresses(dom, uint32(libvirt.DomainInterfaceAddressesSrcLease), 0)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("domain", handle.ID).Msg("Interface addresses not available yet")
		info.Status = provisioner.StatusCreating
		return info, nil
	}
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if addr.Type == int32(libvirt.IPAddrTypeIpv4) && addr.Addr != "" {
				info.Address = addr.Addr
				return info, nil
			}
		}
	}
	// 尚未获得地址前按创建中处理
	info.Status = provisioner.StatusCreating
	return info, nil
}

// StopInstance 向 guest 发送 ACPI 关机
func (c *Client) StopInstance(ctx context.Context, handle *provisioner.Handle) error {
	if err := ctx.Err(); err != nil {
		return provisioner.NewTransient("stop", err)
	}
	l, err := c.connect()
	if err != nil {
		return err
	}
	dom, err := l.DomainLookupByName(handle.ID)
	if err != nil {
		if isNotFound(err) {
			return provisioner.ErrNotFound
		}
		return provisioner.NewTransient("stop", fmt.Errorf("lookup domain: %w", err))
	}
	if err := l.DomainShutdown(dom); err != nil {
		return provisioner.NewTransient("stop", fmt.Errorf("shutdown domain: %w", err))
	}
	return nil
}

func mapDomainState(s libvirt.DomainState) provisioner.Status {
	switch s {
	case libvirt.DomainRunning:
		return provisioner.StatusActive
	case libvirt.DomainShutoff, libvirt.DomainShutdown, libvirt.DomainPaused, libvirt.DomainPmsuspended:
		return provisioner.StatusStopped
	case libvirt.DomainCrashed:
		return provisioner.StatusError
	case libvirt.DomainBlocked:
		return provisioner.StatusCreating
	default:
		return provisioner.StatusUnknown
	}
}

// isNotFound libvirt 对象不存在（domain、volume、pool）
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no domain with matching") ||
		strings.Contains(msg, "no storage vol with matching")
}

func labelsDescription(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
