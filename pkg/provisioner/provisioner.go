// Package provisioner 定义计算实例供应后端的统一接口
//
// 后端包括：云厂商 API 上的独享虚拟机（cloud）、自有 hypervisor 上的独享虚拟机（libvirt）、
// 共享 Docker 主机上的容器（docker），以及不发起任何远端调用的模拟后端（Simulated，mock 模式）。
//
// 所有后端返回的错误分为两类：
//   - 瞬时错误（网络错误、超时、5xx、429），调用方在下一个调度周期重试
//   - 终止错误（参数非法、配额不足等 4xx），调用方直接置为失败
package provisioner

import (
	"context"
)

// Backend 后端名称，落库用于选择删除/查询时的后端
type Backend string

const (
	BackendCloud     Backend = "cloud"
	BackendLibvirt   Backend = "libvirt"
	BackendDocker    Backend = "docker"
	BackendSimulated Backend = "simulated"
)

// Status 实例状态
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusCreating Status = "creating"
	StatusActive   Status = "active"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// InstanceSpec 创建实例的参数
type InstanceSpec struct {
	Name   string
	Size   string // 规格，如 s-1vcpu-2gb
	Region string // 数据中心
	Image  string

	// HostAddress 共享容器所在 Docker 主机地址，仅 docker 后端使用
	HostAddress string
	// Env 注入容器的环境变量，仅 docker 后端使用
	Env map[string]string
	// UserData 虚拟机 cloud-init user-data
	UserData string
	Labels   map[string]string
}

// Handle 实例句柄
type Handle struct {
	Backend     Backend `json:"backend"`
	ID          string  `json:"id"`
	HostAddress string  `json:"host_address,omitempty"`
}

// InstanceInfo 实例的观测状态
type InstanceInfo struct {
	Status  Status
	Address string
}

// Provisioner 实例供应接口
type Provisioner interface {
	// CreateInstance 发起创建，可能异步完成，就绪状态通过 GetStatus 轮询
	CreateInstance(ctx context.Context, spec *InstanceSpec) (*Handle, error)
	// DeleteInstance 删除实例，实例已不存在视为成功
	DeleteInstance(ctx context.Context, handle *Handle) error
	// GetStatus 查询实例状态，实例不存在时返回 ErrNotFound
	GetStatus(ctx context.Context, handle *Handle) (*InstanceInfo, error)
}

// Finder 能按创建时的名字找回实例的后端实现该接口
// 创建超时后无法确定远端是否已创建，重试前先查找，已存在则沿用
type Finder interface {
	// FindInstance 按 spec.Name 查找实例，未创建时返回 ErrNotFound
	FindInstance(ctx context.Context, spec *InstanceSpec) (*Handle, error)
}

// Stopper 支持关机的后端实现该接口，用于欠费停机
type Stopper interface {
	StopInstance(ctx context.Context, handle *Handle) error
}

// Pinger 用于检查 Docker 主机的容器运行时是否可用
type Pinger interface {
	Ping(ctx context.Context, hostAddress string) error
}
