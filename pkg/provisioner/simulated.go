package provisioner

import (
	"context"
	"fmt"
	"sync"
)

// SimulatedConfig 模拟后端的行为配置，在构造时确定
type SimulatedConfig struct {
	// Backend 句柄上记录的后端名，默认 simulated
	Backend Backend
	// CreatingPolls 前 N 次 GetStatus 返回 creating，之后返回 active
	CreatingPolls int
	// NeverReady 始终返回 creating，用于验证探测超时
	NeverReady bool
	// CreateErr 非空时 CreateInstance 直接返回该错误
	CreateErr error
	// AddressPrefix 虚拟机地址前缀，默认 10.0.0.
	AddressPrefix string
}

type simulatedInstance struct {
	spec   InstanceSpec
	status Status
	polls  int
	addr   string
}

// Simulated mock 模式后端：不发起远端调用，结果确定
// 多个实例互不共享状态，可在测试中并行使用不同配置
type Simulated struct {
	cfg SimulatedConfig

	mu        sync.Mutex
	seq       int
	instances map[string]*simulatedInstance
	created   int
	deleted   int
}

var (
	_ Provisioner = (*Simulated)(nil)
	_ Finder      = (*Simulated)(nil)
	_ Stopper     = (*Simulated)(nil)
)

// NewSimulated 创建模拟后端
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.Backend == "" {
		cfg.Backend = BackendSimulated
	}
	if cfg.AddressPrefix == "" {
		cfg.AddressPrefix = "10.0.0."
	}
	return &Simulated{
		cfg:       cfg,
		instances: make(map[string]*simulatedInstance),
	}
}

func (s *Simulated) CreateInstance(ctx context.Context, spec *InstanceSpec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransient("create", err)
	}
	if s.cfg.CreateErr != nil {
		return nil, s.cfg.CreateErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.created++
	id := fmt.Sprintf("sim-%d", s.seq)
	inst := &simulatedInstance{spec: *spec, status: StatusCreating}
	if spec.HostAddress != "" {
		inst.addr = fmt.Sprintf("%s:%d", spec.HostAddress, 20000+s.seq)
	} else {
		inst.addr = fmt.Sprintf("%s%d", s.cfg.AddressPrefix, s.seq)
	}
	s.instances[id] = inst

	return &Handle{Backend: s.cfg.Backend, ID: id, HostAddress: spec.HostAddress}, nil
}

// FindInstance 按名字与主机地址查找已创建的实例
func (s *Simulated) FindInstance(ctx context.Context, spec *InstanceSpec) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, inst := range s.instances {
		if inst.spec.Name == spec.Name && inst.spec.HostAddress == spec.HostAddress {
			return &Handle{Backend: s.cfg.Backend, ID: id, HostAddress: spec.HostAddress}, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Simulated) DeleteInstance(ctx context.Context, handle *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[handle.ID]; ok {
		delete(s.instances, handle.ID)
		s.deleted++
	}
	return nil
}

func (s *Simulated) GetStatus(ctx context.Context, handle *Handle) (*InstanceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[handle.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if inst.status == StatusCreating && !s.cfg.NeverReady {
		if inst.polls >= s.cfg.CreatingPolls {
			inst.status = StatusActive
		}
		inst.polls++
	}

	info := &InstanceInfo{Status: inst.status}
	if inst.status == StatusActive {
		info.Address = inst.addr
	}
	return info, nil
}

func (s *Simulated) StopInstance(ctx context.Context, handle *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[handle.ID]
	if !ok {
		return ErrNotFound
	}
	inst.status = StatusStopped
	return nil
}

// Ping 模拟主机始终可用
func (s *Simulated) Ping(ctx context.Context, hostAddress string) error {
	return nil
}

// SetStatus 修改实例状态，模拟远端状态漂移
func (s *Simulated) SetStatus(id string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[id]; ok {
		inst.status = status
	}
}

// Forget 移除实例记录，模拟远端实例被外部删除
func (s *Simulated) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
}

// Created 累计创建次数
func (s *Simulated) Created() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// Live 当前存在的实例数
func (s *Simulated) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// Spec 返回创建实例时使用的参数
func (s *Simulated) Spec(id string) (InstanceSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return InstanceSpec{}, false
	}
	return inst.spec, true
}
