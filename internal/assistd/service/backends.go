package service

import (
	"fmt"

	"github.com/jimyag/assistd/internal/assistd/repository/model"
	"github.com/jimyag/assistd/pkg/provisioner"
)

// Backends 按部署方式选择创建后端，按落库的后端名选择查询/删除后端
type Backends struct {
	dedicated provisioner.Provisioner
	shared    provisioner.Provisioner
	byName    map[provisioner.Backend]provisioner.Provisioner
}

// NewBackends 登记独享与共享两类后端，两者可以是同一个实例
func NewBackends(
	dedicatedName provisioner.Backend, dedicated provisioner.Provisioner,
	sharedName provisioner.Backend, shared provisioner.Provisioner,
) *Backends {
	b := &Backends{
		dedicated: dedicated,
		shared:    shared,
		byName:    make(map[provisioner.Backend]provisioner.Provisioner, 2),
	}
	b.byName[sharedName] = shared
	b.byName[dedicatedName] = dedicated
	return b
}

// For 返回部署方式对应的创建后端
func (b *Backends) For(deployment model.DeploymentType) provisioner.Provisioner {
	if deployment == model.DeploymentShared {
		return b.shared
	}
	return b.dedicated
}

// Lookup 返回创建该实例时使用的后端
func (b *Backends) Lookup(name string) (provisioner.Provisioner, error) {
	p, ok := b.byName[provisioner.Backend(name)]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	return p, nil
}
