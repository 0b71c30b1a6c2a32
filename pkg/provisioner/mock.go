package provisioner

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockProvisioner testify mock，用于单元测试
type MockProvisioner struct {
	mock.Mock
}

// NewMockProvisioner 创建 MockProvisioner
func NewMockProvisioner() *MockProvisioner {
	return &MockProvisioner{}
}

func (m *MockProvisioner) CreateInstance(ctx context.Context, spec *InstanceSpec) (*Handle, error) {
	args := m.Called(ctx, spec)
	if h := args.Get(0); h != nil {
		return h.(*Handle), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProvisioner) DeleteInstance(ctx context.Context, handle *Handle) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

func (m *MockProvisioner) GetStatus(ctx context.Context, handle *Handle) (*InstanceInfo, error) {
	args := m.Called(ctx, handle)
	if info := args.Get(0); info != nil {
		return info.(*InstanceInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProvisioner) StopInstance(ctx context.Context, handle *Handle) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

func (m *MockProvisioner) Ping(ctx context.Context, hostAddress string) error {
	args := m.Called(ctx, hostAddress)
	return args.Error(0)
}
