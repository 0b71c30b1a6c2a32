package api

import (
	"context"

	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/stretchr/testify/mock"
)

type MockServerService struct {
	mock.Mock
}

func (m *MockServerService) CreateServer(ctx context.Context, req *entity.CreateServerRequest) (*entity.Server, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Server), args.Error(1)
}

func (m *MockServerService) GetServer(ctx context.Context, id string) (*entity.Server, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Server), args.Error(1)
}

func (m *MockServerService) ListServers(ctx context.Context, req *entity.ListServersRequest) (*entity.ListServersResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.ListServersResponse), args.Error(1)
}

func (m *MockServerService) DeleteServer(ctx context.Context, id string) (*entity.DeleteServerResponse, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.DeleteServerResponse), args.Error(1)
}

func (m *MockServerService) RequeueServer(ctx context.Context, id string) (*entity.Server, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Server), args.Error(1)
}

func (m *MockServerService) GetProvisionLog(ctx context.Context, id string) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

type MockCreditService struct {
	mock.Mock
}

func (m *MockCreditService) GetBalance(ctx context.Context, req *entity.TenantRequest) (*entity.Credit, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Credit), args.Error(1)
}

func (m *MockCreditService) ListTransactions(ctx context.Context, req *entity.ListTransactionsRequest) (*entity.ListTransactionsResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.ListTransactionsResponse), args.Error(1)
}

func (m *MockCreditService) GrantCredits(ctx context.Context, req *entity.GrantCreditsRequest) (*entity.CreditResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.CreditResult), args.Error(1)
}

type MockHostService struct {
	mock.Mock
}

func (m *MockHostService) ListHosts(ctx context.Context) (*entity.ListHostsResponse, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.ListHostsResponse), args.Error(1)
}

func (m *MockHostService) DrainHost(ctx context.Context, hostID string) (*entity.DockerHost, error) {
	args := m.Called(ctx, hostID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.DockerHost), args.Error(1)
}

type MockSecretService struct {
	mock.Mock
}

func (m *MockSecretService) PutSecret(ctx context.Context, req *entity.PutSecretRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *MockSecretService) DeleteSecret(ctx context.Context, req *entity.DeleteSecretRequest) error {
	return m.Called(ctx, req).Error(0)
}

type MockPaymentService struct {
	mock.Mock
}

func (m *MockPaymentService) VerifySignature(body []byte, signature string) error {
	return m.Called(body, signature).Error(0)
}

func (m *MockPaymentService) HandleEvent(ctx context.Context, event *entity.PaymentEvent) (*entity.PaymentEventResult, error) {
	args := m.Called(ctx, event)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.PaymentEventResult), args.Error(1)
}

func (m *MockPaymentService) ResetWelcomeBonus(ctx context.Context, tenantID string) (*entity.Credit, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Credit), args.Error(1)
}

type MockJobTrigger struct {
	mock.Mock
}

func (m *MockJobTrigger) Trigger(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}
