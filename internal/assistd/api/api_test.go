package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/jimyag/assistd/pkg/apierror"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, opts Options, services Services) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a, err := New(opts, services)
	require.NoError(t, err)
	return a.Handler()
}

func doRequest(h http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(http.MethodPost, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp apierror.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Errors)
	return resp.Errors[0].Code
}

func TestServer_CreateServer(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name         string
		req          any
		mockSetup    func(*MockServerService)
		expectStatus int
		expectCode   string
	}{
		{
			name: "successful create",
			req:  &entity.CreateServerRequest{TenantID: "tenant-a", DeploymentType: "shared"},
			mockSetup: func(m *MockServerService) {
				m.On("CreateServer", mock.Anything, mock.MatchedBy(func(req *entity.CreateServerRequest) bool {
					return req.TenantID == "tenant-a" && req.DeploymentType == "shared"
				})).Return(&entity.Server{ID: "srv-1", Status: "running", Ready: true}, nil)
			},
			expectStatus: http.StatusOK,
		},
		{
			name:         "invalid deployment type",
			req:          &entity.CreateServerRequest{TenantID: "tenant-a", DeploymentType: "bare-metal"},
			mockSetup:    func(m *MockServerService) {},
			expectStatus: http.StatusBadRequest,
			expectCode:   apierror.ErrInvalidParameterValue.Code,
		},
		{
			name: "insufficient credits",
			req:  &entity.CreateServerRequest{TenantID: "tenant-a", DeploymentType: "dedicated"},
			mockSetup: func(m *MockServerService) {
				m.On("CreateServer", mock.Anything, mock.Anything).
					Return(nil, apierror.WrapError(apierror.ErrInsufficientCredits, "need 0.1", nil))
			},
			expectStatus: http.StatusPaymentRequired,
			expectCode:   apierror.ErrInsufficientCredits.Code,
		},
		{
			name: "unexpected error",
			req:  &entity.CreateServerRequest{TenantID: "tenant-a", DeploymentType: "dedicated"},
			mockSetup: func(m *MockServerService) {
				m.On("CreateServer", mock.Anything, mock.Anything).Return(nil, assert.AnError)
			},
			expectStatus: http.StatusInternalServerError,
			expectCode:   apierror.ErrInternalError.Code,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mockService := new(MockServerService)
			tc.mockSetup(mockService)
			h := newTestHandler(t, Options{}, Services{Servers: mockService})

			w := doRequest(h, "/api/servers/create", tc.req, nil)
			assert.Equal(t, tc.expectStatus, w.Code, w.Body.String())
			if tc.expectCode != "" {
				assert.Equal(t, tc.expectCode, decodeErrorCode(t, w))
			} else {
				var server entity.Server
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &server))
				assert.Equal(t, "srv-1", server.ID)
			}
			mockService.AssertExpectations(t)
		})
	}
}

func TestServer_Routes(t *testing.T) {
	t.Parallel()

	mockService := new(MockServerService)
	mockService.On("GetServer", mock.Anything, "srv-1").Return(&entity.Server{ID: "srv-1"}, nil)
	mockService.On("GetServer", mock.Anything, "srv-404").Return(nil, apierror.ErrServerNotFound)
	mockService.On("DeleteServer", mock.Anything, "srv-1").
		Return(&entity.DeleteServerResponse{Server: &entity.Server{ID: "srv-1", Status: "deleted"}, AlreadyDeleted: true}, nil)
	mockService.On("RequeueServer", mock.Anything, "srv-1").
		Return(nil, apierror.WrapError(apierror.ErrInvalidServerState, "not failed", nil))
	mockService.On("GetProvisionLog", mock.Anything, "srv-1").Return("line one\nline two\n", nil)
	mockService.On("ListServers", mock.Anything, mock.MatchedBy(func(req *entity.ListServersRequest) bool {
		return req.TenantID == "tenant-a" && req.IncludeDeleted
	})).Return(&entity.ListServersResponse{Servers: []entity.Server{{ID: "srv-1"}}}, nil)

	h := newTestHandler(t, Options{}, Services{Servers: mockService})

	w := doRequest(h, "/api/servers/describe", &entity.ServerIDRequest{ServerID: "srv-1"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(h, "/api/servers/describe", &entity.ServerIDRequest{ServerID: "srv-404"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apierror.ErrServerNotFound.Code, decodeErrorCode(t, w))

	w = doRequest(h, "/api/servers/describe", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(h, "/api/servers/delete", &entity.ServerIDRequest{ServerID: "srv-1"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var deleted entity.DeleteServerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &deleted))
	assert.True(t, deleted.AlreadyDeleted)

	w = doRequest(h, "/api/servers/requeue", &entity.ServerIDRequest{ServerID: "srv-1"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(h, "/api/servers/log", &entity.ServerIDRequest{ServerID: "srv-1"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	assert.Equal(t, "line one\nline two\n", w.Body.String())

	w = doRequest(h, "/api/servers/list", &entity.ListServersRequest{TenantID: "tenant-a", IncludeDeleted: true}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	mockService.AssertExpectations(t)
}

func TestCredit_Routes(t *testing.T) {
	t.Parallel()

	mockService := new(MockCreditService)
	mockService.On("GetBalance", mock.Anything, &entity.TenantRequest{TenantID: "tenant-a"}).
		Return(&entity.Credit{TenantID: "tenant-a", Balance: "12.5"}, nil)
	mockService.On("ListTransactions", mock.Anything, mock.MatchedBy(func(req *entity.ListTransactionsRequest) bool {
		return req.TenantID == "tenant-a" && req.Page == 2 && req.PageSize == 10
	})).Return(&entity.ListTransactionsResponse{Total: 11, Page: 2, PageSize: 10}, nil)
	mockService.On("GrantCredits", mock.Anything, mock.MatchedBy(func(req *entity.GrantCreditsRequest) bool {
		return req.Amount.Equal(decimal.RequireFromString("2.5"))
	})).Return(&entity.CreditResult{Transaction: &entity.CreditTransaction{Type: "bonus", Amount: "2.5"}}, nil)

	h := newTestHandler(t, Options{}, Services{Credits: mockService})

	w := doRequest(h, "/api/credits/balance", &entity.TenantRequest{TenantID: "tenant-a"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var credit entity.Credit
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &credit))
	assert.Equal(t, "12.5", credit.Balance)

	w = doRequest(h, "/api/credits/transactions", &entity.ListTransactionsRequest{TenantID: "tenant-a", Page: 2, PageSize: 10}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(h, "/api/credits/grant", []byte(`{"tenant_id":"tenant-a","amount":"2.5"}`), nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 非正数金额在进入服务前被拒绝
	w = doRequest(h, "/api/credits/grant", []byte(`{"tenant_id":"tenant-a","amount":"-1"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	mockService.AssertExpectations(t)
}

func TestHost_ListCachedUntilDrain(t *testing.T) {
	t.Parallel()

	mockService := new(MockHostService)
	mockService.On("ListHosts", mock.Anything).
		Return(&entity.ListHostsResponse{Hosts: []entity.DockerHost{{ID: "host-1", Status: "ready"}}, TotalAvailable: 3}, nil).Twice()
	mockService.On("DrainHost", mock.Anything, "host-1").Return(&entity.DockerHost{ID: "host-1", Status: "draining"}, nil)
	mockService.On("DrainHost", mock.Anything, "host-2").Return(nil, apierror.ErrInvalidHostState)

	h := newTestHandler(t, Options{}, Services{Hosts: mockService})

	first := doRequest(h, "/api/hosts/list", nil, nil)
	assert.Equal(t, http.StatusOK, first.Code)
	second := doRequest(h, "/api/hosts/list", nil, nil)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	mockService.AssertNumberOfCalls(t, "ListHosts", 1)

	w := doRequest(h, "/api/hosts/drain", &entity.HostIDRequest{HostID: "host-2"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(h, "/api/hosts/drain", &entity.HostIDRequest{HostID: "host-1"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	third := doRequest(h, "/api/hosts/list", nil, nil)
	assert.Equal(t, http.StatusOK, third.Code)
	assert.Empty(t, third.Header().Get("X-Cache"))
	mockService.AssertNumberOfCalls(t, "ListHosts", 2)
}

func TestSecret_Routes(t *testing.T) {
	t.Parallel()

	mockService := new(MockSecretService)
	mockService.On("PutSecret", mock.Anything, &entity.PutSecretRequest{TenantID: "tenant-a", Name: "OPENAI_KEY", Value: "sk"}).Return(nil)
	mockService.On("DeleteSecret", mock.Anything, &entity.DeleteSecretRequest{TenantID: "tenant-a", Name: "OPENAI_KEY"}).Return(nil)

	h := newTestHandler(t, Options{}, Services{Secrets: mockService})

	w := doRequest(h, "/api/secrets/put", &entity.PutSecretRequest{TenantID: "tenant-a", Name: "OPENAI_KEY", Value: "sk"}, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(h, "/api/secrets/put", &entity.PutSecretRequest{TenantID: "tenant-a", Name: "not a name", Value: "sk"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(h, "/api/secrets/delete", &entity.DeleteSecretRequest{TenantID: "tenant-a", Name: "OPENAI_KEY"}, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	mockService.AssertExpectations(t)
}

func TestPayment_Webhook(t *testing.T) {
	t.Parallel()

	validBody := []byte(`{"id":"evt_1","type":"payment.succeeded","tenant_id":"tenant-a","reference":"pi_1","amount_usd":"10"}`)

	testcases := []struct {
		name         string
		body         []byte
		signature    string
		mockSetup    func(*MockPaymentService)
		expectStatus int
	}{
		{
			name:      "valid event",
			body:      validBody,
			signature: "sha256=good",
			mockSetup: func(m *MockPaymentService) {
				m.On("VerifySignature", validBody, "sha256=good").Return(nil)
				m.On("HandleEvent", mock.Anything, mock.MatchedBy(func(e *entity.PaymentEvent) bool {
					return e.ID == "evt_1" && e.Reference == "pi_1" && e.AmountUSD.Equal(decimal.NewFromInt(10))
				})).Return(&entity.PaymentEventResult{Handled: true}, nil)
			},
			expectStatus: http.StatusOK,
		},
		{
			name:      "bad signature",
			body:      validBody,
			signature: "bad",
			mockSetup: func(m *MockPaymentService) {
				m.On("VerifySignature", validBody, "bad").Return(apierror.ErrInvalidSignature)
			},
			expectStatus: http.StatusUnauthorized,
		},
		{
			name:      "malformed payload",
			body:      []byte(`{"id":`),
			signature: "good",
			mockSetup: func(m *MockPaymentService) {
				m.On("VerifySignature", mock.Anything, "good").Return(nil)
			},
			expectStatus: http.StatusBadRequest,
		},
		{
			name:      "missing reference",
			body:      []byte(`{"id":"evt_2","type":"payment.succeeded","tenant_id":"tenant-a"}`),
			signature: "good",
			mockSetup: func(m *MockPaymentService) {
				m.On("VerifySignature", mock.Anything, "good").Return(nil)
			},
			expectStatus: http.StatusBadRequest,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mockService := new(MockPaymentService)
			tc.mockSetup(mockService)
			h := newTestHandler(t, Options{}, Services{Payments: mockService})

			w := doRequest(h, "/api/webhooks/payment", tc.body, map[string]string{HeaderSignature: tc.signature})
			assert.Equal(t, tc.expectStatus, w.Code, w.Body.String())
			mockService.AssertExpectations(t)
		})
	}
}

func TestPayment_ResetBonus(t *testing.T) {
	t.Parallel()

	mockService := new(MockPaymentService)
	mockService.On("ResetWelcomeBonus", mock.Anything, "tenant-a").Return(&entity.Credit{TenantID: "tenant-a"}, nil)
	h := newTestHandler(t, Options{}, Services{Payments: mockService})

	w := doRequest(h, "/api/subscriptions/reset-bonus", &entity.TenantRequest{TenantID: "tenant-a"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	mockService.AssertExpectations(t)
}

func TestJob_RunJob(t *testing.T) {
	t.Parallel()

	trigger := new(MockJobTrigger)
	trigger.On("Trigger", mock.Anything, "charge-hourly").Return(true, nil)
	trigger.On("Trigger", mock.Anything, "nope").Return(false, assert.AnError)
	h := newTestHandler(t, Options{}, Services{Jobs: trigger})

	w := doRequest(h, "/api/jobs/run", &entity.RunJobRequest{Name: "charge-hourly"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp entity.RunJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Ran)

	w = doRequest(h, "/api/jobs/run", &entity.RunJobRequest{Name: "nope"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMiddleware_RequestIDAndRateLimit(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, Options{RateLimit: 0.001, RateBurst: 2}, Services{})

	var ids []string
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		ids = append(ids, w.Header().Get(headerRequestID))
	}
	assert.True(t, strings.HasPrefix(ids[0], "req-"))
	assert.NotEqual(t, ids[0], ids[1])

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, apierror.ErrRequestLimitExceeded.Code, decodeErrorCode(t, w))

	// 其他 IP 不受影响，客户端传入的请求 ID 被沿用
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "198.51.100.8:4000"
	req.Header.Set(headerRequestID, "req-from-client")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-from-client", w.Header().Get(headerRequestID))
}
