package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jimyag/assistd/pkg/provisioner"
	"github.com/shopspring/decimal"
)

// UsageSource 外部计量的 LLM 花费
type UsageSource interface {
	// Spend 返回租户在 (from, to] 内的花费（美元），相同区间多次查询结果一致
	Spend(ctx context.Context, tenantID string, from, to time.Time) (decimal.Decimal, error)
}

// HTTPUsageSource LLM 代理的花费查询接口
//
//	GET {base}/spend?tenant_id=...&start=RFC3339&end=RFC3339
//	Authorization: Bearer {token}
//	-> {"spend": 1.23}
type HTTPUsageSource struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPUsageSource 创建 HTTP 用量源
func NewHTTPUsageSource(baseURL, token string) *HTTPUsageSource {
	return &HTTPUsageSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type spendResponse struct {
	Spend decimal.Decimal `json:"spend"`
}

func (u *HTTPUsageSource) Spend(ctx context.Context, tenantID string, from, to time.Time) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("tenant_id", tenantID)
	q.Set("start", from.UTC().Format(time.RFC3339Nano))
	q.Set("end", to.UTC().Format(time.RFC3339Nano))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.baseURL+"/spend?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build spend request: %w", err)
	}
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, provisioner.ClassifyTransportError("spend", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, provisioner.ClassifyTransportError("spend", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, provisioner.ClassifyHTTPStatus("spend", resp.StatusCode, string(body))
	}

	var out spendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, fmt.Errorf("decode spend response: %w", err)
	}
	if out.Spend.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative spend %s for tenant %s", out.Spend, tenantID)
	}
	return out.Spend, nil
}

type usageRecord struct {
	at     time.Time
	amount decimal.Decimal
}

// SimulatedUsageSource mock 模式的用量源，只返回通过 Record 记录的花费
type SimulatedUsageSource struct {
	mu      sync.Mutex
	records map[string][]usageRecord
}

// NewSimulatedUsageSource 创建模拟用量源
func NewSimulatedUsageSource() *SimulatedUsageSource {
	return &SimulatedUsageSource{records: make(map[string][]usageRecord)}
}

// Record 记录一笔发生在 at 的花费
func (u *SimulatedUsageSource) Record(tenantID string, at time.Time, amount decimal.Decimal) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records[tenantID] = append(u.records[tenantID], usageRecord{at: at, amount: amount})
}

func (u *SimulatedUsageSource) Spend(ctx context.Context, tenantID string, from, to time.Time) (decimal.Decimal, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	total := decimal.Zero
	for _, r := range u.records[tenantID] {
		if r.at.After(from) && !r.at.After(to) {
			total = total.Add(r.amount)
		}
	}
	return total, nil
}
