package entity

// UsageSyncResult LLM 用量同步结果
type UsageSyncResult struct {
	Tenants      int `json:"tenants"`
	Charged      int `json:"charged"`
	Insufficient int `json:"insufficient"`
	Errors       int `json:"errors"`
}

// ChargeResult 小时计费结果
type ChargeResult struct {
	Charged int `json:"charged"`
	// Skipped 本小时已计费
	Skipped int `json:"skipped"`
	Flagged int `json:"flagged"`
	Cleared int `json:"cleared"`
	Stopped int `json:"stopped"`
	Errors  int `json:"errors"`
}
