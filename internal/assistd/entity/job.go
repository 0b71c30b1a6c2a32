package entity

import "fmt"

// RunJobRequest 手动触发周期任务
type RunJobRequest struct {
	Name string `json:"name" binding:"required"`
}

func (r *RunJobRequest) IsValid() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// RunJobResponse 触发结果，任务正在执行时 Ran 为 false
type RunJobResponse struct {
	Name string `json:"name"`
	Ran  bool   `json:"ran"`
}
