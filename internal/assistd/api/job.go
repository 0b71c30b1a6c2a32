package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/jimyag/assistd/internal/assistd/entity"
	"github.com/jimyag/assistd/pkg/apierror"
	"github.com/jimyag/assistd/pkg/ginx"
)

// JobTrigger 手动触发周期任务
type JobTrigger interface {
	Trigger(ctx context.Context, name string) (bool, error)
}

type Job struct {
	trigger JobTrigger
}

func NewJob(trigger JobTrigger) *Job {
	return &Job{trigger: trigger}
}

func (j *Job) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/jobs/run", ginx.Adapt5(j.RunJob))
}

// RunJob 同步执行一次任务，任务正在执行时直接返回 ran=false
func (j *Job) RunJob(ctx *gin.Context, req *entity.RunJobRequest) (*entity.RunJobResponse, error) {
	ran, err := j.trigger.Trigger(ctx, req.Name)
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrInvalidParameterValue, err.Error(), err)
	}
	return &entity.RunJobResponse{Name: req.Name, Ran: ran}, nil
}
