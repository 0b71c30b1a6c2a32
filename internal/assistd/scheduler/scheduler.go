// Package scheduler 周期任务调度，作为 grace 服务与 API 一起运行
//
// 每个任务一个 goroutine：启动后立即执行一次，之后按间隔循环。
// 同一任务的执行互斥，手动触发遇到正在执行时直接跳过。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnknownJob 触发了未注册的任务
var ErrUnknownJob = errors.New("unknown job")

// Job 周期任务
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type jobState struct {
	Job
	mu      sync.Mutex
	runs    int
	lastErr error
}

// Scheduler 周期任务调度器
type Scheduler struct {
	jobs    map[string]*jobState
	order   []string
	timeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建调度器，timeout 为单次执行的超时时间，<=0 时不设超时
func New(timeout time.Duration, jobs ...Job) (*Scheduler, error) {
	s := &Scheduler{
		jobs:    make(map[string]*jobState, len(jobs)),
		timeout: timeout,
	}
	for _, job := range jobs {
		if job.Name == "" || job.Run == nil {
			return nil, fmt.Errorf("job %q: name and run func are required", job.Name)
		}
		if job.Interval <= 0 {
			return nil, fmt.Errorf("job %s: interval must be positive", job.Name)
		}
		if _, ok := s.jobs[job.Name]; ok {
			return nil, fmt.Errorf("job %s registered twice", job.Name)
		}
		s.jobs[job.Name] = &jobState{Job: job}
		s.order = append(s.order, job.Name)
	}
	return s, nil
}

// Name 实现 grace.Grace 接口
func (s *Scheduler) Name() string {
	return "scheduler"
}

// Run 启动所有任务并阻塞到 ctx 取消或 Shutdown
func (s *Scheduler) Run(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, name := range s.order {
		job := s.jobs[name]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, job)
		}()
	}
	s.mu.Unlock()

	logger.Info().Int("jobs", len(s.order)).Msg("Scheduler started")
	<-ctx.Done()
	s.wg.Wait()
	logger.Info().Msg("Scheduler stopped")
	return nil
}

// Shutdown 停止调度并等待正在执行的任务结束
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, job *jobState) {
	s.execute(ctx, job)

	timer := time.NewTimer(job.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.execute(ctx, job)
			timer.Reset(job.Interval)
		}
	}
}

// Trigger 立即执行一次任务，任务正在执行时返回 false
func (s *Scheduler) Trigger(ctx context.Context, name string) (bool, error) {
	job, ok := s.jobs[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, job), nil
}

// execute 执行一次任务，同一任务正在执行时跳过
func (s *Scheduler) execute(ctx context.Context, job *jobState) bool {
	if !job.mu.TryLock() {
		zerolog.Ctx(ctx).Debug().Str("job", job.Name).Msg("Job still running, skipping")
		return false
	}
	defer job.mu.Unlock()

	logger := zerolog.Ctx(ctx).With().Str("job", job.Name).Logger()
	runCtx := logger.WithContext(ctx)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.safeRun(runCtx, job)
	job.runs++
	job.lastErr = err
	if err != nil {
		logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Job failed")
		return true
	}
	logger.Debug().Dur("elapsed", time.Since(start)).Msg("Job finished")
	return true
}

// safeRun 任务 panic 不影响调度循环
func (s *Scheduler) safeRun(ctx context.Context, job *jobState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx)
}

// Stats 任务的执行次数与最近一次错误
type Stats struct {
	Name    string
	Runs    int
	LastErr error
}

// Stats 按注册顺序返回各任务的统计，正在执行的任务会等待其结束
func (s *Scheduler) Stats() []Stats {
	out := make([]Stats, 0, len(s.order))
	for _, name := range s.order {
		job := s.jobs[name]
		job.mu.Lock()
		out = append(out, Stats{Name: name, Runs: job.runs, LastErr: job.lastErr})
		job.mu.Unlock()
	}
	return out
}
