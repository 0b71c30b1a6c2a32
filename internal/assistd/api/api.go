// Package api 提供 assistd 的 HTTP 接口
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Options HTTP 服务参数
type Options struct {
	Address   string
	RateLimit float64
	RateBurst int
	CacheTTL  time.Duration
}

// Services 各路由组依赖的服务，为 nil 的组不注册
type Services struct {
	Servers  ServerServiceInterface
	Credits  CreditServiceInterface
	Hosts    HostServiceInterface
	Secrets  SecretServiceInterface
	Payments PaymentServiceInterface
	Jobs     JobTrigger
}

type routes interface {
	RegisterRoutes(router *gin.RouterGroup)
}

type API struct {
	engine *gin.Engine
	server *http.Server
}

func New(opts Options, services Services) (*API, error) {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}

	engine := gin.New()
	// handler 直接把 *gin.Context 作为 context 传给服务层，需要回落到 Request.Context 取 logger
	engine.ContextWithFallback = true
	engine.Use(gin.Recovery(), RequestID(), RateLimiter(NewIPRateLimiter(limit, opts.RateBurst)))
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	group := engine.Group("/api")
	var all []routes
	if services.Servers != nil {
		all = append(all, NewServer(services.Servers))
	}
	if services.Credits != nil {
		all = append(all, NewCredit(services.Credits))
	}
	if services.Hosts != nil {
		all = append(all, NewHost(services.Hosts, opts.CacheTTL))
	}
	if services.Secrets != nil {
		all = append(all, NewSecret(services.Secrets))
	}
	if services.Payments != nil {
		all = append(all, NewPayment(services.Payments))
	}
	if services.Jobs != nil {
		all = append(all, NewJob(services.Jobs))
	}
	for _, r := range all {
		r.RegisterRoutes(group)
	}

	return &API{
		engine: engine,
		server: &http.Server{
			Addr:              opts.Address,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler 返回路由，便于测试直接调用
func (a *API) Handler() http.Handler {
	return a.engine
}

// Name 实现 grace.Grace 接口
func (a *API) Name() string {
	return "api"
}

func (a *API) Run(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	// 请求 context 继承带字段的全局 logger
	a.server.BaseContext = func(_ net.Listener) context.Context {
		return logger.WithContext(context.Background())
	}
	logger.Info().Str("address", a.server.Addr).Msg("HTTP server listening")
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}
