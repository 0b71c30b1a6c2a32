package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jimyag/assistd/pkg/apierror"
	"github.com/jimyag/assistd/pkg/ginx"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const headerRequestID = "X-Request-ID"

// RequestID 为每个请求分配 ID，并把带 request_id 的 logger 放进请求 context
// 客户端传入的 X-Request-ID 会被沿用
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" || len(requestID) > 128 {
			requestID = "req-" + uuid.NewString()
		}
		ginx.SetRequestID(c, requestID)
		c.Header(headerRequestID, requestID)

		logger := zerolog.Ctx(c.Request.Context()).With().Str("request_id", requestID).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))

		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	}
}

// IPRateLimiter 每个客户端 IP 一个令牌桶
type IPRateLimiter struct {
	ips map[string]*rate.Limiter
	mu  sync.RWMutex
	r   rate.Limit
	b   int
}

// NewIPRateLimiter 创建限流器，r 为每秒请求数，b 为突发上限
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		ips: make(map[string]*rate.Limiter),
		r:   r,
		b:   b,
	}
}

// GetLimiter 返回 IP 对应的令牌桶，不存在时创建
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.RLock()
	limiter, ok := i.ips[ip]
	i.mu.RUnlock()
	if ok {
		return limiter
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if limiter, ok := i.ips[ip]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(i.r, i.b)
	i.ips[ip] = limiter
	return limiter
}

// RateLimiter 按客户端 IP 限流，超限返回 429
func RateLimiter(limiter *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.GetLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				apierror.NewErrorResponse(ginx.RequestID(c), apierror.ErrRequestLimitExceeded))
			return
		}
		c.Next()
	}
}

type cachedResponse struct {
	status      int
	contentType string
	body        []byte
}

type bodyCacheWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyCacheWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w bodyCacheWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Cache 缓存成功响应，key 为方法与完整 URI
// 只用于不带请求体的只读接口
func Cache(store *cache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Request.Method + " " + c.Request.RequestURI
		if v, found := store.Get(key); found {
			cached := v.(cachedResponse)
			c.Header("X-Cache", "HIT")
			c.Data(cached.status, cached.contentType, cached.body)
			c.Abort()
			return
		}

		w := &bodyCacheWriter{ResponseWriter: c.Writer, body: bytes.NewBuffer(nil)}
		c.Writer = w
		c.Next()

		if w.Status() >= 200 && w.Status() < 300 {
			store.SetDefault(key, cachedResponse{
				status:      w.Status(),
				contentType: w.Header().Get("Content-Type"),
				body:        w.body.Bytes(),
			})
		}
	}
}
