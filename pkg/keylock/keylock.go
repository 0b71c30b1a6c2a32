// Package keylock 提供进程内按 key 互斥的锁
//
// 同一 key 上的持有者串行执行，不同 key 互不影响。
// 获取锁可被 context 取消，也可设置超时；空闲 key 在最后一个持有者释放后回收。
package keylock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrBusy TryLock 时锁已被占用
var ErrBusy = fmt.Errorf("lock busy")

type entry struct {
	ch   chan struct{} // 容量为 1，持有者占用唯一的位置
	refs int           // 持有者与等待者数量
}

// Locker 按 key 互斥的锁
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
}

// New 创建 Locker，timeout 为 0 时只受 context 约束
func New(timeout time.Duration) *Locker {
	return &Locker{
		entries: make(map[string]*entry),
		timeout: timeout,
	}
}

func (l *Locker) acquireEntry(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) releaseEntry(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Lock 获取 key 的锁，返回释放函数
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquireEntry(key)

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	select {
	case e.ch <- struct{}{}:
		zerolog.Ctx(ctx).Trace().Str("lock_key", key).Msg("Lock acquired")
		return l.unlocker(key, e), nil
	case <-ctx.Done():
		l.releaseEntry(key, e)
		return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
	}
}

// TryLock 非阻塞获取锁，被占用时返回 ErrBusy
func (l *Locker) TryLock(key string) (func(), error) {
	e := l.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		return l.unlocker(key, e), nil
	default:
		l.releaseEntry(key, e)
		return nil, ErrBusy
	}
}

func (l *Locker) unlocker(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.releaseEntry(key, e)
		})
	}
}

// WithLock 持有 key 的锁执行 fn
func (l *Locker) WithLock(ctx context.Context, key string, fn func() error) error {
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Key 拼接资源类型与 ID 作为锁 key
func Key(kind, id string) string {
	return kind + ":" + id
}
