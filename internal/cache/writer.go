package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smg-radio/shellcache/internal/logging"
	"github.com/smg-radio/shellcache/internal/metrics"
)

// 写入结果，对应 shellcache_cache_puts_total 的 result 标签。
const (
	PutStored    = "stored"
	PutFailed    = "failed"
	PutDiscarded = "discarded"
)

const defaultWriteTimeout = 30 * time.Second

// ErrStoreUnavailable 表示写入器未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// BackgroundWriter 在响应交付之后异步写入缓存：调用方不等待写入结果，
// 写入失败只记录日志，不影响已经返回的响应。
type BackgroundWriter struct {
	storage Storage
	logger  logrus.FieldLogger
	timeout time.Duration

	wg sync.WaitGroup
}

// NewBackgroundWriter 构造后台写入器；timeout<=0 时使用 30s。
func NewBackgroundWriter(storage Storage, logger logrus.FieldLogger, timeout time.Duration) *BackgroundWriter {
	if logger == nil {
		logger = logging.Discard()
	}
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &BackgroundWriter{
		storage: storage,
		logger:  logger,
		timeout: timeout,
	}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w *BackgroundWriter) Enabled() bool {
	return w != nil && w.storage != nil
}

// Enqueue 启动一次后台写入。写入使用独立的 context，请求取消不会中断它。
func (w *BackgroundWriter) Enqueue(cacheName string, key RequestKey, resp *Response) {
	if !w.Enabled() {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		w.record(cacheName, key, w.Put(ctx, cacheName, key, resp))
	}()
}

// Put 同步写入一条缓存条目。
func (w *BackgroundWriter) Put(ctx context.Context, cacheName string, key RequestKey, resp *Response) error {
	if !w.Enabled() {
		return ErrStoreUnavailable
	}
	// 缓存已被删除（版本切换后的迟到写入）时不能隐式重建。
	exists, err := w.storage.Has(ctx, cacheName)
	if err != nil {
		return err
	}
	if !exists {
		return ErrCacheDeleted
	}
	c, err := w.storage.Open(ctx, cacheName)
	if err != nil {
		return err
	}
	return c.Put(ctx, key, resp)
}

// Wait 阻塞直到所有已排队的写入完成。
func (w *BackgroundWriter) Wait() {
	if w == nil {
		return
	}
	w.wg.Wait()
}

func (w *BackgroundWriter) record(cacheName string, key RequestKey, err error) {
	fields := logging.CacheFields("cache_put", cacheName, key.String())
	switch {
	case err == nil:
		metrics.IncCachePut(PutStored)
		w.logger.WithFields(fields).Debug("cache entry stored")
	case errors.Is(err, ErrCacheDeleted):
		metrics.IncCachePut(PutDiscarded)
		w.logger.WithFields(fields).Debug("cache deleted before write, entry discarded")
	default:
		metrics.IncCachePut(PutFailed)
		fields["error"] = err.Error()
		w.logger.WithFields(fields).Warn("cache_put_failed")
	}
}
