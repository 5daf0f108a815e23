package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smg-radio/shellcache/internal/lifecycle"
	"github.com/smg-radio/shellcache/internal/logging"
	"github.com/smg-radio/shellcache/internal/metrics"
)

// Activate 派发 activate 事件：删除所有名称不等于当前版本的缓存，然后接管客户端。
// 清理失败不阻止接管，错误仍返回给调用方。
func (w *Worker) Activate(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	switch w.State() {
	case StateInstalled, StateActivated:
	default:
		return fmt.Errorf("activate %s: %w", w.opts.CacheName, ErrNotInstalled)
	}

	w.setState(StateActivating)
	started := time.Now()
	err := w.dispatcher.Dispatch(ctx, lifecycle.NewEvent(lifecycle.Activate))

	w.activated.Store(true)
	w.setState(StateActivated)
	if w.opts.Clients != nil {
		w.opts.Clients.Claim(w)
	}

	fields := logrus.Fields{
		"action":     "activate",
		"cache_name": w.opts.CacheName,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		metrics.IncLifecycle(string(lifecycle.Activate), "failed")
		fields["error"] = err.Error()
		w.logger.WithFields(fields).Warn("activate_purge_failed")
		return fmt.Errorf("activate %s: %w", w.opts.CacheName, err)
	}
	metrics.IncLifecycle(string(lifecycle.Activate), "ok")
	w.logger.WithFields(fields).Info("activate_completed")
	return nil
}

func (w *Worker) onActivate(ctx context.Context, ev *lifecycle.Event) error {
	ev.WaitUntil(w.purgeStale)
	return nil
}

// purgeStale 删除当前版本以外的全部缓存。
func (w *Worker) purgeStale(ctx context.Context) error {
	names, err := w.opts.Storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	var errs []error
	for _, name := range names {
		if name == w.opts.CacheName {
			continue
		}
		if _, err := w.opts.Storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete cache %s: %w", name, err))
			continue
		}
		w.logger.WithFields(logging.CacheFields("cache_purge", name, "")).Info("stale cache deleted")
	}
	return errors.Join(errs...)
}
