package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/smg-radio/shellcache/internal/cache"
	"github.com/smg-radio/shellcache/internal/lifecycle"
	"github.com/smg-radio/shellcache/internal/metrics"
)

// shellEntry 是预取完成、尚未写入的外壳资源。
type shellEntry struct {
	key  cache.RequestKey
	resp *cache.Response
}

// Install 派发 install 事件：预取全部外壳资源并写入当前版本缓存。
// 任一资源失败时本次写入全部回滚；已激活的 Worker 保持原状态，首次安装失败则标记为 redundant。
func (w *Worker) Install(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	previous := w.State()
	w.setState(StateInstalling)
	started := time.Now()

	err := w.dispatcher.Dispatch(ctx, lifecycle.NewEvent(lifecycle.Install))
	fields := logrus.Fields{
		"action":     "install",
		"cache_name": w.opts.CacheName,
		"shell":      w.opts.Shell,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		if previous == StateActivated {
			w.setState(StateActivated)
		} else {
			w.setState(StateRedundant)
		}
		metrics.IncLifecycle(string(lifecycle.Install), "failed")
		fields["error"] = err.Error()
		w.logger.WithFields(fields).Error("install_failed")
		return fmt.Errorf("install %s: %w", w.opts.CacheName, err)
	}

	w.setState(StateInstalled)
	metrics.IncLifecycle(string(lifecycle.Install), "ok")
	w.logger.WithFields(fields).Info("install_completed")
	return nil
}

func (w *Worker) onInstall(ctx context.Context, ev *lifecycle.Event) error {
	ev.WaitUntil(w.populateShell)
	return nil
}

// populateShell 先并发取回全部外壳资源，全部成功后再逐条写入。
func (w *Worker) populateShell(ctx context.Context) error {
	store, err := w.opts.Storage.Open(ctx, w.opts.CacheName)
	if err != nil {
		return err
	}

	entries := make([]shellEntry, len(w.opts.Shell))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, path := range w.opts.Shell {
		group.Go(func() error {
			entry, err := w.fetchShell(groupCtx, path)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	return putAll(ctx, store, entries)
}

func (w *Worker) fetchShell(ctx context.Context, path string) (shellEntry, error) {
	req, err := w.resolve(ctx, path)
	if err != nil {
		return shellEntry{}, err
	}
	resp, err := w.opts.Network.Fetch(ctx, req)
	if err != nil {
		return shellEntry{}, fmt.Errorf("fetch shell %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return shellEntry{}, fmt.Errorf("fetch shell %s: unexpected status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return shellEntry{}, fmt.Errorf("read shell %s: %w", path, err)
	}
	return shellEntry{
		key: cache.NewRequestKey(req),
		resp: &cache.Response{
			Status:   resp.StatusCode,
			Header:   resp.Header.Clone(),
			Body:     body,
			StoredAt: time.Now().UTC(),
		},
	}, nil
}

// putAll 逐条写入；中途失败时把本次已写入的条目恢复为写入前的内容。
func putAll(ctx context.Context, store cache.Cache, entries []shellEntry) error {
	type previousEntry struct {
		key  cache.RequestKey
		resp *cache.Response
	}
	written := make([]previousEntry, 0, len(entries))

	rollback := func() error {
		rollbackCtx := context.WithoutCancel(ctx)
		var errs []error
		for i := len(written) - 1; i >= 0; i-- {
			prev := written[i]
			if prev.resp != nil {
				errs = append(errs, store.Put(rollbackCtx, prev.key, prev.resp))
				continue
			}
			errs = append(errs, store.Delete(rollbackCtx, prev.key))
		}
		return errors.Join(errs...)
	}

	for _, entry := range entries {
		prev, err := store.Match(ctx, entry.key)
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			return errors.Join(fmt.Errorf("read %s: %w", entry.key, err), rollback())
		}
		if err := store.Put(ctx, entry.key, entry.resp); err != nil {
			return errors.Join(fmt.Errorf("store %s: %w", entry.key, err), rollback())
		}
		written = append(written, previousEntry{key: entry.key, resp: prev})
	}
	return nil
}
