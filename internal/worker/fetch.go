package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/smg-radio/shellcache/internal/cache"
	"github.com/smg-radio/shellcache/internal/lifecycle"
	"github.com/smg-radio/shellcache/internal/policy"
)

// Fetch 为一次请求派发 fetch 事件并返回最终响应；响应头 SourceHeader 标记来源。
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if !w.activated.Load() {
		return nil, ErrNotActivated
	}
	ev := lifecycle.NewFetchEvent(req)
	if err := w.dispatcher.Dispatch(ctx, ev); err != nil {
		return nil, err
	}
	return ev.Respond(ctx, func(ctx context.Context) (*http.Response, error) {
		resp, err := w.opts.Network.Fetch(ctx, req)
		setSource(resp, SourcePassthrough)
		return resp, err
	})
}

// Classify 返回请求的拦截分类。
func (w *Worker) Classify(req *http.Request) policy.Category {
	return w.classifier.Classify(req)
}

func (w *Worker) onFetch(ctx context.Context, ev *lifecycle.Event) error {
	req := ev.Request()
	if w.classifier.Classify(req) == policy.Bypass {
		return ev.RespondWith(func(ctx context.Context) (*http.Response, error) {
			resp, err := w.opts.Network.Fetch(ctx, req)
			setSource(resp, SourceBypass)
			return resp, err
		})
	}
	return ev.RespondWith(func(ctx context.Context) (*http.Response, error) {
		return w.cacheFirst(ctx, req)
	})
}

// cacheFirst: 命中直接返回；未命中走网络，可缓存的响应在正文读完后后台写入；
// 网络失败时返回离线回退文档，回退文档也不存在时返回原始错误。
func (w *Worker) cacheFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	key := cache.NewRequestKey(req)
	if entry := w.lookup(ctx, key); entry != nil {
		resp := entry.HTTPResponse(req)
		setSource(resp, SourceCache)
		return resp, nil
	}

	resp, err := w.opts.Network.Fetch(ctx, req)
	if err != nil {
		if fallback := w.fallback(ctx, req); fallback != nil {
			return fallback, nil
		}
		return nil, err
	}

	if w.opts.FallbackOnErrorStatus && resp.StatusCode >= http.StatusInternalServerError {
		if fallback := w.fallback(ctx, req); fallback != nil {
			resp.Body.Close()
			return fallback, nil
		}
	}

	if policy.ShouldStore(req, resp, w.opts.Origin) {
		w.storeOnEOF(resp, key)
	}
	setSource(resp, SourceNetwork)
	return resp, nil
}

// lookup 在当前版本缓存中精确查找；缓存不存在或查找出错都按未命中处理。
// 读路径不创建缓存，被删除的缓存只能由 install 重建。
func (w *Worker) lookup(ctx context.Context, key cache.RequestKey) *cache.Response {
	entry, err := w.match(ctx, key)
	if err == nil {
		return entry
	}
	if !errors.Is(err, cache.ErrNotFound) {
		w.logger.WithFields(logrus.Fields{
			"action":     "cache_lookup",
			"cache_name": w.opts.CacheName,
			"cache_key":  key.String(),
			"error":      err.Error(),
		}).Warn("cache lookup failed, treating as miss")
	}
	return nil
}

func (w *Worker) match(ctx context.Context, key cache.RequestKey) (*cache.Response, error) {
	exists, err := w.opts.Storage.Has(ctx, w.opts.CacheName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, cache.ErrNotFound
	}
	store, err := w.opts.Storage.Open(ctx, w.opts.CacheName)
	if err != nil {
		return nil, err
	}
	return store.Match(ctx, key)
}

// fallback 返回缓存中的离线回退文档，未配置或不存在时返回 nil。
func (w *Worker) fallback(ctx context.Context, req *http.Request) *http.Response {
	if w.opts.OfflineFallback == "" {
		return nil
	}
	fallbackReq, err := w.resolve(ctx, w.opts.OfflineFallback)
	if err != nil {
		return nil
	}
	entry := w.lookup(ctx, cache.NewRequestKey(fallbackReq))
	if entry == nil {
		return nil
	}
	w.logger.WithFields(logrus.Fields{
		"action":   "offline_fallback",
		"path":     req.URL.Path,
		"fallback": w.opts.OfflineFallback,
	}).Info("serving offline fallback")
	resp := entry.HTTPResponse(req)
	setSource(resp, SourceFallback)
	return resp
}
