package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/smg-radio/shellcache/internal/policy"
	"github.com/smg-radio/shellcache/internal/worker"
)

// ErrWorkerPanic 表示 Worker 在处理 fetch 事件时 panic。
var ErrWorkerPanic = errors.New("worker panicked during fetch")

// Controller 记录当前接管客户端的 Worker。接管之前的请求直接走网络（passthrough），
// 接管之后每个请求都派发 fetch 事件，无需重启。
type Controller struct {
	network worker.Fetcher
	logger  *logrus.Logger
	active  atomic.Pointer[worker.Worker]
}

// NewController 创建 Controller，network 用于接管前的直连请求。
func NewController(network worker.Fetcher, logger *logrus.Logger) *Controller {
	return &Controller{
		network: network,
		logger:  logger,
	}
}

// Claim 实现 worker.Clients。
func (c *Controller) Claim(w *worker.Worker) {
	previous := c.active.Swap(w)
	if c.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action":     "clients_claim",
		"cache_name": w.CacheName(),
	}
	if previous != nil && previous != w {
		fields["previous_cache_name"] = previous.CacheName()
	}
	c.logger.WithFields(fields).Info("clients claimed")
}

// Active 返回当前接管的 Worker，未接管时为 nil。
func (c *Controller) Active() *worker.Worker {
	return c.active.Load()
}

// Fetch 将请求交给当前 Worker；Worker 的 panic 被转换为 ErrWorkerPanic。
func (c *Controller) Fetch(ctx context.Context, req *http.Request) (resp *http.Response, err error) {
	w := c.active.Load()
	if w == nil {
		resp, err = c.network.Fetch(ctx, req)
		if resp != nil {
			if resp.Header == nil {
				resp.Header = http.Header{}
			}
			resp.Header.Set(worker.SourceHeader, worker.SourcePassthrough)
		}
		return resp, err
	}

	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()
	return w.Fetch(ctx, req)
}

// Classify 返回当前 Worker 对请求的分类；未接管时为空。
func (c *Controller) Classify(req *http.Request) policy.Category {
	if w := c.active.Load(); w != nil {
		return w.Classify(req)
	}
	return ""
}
