// Package worker 实现拦截策略管理器：install 时预取应用外壳，activate 时清理旧版本缓存并接管客户端，
// fetch 时按请求分类选择“只走网络”或“缓存优先 + 网络兜底 + 离线回退”。
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smg-radio/shellcache/internal/cache"
	"github.com/smg-radio/shellcache/internal/config"
	"github.com/smg-radio/shellcache/internal/lifecycle"
	"github.com/smg-radio/shellcache/internal/logging"
	"github.com/smg-radio/shellcache/internal/policy"
)

// Fetcher 是网络请求接口，由宿主提供（站点 → 上游）。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Clients 表示受控客户端集合；Claim 之后所有请求都交给该 Worker 处理。
type Clients interface {
	Claim(w *Worker)
}

// State 描述 Worker 的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// SourceHeader 标记响应来源，取值见 Source* 常量。
const SourceHeader = "X-Shellcache-Source"

const (
	SourceCache       = "cache"
	SourceNetwork     = "network"
	SourceBypass      = "bypass"
	SourceFallback    = "fallback"
	SourcePassthrough = "passthrough"
)

const defaultMaxEntrySize int64 = 10 << 20

var (
	// ErrNotInstalled 表示在 install 成功之前调用 activate。
	ErrNotInstalled = errors.New("worker is not installed")
	// ErrNotActivated 表示在 activate 成功之前派发 fetch。
	ErrNotActivated = errors.New("worker is not activated")
)

// Options 汇总 Worker 的策略常量与依赖。
type Options struct {
	CacheName             string
	Origin                *url.URL
	Shell                 []string
	BypassPaths           []string
	OfflineFallback       string
	FallbackOnErrorStatus bool
	MaxEntrySize          int64

	Storage      cache.Storage
	Network      Fetcher
	Clients      Clients
	Logger       logrus.FieldLogger
	WriteTimeout time.Duration
}

// OptionsFromConfig 把配置中的策略常量转换为 Options，依赖项由调用方补齐。
func OptionsFromConfig(cfg config.WorkerConfig) (Options, error) {
	origin, err := cfg.OriginURL()
	if err != nil {
		return Options{}, err
	}
	return Options{
		CacheName:             cfg.CacheName,
		Origin:                origin,
		Shell:                 append([]string(nil), cfg.Shell...),
		BypassPaths:           append([]string(nil), cfg.BypassPaths...),
		OfflineFallback:       cfg.OfflineFallback,
		FallbackOnErrorStatus: cfg.FallbackOnErrorStatus,
		MaxEntrySize:          cfg.MaxEntrySize,
	}, nil
}

// Worker 是拦截策略管理器。生命周期事件串行执行，fetch 可并发。
type Worker struct {
	opts       Options
	origin     string
	logger     logrus.FieldLogger
	classifier policy.Classifier
	dispatcher *lifecycle.Dispatcher
	writer     *cache.BackgroundWriter

	lifecycleMu sync.Mutex
	state       atomic.Value
	activated   atomic.Bool
}

// New 校验 Options 并注册 install/activate/fetch 处理器。
func New(opts Options) (*Worker, error) {
	if strings.TrimSpace(opts.CacheName) == "" {
		return nil, errors.New("worker: cache name is required")
	}
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, errors.New("worker: absolute origin is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("worker: storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("worker: network fetcher is required")
	}
	if opts.MaxEntrySize <= 0 {
		opts.MaxEntrySize = defaultMaxEntrySize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	w := &Worker{
		opts:       opts,
		origin:     policy.Origin(opts.Origin),
		logger:     logger,
		classifier: policy.NewClassifier(opts.BypassPaths),
		dispatcher: lifecycle.NewDispatcher(),
		writer:     cache.NewBackgroundWriter(opts.Storage, logger, opts.WriteTimeout),
	}
	w.state.Store(StateParsed)
	w.dispatcher.On(lifecycle.Install, w.onInstall)
	w.dispatcher.On(lifecycle.Activate, w.onActivate)
	w.dispatcher.On(lifecycle.Fetch, w.onFetch)
	return w, nil
}

// Start 依次执行 install 与 activate，对应进程启动时宿主的一次完整注册。
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	return w.Activate(ctx)
}

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	return w.state.Load().(State)
}

func (w *Worker) setState(s State) {
	w.state.Store(s)
}

// CacheName 返回当前版本的缓存名。
func (w *Worker) CacheName() string {
	return w.opts.CacheName
}

// Origin 返回规范化后的自身 origin。
func (w *Worker) Origin() string {
	return w.origin
}

func (w *Worker) Storage() cache.Storage {
	return w.opts.Storage
}

// Wait 阻塞直到所有后台缓存写入完成。
func (w *Worker) Wait() {
	w.writer.Wait()
}

// resolve 把根相对路径解析为 origin 下的 GET 请求。
func (w *Worker) resolve(ctx context.Context, path string) (*http.Request, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path %q must be root-relative", path)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, w.origin+path, nil)
}

func setSource(resp *http.Response, source string) {
	if resp == nil {
		return
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set(SourceHeader, source)
}

// SourceOf 返回响应的来源标记。
func SourceOf(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	return resp.Header.Get(SourceHeader)
}
