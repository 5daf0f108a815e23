package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/smg-radio/shellcache/internal/cache"
	"github.com/smg-radio/shellcache/internal/logging"
)

const testOrigin = "http://player.local"

var errOffline = errors.New("dial tcp: network is unreachable")

type fakeRoute struct {
	status        int
	body          string
	header        http.Header
	unknownLength bool
}

// fakeNetwork 按路径返回预设响应并记录调用次数。
type fakeNetwork struct {
	mu      sync.Mutex
	routes  map[string]fakeRoute
	calls   map[string]int
	total   int
	offline error
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		routes: map[string]fakeRoute{
			"/":              {status: 200, body: "<html>root</html>"},
			"/index.html":    {status: 200, body: "<html>index</html>"},
			"/manifest.json": {status: 200, body: `{"name":"player"}`},
		},
		calls: make(map[string]int),
	}
}

func (n *fakeNetwork) set(path string, route fakeRoute) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[path] = route
}

func (n *fakeNetwork) goOffline() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = errOffline
}

func (n *fakeNetwork) callsTo(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

func (n *fakeNetwork) totalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.total
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.calls[req.URL.Path]++
	n.total++
	route, ok := n.routes[req.URL.Path]
	offline := n.offline
	n.mu.Unlock()

	if offline != nil {
		return nil, offline
	}
	if !ok {
		route = fakeRoute{status: http.StatusNotFound, body: "not found"}
	}
	header := route.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	length := int64(len(route.body))
	if route.unknownLength {
		length = -1
	}
	return &http.Response{
		StatusCode:    route.status,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(route.body)),
		ContentLength: length,
		Request:       req,
	}, nil
}

type fakeClients struct {
	claimed atomic.Pointer[Worker]
	count   atomic.Int32
}

func (c *fakeClients) Claim(w *Worker) {
	c.claimed.Store(w)
	c.count.Add(1)
}

func testOptions(t *testing.T, storage cache.Storage, network Fetcher) Options {
	t.Helper()
	origin, err := url.Parse(testOrigin)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	return Options{
		CacheName:       "smg-radio-player-v1",
		Origin:          origin,
		Shell:           []string{"/", "/index.html", "/manifest.json"},
		OfflineFallback: "/index.html",
		Storage:         storage,
		Network:         network,
		Clients:         &fakeClients{},
		Logger:          logging.Discard(),
	}
}

func newTestStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage, err := cache.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	t.Cleanup(func() {
		_ = storage.Close()
	})
	return storage
}

func newWorker(t *testing.T, opts Options) *Worker {
	t.Helper()
	w, err := New(opts)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

// newActiveWorker 返回已完成 install + activate 的 Worker。
func newActiveWorker(t *testing.T, opts Options) *Worker {
	t.Helper()
	w := newWorker(t, opts)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	return w
}

func newRequest(t *testing.T, method, target string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func fetchBody(t *testing.T, w *Worker, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := w.Fetch(req.Context(), req)
	if err != nil {
		t.Fatalf("fetch %s: %v", req.URL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func cachedKeys(t *testing.T, storage cache.Storage, name string) []cache.RequestKey {
	t.Helper()
	c, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	keys, err := c.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	return keys
}

func hasKey(keys []cache.RequestKey, method, rawURL string) bool {
	for _, k := range keys {
		if k.Method == method && k.URL == rawURL {
			return true
		}
	}
	return false
}
