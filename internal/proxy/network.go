package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/smg-radio/shellcache/internal/server"
)

// ErrSiteUnmapped 表示请求 URL 的 host 没有对应的 [[Site]]。
var ErrSiteUnmapped = errors.New("no site configured for host")

// Network 实现 worker.Fetcher：按请求 URL 的 host 找到站点，改写到站点上游后发出请求。
type Network struct {
	client   *http.Client
	registry *server.SiteRegistry
	proxied  sync.Map
}

// NewNetwork 构造网络请求器，client 与 registry 均由启动流程共享。
func NewNetwork(client *http.Client, registry *server.SiteRegistry) *Network {
	if client == nil {
		client = http.DefaultClient
	}
	return &Network{client: client, registry: registry}
}

// Fetch 发出上游请求。返回的响应正文由调用方负责关闭。
func (n *Network) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url is required")
	}
	route, ok := n.registry.Lookup(req.URL.Host)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSiteUnmapped, req.URL.Host)
	}

	upstreamReq, err := buildUpstreamRequest(ctx, req, route)
	if err != nil {
		return nil, err
	}
	return n.doRequest(upstreamReq, route)
}

func buildUpstreamRequest(ctx context.Context, req *http.Request, route *server.SiteRoute) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	upstream := resolveUpstreamURL(route.UpstreamURL, req.URL)

	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, upstream.String(), body)
	if err != nil {
		return nil, err
	}
	upstreamReq.ContentLength = req.ContentLength

	server.CopyHeaders(upstreamReq.Header, req.Header)
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Header.Del("Host")
	upstreamReq.Host = upstream.Host
	upstreamReq.Header.Set("X-Forwarded-Host", req.URL.Host)
	upstreamReq.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	upstreamReq.Header.Set("X-Forwarded-Port", routePort(route))
	return upstreamReq, nil
}

// resolveUpstreamURL 保留请求路径与查询串，替换为上游的 scheme/host（及可选的路径前缀）。
func resolveUpstreamURL(base *url.URL, requested *url.URL) *url.URL {
	resolved := *base
	prefix := trimTrailingSlash(base.Path)
	resolved.Path = prefix + requested.Path
	if requested.RawPath != "" {
		resolved.RawPath = trimTrailingSlash(base.EscapedPath()) + requested.RawPath
	} else {
		resolved.RawPath = ""
	}
	resolved.RawQuery = requested.RawQuery
	resolved.Fragment = ""
	return &resolved
}

func trimTrailingSlash(p string) string {
	for len(p) > 0 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}

func (n *Network) doRequest(req *http.Request, route *server.SiteRoute) (*http.Response, error) {
	if route.ProxyURL == nil {
		return n.client.Do(req)
	}
	return n.proxiedClient(route).Do(req)
}

// proxiedClient 为配置了 Proxy 的站点复用一份独立的 client，连接池按站点隔离。
func (n *Network) proxiedClient(route *server.SiteRoute) *http.Client {
	key := route.Config.Name + "|" + route.ProxyURL.String()
	if cached, ok := n.proxied.Load(key); ok {
		return cached.(*http.Client)
	}
	var transport *http.Transport
	if base, ok := n.client.Transport.(*http.Transport); ok && base != nil {
		transport = base.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.Proxy = http.ProxyURL(route.ProxyURL)
	client := &http.Client{
		Transport:     transport,
		CheckRedirect: n.client.CheckRedirect,
		Jar:           n.client.Jar,
		Timeout:       n.client.Timeout,
	}
	actual, _ := n.proxied.LoadOrStore(key, client)
	return actual.(*http.Client)
}

func routePort(route *server.SiteRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(route.ListenPort)
}
