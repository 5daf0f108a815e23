// Package policy 决定单个请求走哪条拦截策略：bypass（只走网络）或 eligible
// （缓存优先、网络兜底、离线回退），以及网络响应是否允许写入缓存。
package policy

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Category 是请求的分类结果，按请求即时计算，不落盘。
type Category string

const (
	// Bypass 请求只走网络，既不查缓存也不写缓存。
	Bypass Category = "bypass"
	// Eligible 请求采用缓存优先策略。
	Eligible Category = "eligible"
)

// DestinationHeader 携带浏览器的请求目的地（audio、document、script 等）。
// 浏览器只在安全上下文（https 或 localhost）中发送该头；纯 http 部署下
// 音频请求只能靠 bypass 路径片段识别，不含这些片段的音频 URL 会被当作可缓存资源。
const DestinationHeader = "Sec-Fetch-Dest"

// DestinationAudio 表示音频元素发起的请求，一律视为直播流。
const DestinationAudio = "audio"

// DefaultBypassPaths 是实时数据端点的路径片段。
var DefaultBypassPaths = []string{"/stream", "/nowplaying", "/metadata"}

// Classifier 根据请求目的地与路径片段对请求分类。
type Classifier struct {
	bypassPaths []string
}

// NewClassifier 构造分类器；bypassPaths 为空时使用 DefaultBypassPaths。
func NewClassifier(bypassPaths []string) Classifier {
	paths := make([]string, 0, len(bypassPaths))
	for _, p := range bypassPaths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		paths = append(paths, DefaultBypassPaths...)
	}
	return Classifier{bypassPaths: paths}
}

// BypassPaths 返回生效的路径片段副本。
func (c Classifier) BypassPaths() []string {
	return append([]string(nil), c.bypassPaths...)
}

// Classify 返回请求分类：目的地为 audio，或路径包含任一 bypass 片段时为 Bypass。
func (c Classifier) Classify(req *http.Request) Category {
	if req == nil {
		return Bypass
	}
	if IsAudioDestination(req) {
		return Bypass
	}
	if req.URL == nil {
		return Eligible
	}
	path := req.URL.EscapedPath()
	for _, fragment := range c.bypassPaths {
		if strings.Contains(path, fragment) {
			return Bypass
		}
	}
	return Eligible
}

// IsAudioDestination 判断请求是否由音频元素发起。
func IsAudioDestination(req *http.Request) bool {
	dest := strings.TrimSpace(req.Header.Get(DestinationHeader))
	return strings.EqualFold(dest, DestinationAudio)
}

// ShouldStore 判断一次未命中后的网络响应能否写入缓存：状态码 2xx、请求方法为 GET、
// 请求与 origin 同源。缓存键不含 Range，因此 206 与带 Range 的请求一律不写入，
// 否则片段会被当作完整资源回放。
func ShouldStore(req *http.Request, resp *http.Response, origin *url.URL) bool {
	if req == nil || resp == nil || origin == nil {
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.StatusCode == http.StatusPartialContent {
		return false
	}
	if req.Method != http.MethodGet || req.Header.Get("Range") != "" {
		return false
	}
	return SameOrigin(req.URL, origin)
}

// SameOrigin 比较 scheme、host 与端口（省略的默认端口视为相同）。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return Origin(a) == Origin(b)
}

// Origin 返回规范化的 scheme://host[:port]，默认端口被省略。
func Origin(u *url.URL) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host
}
