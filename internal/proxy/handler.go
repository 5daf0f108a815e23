package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/smg-radio/shellcache/internal/logging"
	"github.com/smg-radio/shellcache/internal/metrics"
	"github.com/smg-radio/shellcache/internal/policy"
	"github.com/smg-radio/shellcache/internal/server"
	"github.com/smg-radio/shellcache/internal/worker"
)

// Fetcher 是 Handler 所需的最小接口，由 Controller 实现。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

type classifier interface {
	Classify(req *http.Request) policy.Category
}

// Handler 把 Fiber 请求转换为带绝对 URL 的 http.Request 交给 Controller，
// 再把响应以流的方式写回客户端。
type Handler struct {
	fetcher Fetcher
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler around the client controller.
func NewHandler(fetcher Fetcher, logger *logrus.Logger) *Handler {
	return &Handler{
		fetcher: fetcher,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result := fetchResult{route: route, requestID: requestID, started: started}

	req, err := buildInterceptedRequest(ctx, c)
	if err != nil {
		result.status = fiber.StatusBadRequest
		h.logResult(c, result, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}
	if cl, ok := h.fetcher.(classifier); ok {
		result.category = cl.Classify(req)
	}

	resp, err := h.fetcher.Fetch(ctx, req)
	if err != nil {
		if errors.Is(err, ErrWorkerPanic) {
			result.status = fiber.StatusInternalServerError
			h.logResult(c, result, err)
			return h.writeError(c, fiber.StatusInternalServerError, "worker_panic")
		}
		result.status = fiber.StatusBadGateway
		h.logResult(c, result, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	result.source = worker.SourceOf(resp)
	result.status = resp.StatusCode
	copyResponseHeaders(c, resp.Header)
	if requestID != "" {
		c.Set(server.RequestIDHeader, requestID)
	}
	c.Status(resp.StatusCode)
	h.logResult(c, result, nil)

	if c.Method() == http.MethodHead || resp.Body == nil {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil
	}

	// 正文由 fasthttp 在写响应时读取，读完（或客户端断开）后关闭。
	size := -1
	if resp.ContentLength >= 0 {
		size = int(resp.ContentLength)
	}
	c.Response().SetBodyStream(resp.Body, size)
	return nil
}

// buildInterceptedRequest 以 <scheme>://<Host><path>?<query> 作为请求身份。
func buildInterceptedRequest(ctx context.Context, c fiber.Ctx) (*http.Request, error) {
	host := strings.ToLower(strings.TrimSpace(string(c.Request().Header.Peek(fiber.HeaderHost))))
	if host == "" {
		host = strings.ToLower(c.Hostname())
	}
	target := &url.URL{
		Scheme:   c.Scheme(),
		Host:     host,
		Path:     requestPath(c),
		RawQuery: string(c.Request().URI().QueryString()),
	}
	// 省略默认端口，与外壳条目的 origin 保持同一请求身份。
	target.Host = strings.TrimPrefix(policy.Origin(target), target.Scheme+"://")
	host = target.Host

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}
	req.Header = fiberHeadersAsHTTP(c)
	req.Header.Del("Host")
	req.Host = host
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

// fetchResult 汇总一次拦截请求的日志/指标字段。
type fetchResult struct {
	route     *server.SiteRoute
	requestID string
	category  policy.Category
	source    string
	status    int
	started   time.Time
}

func (h *Handler) logResult(c fiber.Ctx, result fetchResult, err error) {
	elapsed := time.Since(result.started)
	metricSource := result.source
	if metricSource == "" {
		metricSource = "error"
	}
	metrics.ObserveFetch(metricSource, strconv.Itoa(result.status), elapsed)

	if h.logger == nil {
		return
	}
	fields := logging.RequestFields(
		result.route.Config.Name,
		result.route.Config.Domain,
		c.Method(),
		requestPath(c),
		result.source,
	)
	fields["action"] = "fetch"
	fields["status"] = result.status
	fields["elapsed_ms"] = elapsed.Milliseconds()
	if result.category != "" {
		fields["category"] = string(result.category)
	}
	if result.requestID != "" {
		fields["request_id"] = result.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 透传上游/缓存响应头；Content-Length 由 SetBodyStream 决定。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
