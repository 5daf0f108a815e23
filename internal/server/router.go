package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler turns a routed player request into a fetch event.
type ProxyHandler interface {
	Handle(fiber.Ctx, *SiteRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *SiteRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *SiteRoute) error {
	return f(c, route)
}

// AppOptions 描述单个监听端口上的 Fiber 应用依赖。
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *SiteRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyRoute     = "_shellcache_route"
	contextKeyRequestID = "_shellcache_request_id"
)

// RequestIDHeader carries the per-request identifier on every response.
const RequestIDHeader = "X-Request-ID"

// UnmappedHostHeader 在 404 host_unmapped 响应中回显客户端请求的 Host。
const UnmappedHostHeader = "X-Shellcache-Host"

// operatorPrefix 下的路径属于运维接口，与站点 Host 无关。
const operatorPrefix = "/-/"

// NewApp 构建承载播放器流量的 Fiber 应用：请求 ID → 站点路由 → ProxyHandler。
// /-/ 下的运维接口由调用方在 NewApp 返回后注册，任意 Host 都能访问。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("site registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware)
	app.Use(siteRouting(opts))

	app.All("/*", func(c fiber.Ctx) error {
		route, ok := routeFromContext(c)
		if !ok {
			// 运维路径跳过了站点路由，交给之后注册的 /-/ 路由。
			return c.Next()
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// requestIDMiddleware 沿用客户端带来的合法 UUID（播放器重试时保持同一 ID），否则新生成一个。
func requestIDMiddleware(c fiber.Ctx) error {
	reqID := strings.TrimSpace(c.Get(RequestIDHeader))
	if _, err := uuid.Parse(reqID); err != nil {
		reqID = uuid.NewString()
	}
	c.Locals(contextKeyRequestID, reqID)
	c.Set(RequestIDHeader, reqID)
	return c.Next()
}

// siteRouting 根据 Host（忽略端口）查找站点；运维路径不参与站点路由。
func siteRouting(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		if IsOperatorPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		host := requestHost(c)
		route, ok := opts.Registry.Lookup(host)
		if !ok {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "host_lookup",
				"host":       host,
				"port":       opts.ListenPort,
				"request_id": RequestID(c),
			}).Warn("host unmapped")
			if host != "" {
				c.Set(UnmappedHostHeader, host)
			}
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "host_unmapped",
			})
		}

		c.Locals(contextKeyRoute, route)
		return c.Next()
	}
}

func requestHost(c fiber.Ctx) string {
	if raw := strings.TrimSpace(string(c.Request().Header.Peek(fiber.HeaderHost))); raw != "" {
		return raw
	}
	return c.Hostname()
}

func routeFromContext(c fiber.Ctx) (*SiteRoute, bool) {
	route, ok := c.Locals(contextKeyRoute).(*SiteRoute)
	return route, ok && route != nil
}

// RequestID returns the request identifier assigned by requestIDMiddleware.
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(contextKeyRequestID).(string)
	return reqID
}

// IsOperatorPath reports whether the path belongs to the /-/ operator surface.
func IsOperatorPath(path string) bool {
	return strings.HasPrefix(path, operatorPrefix)
}
