package routes

import (
	"context"
	"sort"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/smg-radio/shellcache/internal/metrics"
	"github.com/smg-radio/shellcache/internal/server"
	"github.com/smg-radio/shellcache/internal/version"
	"github.com/smg-radio/shellcache/internal/worker"
)

// ActiveWorker 返回当前接管客户端的 Worker，由 proxy.Controller 实现。
type ActiveWorker interface {
	Active() *worker.Worker
}

// OperatorOptions 汇总 /-/ 诊断接口所需的依赖。
type OperatorOptions struct {
	Logger   *logrus.Logger
	Registry *server.SiteRegistry
	Worker   *worker.Worker
	Clients  ActiveWorker
}

// RegisterOperatorRoutes 暴露 /-/status、/-/caches、/-/metrics 与 /-/lifecycle/install，
// 任意 Host 都可以访问。
func RegisterOperatorRoutes(app *fiber.App, opts OperatorOptions) {
	if app == nil || opts.Worker == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(encodeStatus(opts))
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		caches, err := listCaches(c.Context(), opts.Worker)
		if err != nil {
			logFailure(opts.Logger, "operator_caches", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_listing_failed"})
		}
		return c.JSON(fiber.Map{
			"current": opts.Worker.CacheName(),
			"caches":  caches,
		})
	})

	app.Post("/-/lifecycle/install", func(c fiber.Ctx) error {
		w := opts.Worker
		err := w.Start(c.Context())
		payload := fiber.Map{
			"state":      w.State(),
			"cache_name": w.CacheName(),
		}
		if err == nil {
			return c.JSON(payload)
		}
		logFailure(opts.Logger, "operator_install", err)
		payload["detail"] = err.Error()
		if w.State() == worker.StateActivated {
			// 已接管，只是旧缓存清理失败。
			payload["warning"] = "activate_purge_failed"
			return c.JSON(payload)
		}
		payload["error"] = "install_failed"
		return c.Status(fiber.StatusServiceUnavailable).JSON(payload)
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(metrics.Handler()))
}

type statusPayload struct {
	Version    string        `json:"version"`
	State      worker.State  `json:"state"`
	CacheName  string        `json:"cache_name"`
	Origin     string        `json:"origin"`
	Controlled bool          `json:"controlled"`
	Sites      []sitePayload `json:"sites"`
}

type sitePayload struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Upstream string `json:"upstream"`
	Port     int    `json:"port"`
	Proxied  bool   `json:"proxied"`
}

type cachePayload struct {
	Name    string   `json:"name"`
	Current bool     `json:"current"`
	Entries int      `json:"entries"`
	Keys    []string `json:"keys"`
}

func encodeStatus(opts OperatorOptions) statusPayload {
	w := opts.Worker
	controlled := false
	if opts.Clients != nil {
		controlled = opts.Clients.Active() == w
	}
	return statusPayload{
		Version:    version.Full(),
		State:      w.State(),
		CacheName:  w.CacheName(),
		Origin:     w.Origin(),
		Controlled: controlled,
		Sites:      encodeSites(opts.Registry.List()),
	}
}

func encodeSites(routes []server.SiteRoute) []sitePayload {
	result := make([]sitePayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, sitePayload{
			Name:     route.Config.Name,
			Domain:   route.Config.Domain,
			Upstream: route.Config.Upstream,
			Port:     route.ListenPort,
			Proxied:  route.ProxyURL != nil,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

func listCaches(ctx context.Context, w *worker.Worker) ([]cachePayload, error) {
	storage := w.Storage()
	names, err := storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]cachePayload, 0, len(names))
	for _, name := range names {
		c, err := storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := c.Keys(ctx)
		if err != nil {
			return nil, err
		}
		encoded := make([]string, 0, len(keys))
		for _, key := range keys {
			encoded = append(encoded, key.String())
		}
		result = append(result, cachePayload{
			Name:    name,
			Current: name == w.CacheName(),
			Entries: len(keys),
			Keys:    encoded,
		})
	}
	return result, nil
}

func logFailure(logger *logrus.Logger, action string, err error) {
	if logger == nil {
		return
	}
	logger.WithFields(logrus.Fields{
		"action": action,
		"error":  err.Error(),
	}).Warn("operator request failed")
}
