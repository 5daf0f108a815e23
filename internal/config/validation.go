package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.StorageDriver {
	case StorageDriverFS, StorageDriverSQLite:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 fs/sqlite")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		domain := strings.ToLower(site.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		if err := validateUpstream(site.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
		}
		if site.Proxy != "" {
			if err := validateUpstream(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}
	}

	return c.Worker.validate(seenDomains)
}

func (w WorkerConfig) validate(domains map[string]struct{}) error {
	if strings.TrimSpace(w.CacheName) == "" {
		return newFieldError("CacheName", "不能为空")
	}
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("Origin: %w", err)
	}
	origin, _ := w.OriginURL()
	if _, ok := domains[origin.Hostname()]; !ok {
		return newFieldError("Origin", "必须对应某个 Site.Domain")
	}
	for _, p := range w.Shell {
		if !strings.HasPrefix(p, "/") {
			return newFieldError("Shell", fmt.Sprintf("路径必须以 / 开头: %q", p))
		}
	}
	for _, p := range w.BypassPaths {
		if strings.TrimSpace(p) == "" {
			return newFieldError("BypassPaths", "不允许空片段")
		}
	}
	if w.OfflineFallback != "" && !strings.HasPrefix(w.OfflineFallback, "/") {
		return newFieldError("OfflineFallback", "路径必须以 / 开头")
	}
	if w.MaxEntrySize <= 0 {
		return newFieldError("MaxEntrySize", "必须大于 0")
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	if _, _, err := net.SplitHostPort(domain); err == nil {
		return errors.New("Domain 不应包含端口")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func validateOrigin(raw string) error {
	if err := validateUpstream(raw); err != nil {
		return err
	}
	parsed, _ := url.Parse(raw)
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("origin 不应包含路径: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("origin 不应包含查询或片段: %s", raw)
	}
	return nil
}
