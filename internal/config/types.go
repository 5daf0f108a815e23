package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// Storage drivers accepted by StorageDriver.
const (
	StorageDriverFS     = "fs"
	StorageDriverSQLite = "sqlite"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、缓存落盘位置与上游超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// WorkerConfig 是拦截策略的全部常量：缓存版本名、自身 origin、shell 清单、
// 绕过缓存的路径片段以及离线兜底文档。
type WorkerConfig struct {
	CacheName             string   `mapstructure:"CacheName"`
	Origin                string   `mapstructure:"Origin"`
	Shell                 []string `mapstructure:"Shell"`
	BypassPaths           []string `mapstructure:"BypassPaths"`
	OfflineFallback       string   `mapstructure:"OfflineFallback"`
	FallbackOnErrorStatus bool     `mapstructure:"FallbackOnErrorStatus"`
	MaxEntrySize          int64    `mapstructure:"MaxEntrySize"`
}

// OriginURL 解析 Origin 字段；调用前应已通过 Validate。
func (w WorkerConfig) OriginURL() (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(w.Origin))
	if err != nil {
		return nil, err
	}
	return &url.URL{Scheme: strings.ToLower(parsed.Scheme), Host: strings.ToLower(parsed.Host)}, nil
}

// SiteConfig 把客户端访问的 Host 映射到真实的上游站点。
type SiteConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Upstream string `mapstructure:"Upstream"`
	Proxy    string `mapstructure:"Proxy"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// SiteNames 返回所有 Site 的名称，供启动日志使用。
func SiteNames(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.Domain)
	}
	return result
}
