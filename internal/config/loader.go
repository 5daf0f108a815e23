package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 默认值与原始播放器保持一致：v1 缓存名、三件 shell 资源、三类实时接口。
var (
	defaultShell       = []string{"/", "/index.html", "/manifest.json"}
	defaultBypassPaths = []string{"/stream", "/nowplaying", "/metadata"}
)

const (
	defaultCacheName       = "smg-radio-player-v1"
	defaultOfflineFallback = "/index.html"
	defaultMaxEntrySize    = 10 * 1024 * 1024
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg)
	for i := range cfg.Sites {
		applySiteDefaults(&cfg.Sites[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageDriver", StorageDriverFS)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("CacheName", defaultCacheName)
	v.SetDefault("Shell", defaultShell)
	v.SetDefault("BypassPaths", defaultBypassPaths)
	v.SetDefault("OfflineFallback", defaultOfflineFallback)
	v.SetDefault("FallbackOnErrorStatus", false)
	v.SetDefault("MaxEntrySize", defaultMaxEntrySize)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = StorageDriverFS
	}
}

// applyWorkerDefaults 在未显式配置 Origin 时，以第一个 Site 的域名 + 监听端口推导自身 origin。
func applyWorkerDefaults(cfg *Config) {
	w := &cfg.Worker
	w.CacheName = strings.TrimSpace(w.CacheName)
	if w.CacheName == "" {
		w.CacheName = defaultCacheName
	}
	if w.MaxEntrySize == 0 {
		w.MaxEntrySize = defaultMaxEntrySize
	}
	w.Origin = strings.TrimSuffix(strings.TrimSpace(w.Origin), "/")
	if w.Origin == "" && len(cfg.Sites) > 0 {
		host := strings.TrimSpace(cfg.Sites[0].Domain)
		if cfg.Global.ListenPort != 80 {
			host = fmt.Sprintf("%s:%d", host, cfg.Global.ListenPort)
		}
		w.Origin = "http://" + host
	}
}

func applySiteDefaults(s *SiteConfig) {
	s.Name = strings.TrimSpace(s.Name)
	s.Domain = strings.ToLower(strings.TrimSpace(s.Domain))
	s.Upstream = strings.TrimSpace(s.Upstream)
	s.Proxy = strings.TrimSpace(s.Proxy)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
