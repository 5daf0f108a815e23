package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 site/domain/缓存来源字段，供拦截请求日志复用。
func RequestFields(site, domain, method, path, source string) logrus.Fields {
	return logrus.Fields{
		"site":   site,
		"domain": domain,
		"method": method,
		"path":   path,
		"source": source,
	}
}

// CacheFields 描述一次缓存存储操作涉及的缓存名与条目。
func CacheFields(action, cacheName, key string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"cache_name": cacheName,
		"cache_key":  key,
	}
}
