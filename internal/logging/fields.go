package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 提供缓存事件字段：事件类型、规范化路径与结果。
func CacheFields(event, path, outcome string) logrus.Fields {
	return logrus.Fields{
		"action":  "cache",
		"event":   event,
		"path":    path,
		"outcome": outcome,
	}
}

// RequestFields 提供站点/域名/请求行/状态码字段，供访问日志复用。
func RequestFields(site, domain, method, path string, status int) logrus.Fields {
	return logrus.Fields{
		"action": "request",
		"site":   site,
		"domain": domain,
		"method": method,
		"path":   path,
		"status": status,
	}
}
