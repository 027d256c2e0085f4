package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

var supportedStorageDrivers = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
}

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
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 fs|sqlite")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if !strings.HasPrefix(g.Scope, "/") {
		return newFieldError("Global.Scope", "必须以 / 开头")
	}
	if err := validateGeneration(g.Generation); err != nil {
		return fmt.Errorf("Global.Generation: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if spec := strings.TrimSpace(g.TrimSchedule); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return newFieldError("Global.TrimSchedule", fmt.Sprintf("无法解析 cron 表达式: %v", err))
		}
	}

	return c.Manifest.validate()
}

func (m ManifestConfig) validate() error {
	if len(m.StaticAssets) == 0 {
		return newFieldError(manifestField("StaticAssets", -1), "至少需要一个静态资源")
	}
	for i, p := range m.OfflinePages {
		if !strings.HasPrefix(p, "/") {
			return newFieldError(manifestField("OfflinePages", i), "必须是以 / 开头的站内路径")
		}
	}
	fallbackListed := false
	for i, p := range m.StaticAssets {
		if !strings.HasPrefix(p, "/") {
			return newFieldError(manifestField("StaticAssets", i), "必须是以 / 开头的站内路径")
		}
		if p == m.OfflineFallback {
			fallbackListed = true
		}
	}
	// 离线页必须随安装一起缓存，否则 HTML 回退无法保证可用。
	if !fallbackListed {
		return newFieldError(manifestField("OfflineFallback", -1), "必须包含在 StaticAssets 中")
	}
	if m.PagesLimit <= 0 {
		return newFieldError(manifestField("PagesLimit", -1), "必须大于 0")
	}
	if m.ImagesLimit <= 0 {
		return newFieldError(manifestField("ImagesLimit", -1), "必须大于 0")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}

func validateGeneration(tag string) error {
	if tag == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(tag, "/\\ \t") {
		return errors.New("不允许包含路径分隔符或空白")
	}
	return nil
}
