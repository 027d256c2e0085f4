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

	"github.com/any-hub/offline-agent/internal/version"
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
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyManifestDefaults(&cfg.Manifest)

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
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", "fs")
	v.SetDefault("Scope", "/")
	v.SetDefault("Generation", version.Generation)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("TrimSchedule", "")
	v.SetDefault("Manifest.OfflinePages", DefaultOfflinePages)
	v.SetDefault("Manifest.StaticAssets", DefaultStaticAssets)
	v.SetDefault("Manifest.OfflineFallback", DefaultOfflineFallback)
	v.SetDefault("Manifest.PagesLimit", DefaultPagesLimit)
	v.SetDefault("Manifest.ImagesLimit", DefaultImagesLimit)
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
		g.StorageDriver = "fs"
	}
	g.Generation = strings.TrimSpace(g.Generation)
	if g.Scope == "" {
		g.Scope = "/"
	}
	g.Origin = strings.TrimRight(strings.TrimSpace(g.Origin), "/")
}

func applyManifestDefaults(m *ManifestConfig) {
	if m.OfflineFallback == "" {
		m.OfflineFallback = DefaultOfflineFallback
	}
	if m.PagesLimit == 0 {
		m.PagesLimit = DefaultPagesLimit
	}
	if m.ImagesLimit == 0 {
		m.ImagesLimit = DefaultImagesLimit
	}
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
