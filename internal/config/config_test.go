package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StorageDriver != "fs" {
		t.Fatalf("StorageDriver 默认应为 fs，得到 %s", cfg.Global.StorageDriver)
	}
	if cfg.Global.Scope != "/" {
		t.Fatalf("Scope 默认应为 /，得到 %s", cfg.Global.Scope)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("UpstreamTimeout 应解析为 10s，得到 %v", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if len(cfg.Manifest.OfflinePages) != len(DefaultOfflinePages) {
		t.Fatalf("OfflinePages 应使用默认清单，得到 %v", cfg.Manifest.OfflinePages)
	}
	if len(cfg.Manifest.StaticAssets) != len(DefaultStaticAssets) {
		t.Fatalf("StaticAssets 应使用默认清单，得到 %v", cfg.Manifest.StaticAssets)
	}
	if cfg.Manifest.OfflineFallback != "/offline.html" {
		t.Fatalf("OfflineFallback 默认值错误: %s", cfg.Manifest.OfflineFallback)
	}
}

func TestLoadManifestOverrides(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "sqlite.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StorageDriver != "sqlite" {
		t.Fatalf("StorageDriver 应为 sqlite，得到 %s", cfg.Global.StorageDriver)
	}
	if cfg.Global.Origin != "https://example.com" {
		t.Fatalf("Origin 末尾斜杠应被去掉，得到 %s", cfg.Global.Origin)
	}
	if cfg.Manifest.PagesLimit != 5 || cfg.Manifest.ImagesLimit != 3 {
		t.Fatalf("limits 覆盖未生效: %+v", cfg.Manifest)
	}
	if len(cfg.Manifest.StaticAssets) != 2 {
		t.Fatalf("StaticAssets 覆盖未生效: %v", cfg.Manifest.StaticAssets)
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateRequiresFallbackInStaticAssets(t *testing.T) {
	cfg := validConfig()
	cfg.Manifest.OfflineFallback = "/missing.html"
	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("应返回 FieldError，得到 %v", err)
	}
	if fieldErr.Field != "Manifest.OfflineFallback" {
		t.Fatalf("字段路径错误: %s", fieldErr.Field)
	}
}

func TestValidateStorageDriver(t *testing.T) {
	testCases := []struct {
		name      string
		driver    string
		shouldErr bool
	}{
		{"fs ok", "fs", false},
		{"sqlite ok", "sqlite", false},
		{"unsupported", "redis", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.StorageDriver = tc.driver
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for driver %q", tc.driver)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for driver %q: %v", tc.driver, err)
			}
		})
	}
}

func TestValidateGenerationAndScope(t *testing.T) {
	cfg := validConfig()
	cfg.Global.Generation = "v1/bad"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Generation 含路径分隔符应报错")
	}

	cfg = validConfig()
	cfg.Global.Scope = "blog"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Scope 不以 / 开头应报错")
	}
}

func TestValidateTrimSchedule(t *testing.T) {
	cfg := validConfig()
	cfg.Global.TrimSchedule = "not a cron"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("非法 cron 表达式应报错")
	}
	cfg.Global.TrimSchedule = "*/5 * * * *"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("合法 cron 表达式不应报错: %v", err)
	}
}
