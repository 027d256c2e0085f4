package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/any-hub/offline-agent/internal/config"
)

// PartitionKind 是缓存分区的类别，分区名称为 <generation>-<kind>。
type PartitionKind string

const (
	PartitionStatic PartitionKind = "static"
	PartitionPages  PartitionKind = "pages"
	PartitionImages PartitionKind = "images"
	PartitionAssets PartitionKind = "assets"
)

// PartitionKinds 按固定顺序列出全部分区类别。
var PartitionKinds = []PartitionKind{PartitionStatic, PartitionPages, PartitionImages, PartitionAssets}

// Manifest 是部署时确定的缓存清单。
type Manifest struct {
	OfflinePages    []string
	StaticAssets    []string
	OfflineFallback string
	PagesLimit      int
	ImagesLimit     int
}

// Generation 在进程启动时构建一次，之后只读，所有组件共享同一份值。
type Generation struct {
	tag             string
	offlinePages    []string
	staticAssets    []string
	offlineFallback string
	pagesLimit      int
	imagesLimit     int
}

// NewGeneration 校验并冻结代际标签与清单。
func NewGeneration(tag string, m Manifest) (Generation, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return Generation{}, errors.New("generation tag required")
	}
	if m.OfflineFallback == "" {
		return Generation{}, errors.New("offline fallback required")
	}
	if !containsPath(m.StaticAssets, m.OfflineFallback) {
		return Generation{}, fmt.Errorf("offline fallback %s must be a static asset", m.OfflineFallback)
	}
	if m.PagesLimit <= 0 || m.ImagesLimit <= 0 {
		return Generation{}, errors.New("trim limits must be positive")
	}
	return Generation{
		tag:             tag,
		offlinePages:    append([]string(nil), m.OfflinePages...),
		staticAssets:    append([]string(nil), m.StaticAssets...),
		offlineFallback: m.OfflineFallback,
		pagesLimit:      m.PagesLimit,
		imagesLimit:     m.ImagesLimit,
	}, nil
}

// GenerationFromConfig 从已校验的配置构建 Generation。
func GenerationFromConfig(cfg *config.Config) (Generation, error) {
	if cfg == nil {
		return Generation{}, errors.New("config is nil")
	}
	return NewGeneration(cfg.Global.Generation, Manifest{
		OfflinePages:    cfg.Manifest.OfflinePages,
		StaticAssets:    cfg.Manifest.StaticAssets,
		OfflineFallback: cfg.Manifest.OfflineFallback,
		PagesLimit:      cfg.Manifest.PagesLimit,
		ImagesLimit:     cfg.Manifest.ImagesLimit,
	})
}

func (g Generation) Tag() string { return g.tag }

// CacheName 返回分区的完整名称。
func (g Generation) CacheName(kind PartitionKind) string {
	return g.tag + "-" + string(kind)
}

// Owns 判断分区是否属于当前代际；不属于的分区在激活时删除。
func (g Generation) Owns(name string) bool {
	return strings.HasPrefix(name, g.tag)
}

func (g Generation) OfflinePages() []string { return append([]string(nil), g.offlinePages...) }

func (g Generation) StaticAssets() []string { return append([]string(nil), g.staticAssets...) }

func (g Generation) OfflineFallback() string { return g.offlineFallback }

// TrimLimit 返回分区的条目上限；static 与 assets 不参与裁剪。
func (g Generation) TrimLimit(kind PartitionKind) (int, bool) {
	switch kind {
	case PartitionPages:
		return g.pagesLimit, true
	case PartitionImages:
		return g.imagesLimit, true
	default:
		return 0, false
	}
}

func containsPath(list []string, p string) bool {
	for _, item := range list {
		if item == p {
			return true
		}
	}
	return false
}
