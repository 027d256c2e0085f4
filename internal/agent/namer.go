package agent

import (
	"strings"

	"github.com/any-hub/offline-agent/internal/cache"
)

// Classify 返回请求所属的分区类别，按顺序首个命中生效：
// app shell 页面或静态资源 → static；text/html → pages；image → images；其余 → assets。
func (g Generation) Classify(req cache.Request) PartitionKind {
	if g.isOfflinePage(req) || g.isStaticAsset(req) {
		return PartitionStatic
	}
	if isRequestOfType(req, "text/html") {
		return PartitionPages
	}
	if isRequestOfType(req, "image") {
		return PartitionImages
	}
	return PartitionAssets
}

// CacheNameFor 返回请求应写入的分区名称。
func (g Generation) CacheNameFor(req cache.Request) string {
	return g.CacheName(g.Classify(req))
}

func (g Generation) isOfflinePage(req cache.Request) bool {
	pathname := req.Path()
	return containsPath(g.offlinePages, pathname) || containsPath(g.offlinePages, pathname+"/")
}

func (g Generation) isStaticAsset(req cache.Request) bool {
	return containsPath(g.staticAssets, req.Path())
}

// isRequestOfType 做子串匹配；缺省 Accept 视为 text/html。
func isRequestOfType(req cache.Request, typ string) bool {
	return strings.Contains(req.Accept(), typ)
}
