package version

import "fmt"

// Version/Commit/Generation 可在构建时通过 -ldflags 注入，默认使用开发占位符。
// Generation 是缓存分区的代际标签，每次部署站点内容时应当更新。
var (
	Version    = "0.1.0"
	Commit     = "dev"
	Generation = "v20230307"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("offline-agent %s (%s, generation %s)", Version, Commit, Generation)
}
