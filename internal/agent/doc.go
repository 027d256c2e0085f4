// Package agent 实现离线缓存代理的核心决策：请求归属哪个缓存分区、采用
// network-first 还是 cache-first、何时回退到离线页或占位图，以及安装/激活/
// 裁剪等缓存维护流程。
//
// 每个 Agent 绑定一个不可变的 Generation（代际标签 + 部署清单），分区名称均由
// 代际标签派生；不属于当前代际的分区在激活时被清理。单个请求的处理过程被建模为
// 显式状态机 START → CHECK_CACHE | CHECK_NETWORK → RESOLVED | FALLBACK，
// 由 Respond 统一驱动。
package agent
