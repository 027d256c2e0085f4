// Package proxy 把 Fiber 请求适配到 agent 状态机，并负责非拦截请求的透传。
package proxy
