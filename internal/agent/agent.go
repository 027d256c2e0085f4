package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/logging"
)

// Fetcher 发起网络请求。返回 error 即视为网络失败，任何状态码都算拿到响应。
type Fetcher interface {
	Fetch(ctx context.Context, req cache.Request) (*cache.Response, error)
}

// LifecycleState 描述 Agent 的生命周期阶段。
type LifecycleState string

const (
	LifecycleParsed     LifecycleState = "parsed"
	LifecycleInstalling LifecycleState = "installing"
	LifecycleInstalled  LifecycleState = "installed"
	LifecycleActivating LifecycleState = "activating"
	LifecycleActivated  LifecycleState = "activated"
	// LifecycleRedundant 表示安装失败，该代际永远不会接管请求。
	LifecycleRedundant LifecycleState = "redundant"
)

var (
	ErrNotIntercepted = errors.New("request not intercepted")
	ErrInstallFailed  = errors.New("install failed")
	ErrNotInstalled   = errors.New("agent not installed")
	ErrUnknownCommand = errors.New("unknown message command")
	ErrNotActivated   = errors.New("agent not activated")
)

// Options 汇总 Agent 依赖，Storage 与 Fetcher 必填。
type Options struct {
	Generation Generation
	Storage    cache.Storage
	Fetcher    Fetcher
	Logger     *logrus.Logger
	Metrics    *Metrics
}

// Agent 绑定一个代际，负责拦截决策与缓存维护。可被多个 goroutine 并发使用。
type Agent struct {
	gen     Generation
	storage cache.Storage
	fetcher Fetcher
	logger  *logrus.Logger
	metrics *Metrics

	mu    sync.RWMutex
	state LifecycleState

	tasks sync.WaitGroup
}

// New 构造处于 parsed 状态的 Agent。
func New(opts Options) (*Agent, error) {
	if opts.Generation.Tag() == "" {
		return nil, errors.New("generation is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Agent{
		gen:     opts.Generation,
		storage: opts.Storage,
		fetcher: opts.Fetcher,
		logger:  logger,
		metrics: opts.Metrics,
		state:   LifecycleParsed,
	}, nil
}

func (a *Agent) Generation() Generation { return a.gen }

// State 返回当前生命周期阶段。
func (a *Agent) State() LifecycleState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Controlling 表示 Agent 已激活并接管请求。
func (a *Agent) Controlling() bool {
	return a.State() == LifecycleActivated
}

func (a *Agent) setState(state LifecycleState) {
	a.mu.Lock()
	prev := a.state
	a.state = state
	a.mu.Unlock()
	if prev != state {
		fields := logging.LifecycleFields("lifecycle", a.gen.Tag())
		fields["from"] = string(prev)
		fields["to"] = string(state)
		a.logger.WithFields(fields).Debug("lifecycle_transition")
	}
}

// Wait 阻塞直到所有后台任务（异步写缓存、best-effort 预取、裁剪）结束。
func (a *Agent) Wait() {
	a.tasks.Wait()
}

// goBackground 启动不影响调用方的后台任务。任务使用脱离请求取消的 ctx，
// 错误只在任务内部记录。
func (a *Agent) goBackground(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	detached := context.WithoutCancel(ctx)
	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		fn(detached)
	}()
}

// PartitionStatus 是诊断接口输出的分区摘要。
type PartitionStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// Status 汇总代际、生命周期与分区条目数。
type Status struct {
	Generation string            `json:"generation"`
	State      LifecycleState    `json:"state"`
	Partitions []PartitionStatus `json:"partitions"`
}

// Status 读取存储中全部分区的条目数，用于诊断。
func (a *Agent) Status(ctx context.Context) (Status, error) {
	status := Status{Generation: a.gen.Tag(), State: a.State()}
	names, err := a.storage.Keys(ctx)
	if err != nil {
		return status, err
	}
	for _, name := range names {
		partition, err := a.storage.Open(ctx, name)
		if err != nil {
			return status, err
		}
		keys, err := partition.Keys(ctx)
		if err != nil {
			return status, err
		}
		status.Partitions = append(status.Partitions, PartitionStatus{
			Name:    name,
			Entries: len(keys),
			Current: a.gen.Owns(name),
		})
	}
	return status, nil
}
