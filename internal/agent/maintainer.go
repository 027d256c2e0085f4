package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/logging"
)

// maxTrimRounds 限制裁剪轮数；每轮重新读取 keys，应对裁剪期间的并发写入。
const maxTrimRounds = 3

// CommandTrimCaches 是触发裁剪的消息命令。
const CommandTrimCaches = "trimCaches"

// Message 是页面发给 Agent 的消息体。
type Message struct {
	Command string `json:"command"`
}

// Start 依次执行 install 与 activate（安装成功后立即激活，不等待旧实例）。
func (a *Agent) Start(ctx context.Context) error {
	if err := a.Install(ctx); err != nil {
		return err
	}
	_, err := a.Activate(ctx)
	return err
}

// Install 预取 static 分区：app shell 页面为 best-effort 后台任务，
// 静态资源为必需步骤，失败则 Agent 进入 redundant，永不接管请求。
func (a *Agent) Install(ctx context.Context) error {
	a.setState(LifecycleInstalling)
	static := a.gen.CacheName(PartitionStatic)

	pages := a.gen.OfflinePages()
	a.goBackground(ctx, func(ctx context.Context) {
		if err := a.addAll(ctx, static, pages); err != nil {
			a.logger.WithError(err).WithFields(logging.LifecycleFields("install", a.gen.Tag())).
				Warn("offline_pages_precache_failed")
		}
	})

	if err := a.addAll(ctx, static, a.gen.StaticAssets()); err != nil {
		a.setState(LifecycleRedundant)
		a.logger.WithError(err).WithFields(logging.LifecycleFields("install", a.gen.Tag())).
			Error("install_failed")
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	a.setState(LifecycleInstalled)
	a.logger.WithFields(logging.LifecycleFields("install", a.gen.Tag())).Info("install_complete")
	return nil
}

// addAll 并发抓取全部 URL，任一网络错误或非 2xx 都使整批失败且不写入任何条目。
func (a *Agent) addAll(ctx context.Context, name string, urls []string) error {
	requests := make([]cache.Request, len(urls))
	responses := make([]*cache.Response, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			req := cache.NewRequest(http.MethodGet, u, nil)
			resp, err := a.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", u, resp.Status)
			}
			requests[i] = req
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	partition, err := a.storage.Open(ctx, name)
	if err != nil {
		return err
	}
	for i := range requests {
		if err := partition.Put(ctx, requests[i], responses[i]); err != nil {
			return fmt.Errorf("store %s: %w", requests[i].URL, err)
		}
	}
	return nil
}

// Activate 清理旧代际分区后接管请求。要求已完成安装；重复调用是安全的。
func (a *Agent) Activate(ctx context.Context) ([]string, error) {
	switch a.State() {
	case LifecycleInstalled, LifecycleActivated:
	default:
		return nil, fmt.Errorf("%w: state %s", ErrNotInstalled, a.State())
	}
	if a.State() == LifecycleInstalled {
		a.setState(LifecycleActivating)
	}

	deleted, err := a.ClearOldCaches(ctx)
	if err != nil {
		a.logger.WithError(err).WithFields(logging.LifecycleFields("activate", a.gen.Tag())).
			Error("activate_failed")
		return deleted, err
	}

	// 清理完成后才 claim。
	a.setState(LifecycleActivated)
	fields := logging.LifecycleFields("activate", a.gen.Tag())
	fields["deleted"] = deleted
	a.logger.WithFields(fields).Info("activate_complete")
	return deleted, nil
}

// ClearOldCaches 并发删除所有不以当前代际标签开头的分区，返回被删除的名称。
func (a *Agent) ClearOldCaches(ctx context.Context) ([]string, error) {
	names, err := a.storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, name := range names {
		if !a.gen.Owns(name) {
			stale = append(stale, name)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range stale {
		g.Go(func() error {
			if _, err := a.storage.Delete(gctx, name); err != nil {
				return fmt.Errorf("delete %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stale, nil
}

// TrimCache 按插入顺序删除最旧条目直到不超过 maxItems（严格 FIFO，读取不刷新位置）。
func (a *Agent) TrimCache(ctx context.Context, name string, maxItems int) (int, error) {
	partition, err := a.storage.Open(ctx, name)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for round := 0; round < maxTrimRounds; round++ {
		keys, err := partition.Keys(ctx)
		if err != nil {
			return deleted, err
		}
		excess := len(keys) - maxItems
		if excess <= 0 {
			return deleted, nil
		}
		for _, key := range keys[:excess] {
			ok, err := partition.Delete(ctx, key)
			if err != nil {
				return deleted, err
			}
			if ok {
				deleted++
			}
		}
	}
	return deleted, nil
}

// TrimCaches 裁剪 pages 与 images 分区；static 与 assets 永不裁剪。
func (a *Agent) TrimCaches(ctx context.Context) error {
	var errs []error
	for _, kind := range PartitionKinds {
		limit, ok := a.gen.TrimLimit(kind)
		if !ok {
			continue
		}
		name := a.gen.CacheName(kind)
		deleted, err := a.TrimCache(ctx, name, limit)
		a.metrics.observeEvictions(kind, deleted)

		fields := logging.LifecycleFields("trim", a.gen.Tag())
		fields["partition"] = name
		fields["limit"] = limit
		fields["deleted"] = deleted
		if err != nil {
			a.logger.WithError(err).WithFields(fields).Warn("trim_failed")
			errs = append(errs, fmt.Errorf("trim %s: %w", name, err))
			continue
		}
		a.logger.WithFields(fields).Debug("trim_complete")
	}
	return errors.Join(errs...)
}

// HandleMessage 处理页面消息，只有已接管请求的 Agent 才处理。trimCaches 在后台执行，不等待完成。
func (a *Agent) HandleMessage(ctx context.Context, msg Message) error {
	switch msg.Command {
	case CommandTrimCaches:
		if !a.Controlling() {
			return fmt.Errorf("%w: state %s", ErrNotActivated, a.State())
		}
		a.goBackground(ctx, func(ctx context.Context) {
			_ = a.TrimCaches(ctx)
		})
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Command)
	}
}
