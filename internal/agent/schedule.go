package agent

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// ScheduleTrim 按 cron 表达式（5 段标准格式）周期性执行 TrimCaches，
// 返回的 stop 会等待正在执行的裁剪结束。
func (a *Agent) ScheduleTrim(ctx context.Context, spec string) (func(), error) {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(a.logger)),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	_, err := c.AddFunc(spec, func() {
		if !a.Controlling() {
			return
		}
		_ = a.TrimCaches(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, fmt.Errorf("invalid trim schedule %q: %w", spec, err)
	}
	c.Start()
	return func() {
		<-c.Stop().Done()
	}, nil
}
