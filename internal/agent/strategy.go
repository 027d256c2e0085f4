package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-agent/internal/cache"
)

// Strategy 是单个请求的检索顺序。
type Strategy string

const (
	StrategyNetworkFirst Strategy = "network-first"
	StrategyCacheFirst   Strategy = "cache-first"
)

// SelectStrategy：HTML 请求走 network-first，其余走 cache-first。
func SelectStrategy(req cache.Request) Strategy {
	if isRequestOfType(req, "text/html") {
		return StrategyNetworkFirst
	}
	return StrategyCacheFirst
}

// State 是请求状态机的节点。
type State int

const (
	StateStart State = iota
	StateCheckCache
	StateCheckNetwork
	StateResolved
	StateFallback
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateCheckCache:
		return "CHECK_CACHE"
	case StateCheckNetwork:
		return "CHECK_NETWORK"
	case StateResolved:
		return "RESOLVED"
	case StateFallback:
		return "FALLBACK"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Source 标记最终响应的来源。
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Outcome 是一次拦截的结果。State 只会是 StateResolved 或 StateFallback。
type Outcome struct {
	Response   *cache.Response
	Strategy   Strategy
	State      State
	Source     Source
	Partition  PartitionKind
	Trace      []State
	NetworkErr error
}

// Respond 驱动单个 GET 请求的状态机，网络错误不会返回给调用方：
// 结果总是缓存命中、网络响应或回退响应之一。
func (a *Agent) Respond(ctx context.Context, req cache.Request) (*Outcome, error) {
	if req.Method != http.MethodGet {
		return nil, ErrNotIntercepted
	}

	out := &Outcome{
		Strategy:  SelectStrategy(req),
		Partition: a.gen.Classify(req),
	}

	var (
		resp          *cache.Response
		networkFailed bool
		cacheMissed   bool
	)
	state := StateStart
	for {
		out.Trace = append(out.Trace, state)
		switch state {
		case StateStart:
			if out.Strategy == StrategyNetworkFirst {
				state = StateCheckNetwork
			} else {
				state = StateCheckCache
			}

		case StateCheckCache:
			if cached := a.readCaches(ctx, req); cached != nil {
				resp = cached
				out.Source = SourceCache
				state = StateResolved
				continue
			}
			cacheMissed = true
			if networkFailed {
				state = StateFallback
			} else {
				state = StateCheckNetwork
			}

		case StateCheckNetwork:
			fetched, err := a.fetcher.Fetch(ctx, req)
			if err == nil && fetched != nil {
				a.stash(ctx, out.Partition, req, fetched.Clone())
				resp = fetched
				out.Source = SourceNetwork
				state = StateResolved
				continue
			}
			if err == nil {
				err = errors.New("fetcher returned no response")
			}
			out.NetworkErr = err
			networkFailed = true
			if cacheMissed {
				state = StateFallback
			} else {
				state = StateCheckCache
			}

		case StateFallback:
			out.Response = a.fallback(ctx, req)
			out.Source = SourceFallback
			out.State = StateFallback
			a.metrics.observeIntercept(out)
			return out, nil

		case StateResolved:
			out.Response = resp
			out.State = StateResolved
			a.metrics.observeIntercept(out)
			return out, nil
		}
	}
}

// readCaches 跨全部分区查找（忽略 Vary）。存储错误按未命中处理并记录日志。
func (a *Agent) readCaches(ctx context.Context, req cache.Request) *cache.Response {
	resp, err := a.storage.Match(ctx, req, cache.MatchOptions{IgnoreVary: true})
	if err == nil {
		return resp
	}
	if !errors.Is(err, cache.ErrNotFound) {
		a.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_match",
			"url":    req.URL,
		}).Warn("cache_match_failed")
	}
	return nil
}

// stash 在后台写入分区，不阻塞响应返回。写入失败只记录日志与指标。
func (a *Agent) stash(ctx context.Context, kind PartitionKind, req cache.Request, resp *cache.Response) {
	name := a.gen.CacheName(kind)
	a.goBackground(ctx, func(ctx context.Context) {
		partition, err := a.storage.Open(ctx, name)
		if err == nil {
			err = partition.Put(ctx, req, resp)
		}
		a.metrics.observeCacheWrite(kind, err)
		if err == nil {
			return
		}
		entry := a.logger.WithError(err).WithFields(logrus.Fields{
			"action":    "cache_put",
			"partition": name,
			"url":       req.URL,
		})
		if errors.Is(err, cache.ErrNotCacheable) {
			entry.Debug("cache_put_skipped")
			return
		}
		entry.Warn("cache_put_failed")
	})
}
