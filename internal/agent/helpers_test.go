package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-agent/internal/cache"
)

var errOffline = errors.New("dial tcp: network unreachable")

// fakeFetcher 模拟源站：routes 中的 URL 返回 200，其余返回 404；offline 时全部失败。
type fakeFetcher struct {
	mu      sync.Mutex
	routes  map[string]*cache.Response
	failing map[string]bool
	offline bool
	calls   []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{routes: map[string]*cache.Response{}, failing: map[string]bool{}}
}

func (f *fakeFetcher) serve(url, contentType, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[url] = &cache.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {contentType}},
		Body:   []byte(body),
	}
}

func (f *fakeFetcher) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeFetcher) fail(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[url] = true
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) Fetch(ctx context.Context, req cache.Request) (*cache.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL)
	if f.offline || f.failing[req.URL] {
		return nil, errOffline
	}
	if resp, ok := f.routes[req.URL]; ok {
		return resp.Clone(), nil
	}
	return &cache.Response{
		Status: http.StatusNotFound,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte("not found"),
	}, nil
}

func testManifest() Manifest {
	return Manifest{
		OfflinePages:    []string{"/", "/about/", "/blog/"},
		StaticAssets:    []string{"/offline.html", "/css/styles.css", "/images/logo.svg"},
		OfflineFallback: "/offline.html",
		PagesLimit:      25,
		ImagesLimit:     10,
	}
}

func testGeneration(t *testing.T, tag string) Generation {
	t.Helper()
	gen, err := NewGeneration(tag, testManifest())
	if err != nil {
		t.Fatalf("generation error: %v", err)
	}
	return gen
}

// seedSite 为清单中全部 URL 注册响应。
func seedSite(f *fakeFetcher) {
	for _, page := range testManifest().OfflinePages {
		f.serve(page, "text/html", "<h1>"+page+"</h1>")
	}
	f.serve("/offline.html", "text/html", "<h1>offline</h1>")
	f.serve("/css/styles.css", "text/css", "body{}")
	f.serve("/images/logo.svg", "image/svg+xml", "<svg/>")
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestAgent(t *testing.T, tag string, fetcher Fetcher) (*Agent, cache.Storage) {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return newAgentWithStore(t, tag, fetcher, store), store
}

func newAgentWithStore(t *testing.T, tag string, fetcher Fetcher, store cache.Storage) *Agent {
	t.Helper()
	a, err := New(Options{
		Generation: testGeneration(t, tag),
		Storage:    store,
		Fetcher:    fetcher,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("agent error: %v", err)
	}
	t.Cleanup(a.Wait)
	return a
}

// startedAgent 返回已完成 install + activate 的 Agent。
func startedAgent(t *testing.T, fetcher *fakeFetcher) (*Agent, cache.Storage) {
	t.Helper()
	seedSite(fetcher)
	a, store := newTestAgent(t, "v1", fetcher)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	a.Wait()
	return a, store
}

func htmlRequest(url string) cache.Request {
	return cache.NewRequest(http.MethodGet, url, http.Header{"Accept": {"text/html,application/xhtml+xml"}})
}

func imageRequest(url string) cache.Request {
	return cache.NewRequest(http.MethodGet, url, http.Header{"Accept": {"image/*"}})
}

func partitionHas(t *testing.T, store cache.Storage, name, url string) bool {
	t.Helper()
	ok, err := store.Has(context.Background(), name)
	if err != nil {
		t.Fatalf("has error: %v", err)
	}
	if !ok {
		return false
	}
	partition, err := store.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	_, err = partition.Match(context.Background(), cache.NewRequest(http.MethodGet, url, nil), cache.MatchOptions{IgnoreVary: true})
	return err == nil
}
