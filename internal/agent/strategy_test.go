package agent

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/any-hub/offline-agent/internal/cache"
)

func TestSelectStrategy(t *testing.T) {
	if got := SelectStrategy(htmlRequest("/")); got != StrategyNetworkFirst {
		t.Fatalf("html should be network-first, got %s", got)
	}
	if got := SelectStrategy(imageRequest("/photo.png")); got != StrategyCacheFirst {
		t.Fatalf("image should be cache-first, got %s", got)
	}
}

func TestRespondNetworkFirstStoresOfflinePageInStatic(t *testing.T) {
	fetcher := newFakeFetcher()
	a, store := startedAgent(t, fetcher)
	fetcher.serve("/about/", "text/html", "<h1>about v2</h1>")

	out, err := a.Respond(context.Background(), htmlRequest("/about/"))
	if err != nil {
		t.Fatalf("respond error: %v", err)
	}
	a.Wait()

	if out.Source != SourceNetwork || out.State != StateResolved {
		t.Fatalf("expected resolved from network, got %s/%s", out.Source, out.State)
	}
	if string(out.Response.Body) != "<h1>about v2</h1>" {
		t.Fatalf("unexpected body: %s", string(out.Response.Body))
	}
	if out.Partition != PartitionStatic {
		t.Fatalf("expected static partition, got %s", out.Partition)
	}
	partition, _ := store.Open(context.Background(), "v1-static")
	stored, err := partition.Match(context.Background(), cache.NewRequest(http.MethodGet, "/about/", nil), cache.MatchOptions{IgnoreVary: true})
	if err != nil || string(stored.Body) != "<h1>about v2</h1>" {
		t.Fatalf("static copy not refreshed: %v", err)
	}
	if partitionHas(t, store, "v1-pages", "/about/") {
		t.Fatalf("offline page must not land in pages partition")
	}
}

func TestRespondNetworkFirstStoresPage(t *testing.T) {
	fetcher := newFakeFetcher()
	a, store := startedAgent(t, fetcher)
	fetcher.serve("/blog/my-first-post/", "text/html", "<h1>post</h1>")

	out, err := a.Respond(context.Background(), htmlRequest("/blog/my-first-post/"))
	if err != nil {
		t.Fatalf("respond error: %v", err)
	}
	a.Wait()

	want := []State{StateStart, StateCheckNetwork, StateResolved}
	assertTrace(t, out.Trace, want)
	if !partitionHas(t, store, "v1-pages", "/blog/my-first-post/") {
		t.Fatalf("page should be stored in pages partition")
	}
}

func TestRespondHTMLOfflineUsesCache(t *testing.T) {
	fetcher := newFakeFetcher()
	a, _ := startedAgent(t, fetcher)
	fetcher.setOffline(true)

	out, err := a.Respond(context.Background(), htmlRequest("/blog/"))
	if err != nil {
		t.Fatalf("respond error: %v", err)
	}
	if out.Source != SourceCache {
		t.Fatalf("expected cache hit, got %s", out.Source)
	}
	if string(out.Response.Body) != "<h1>/blog/</h1>" {
		t.Fatalf("unexpected body: %s", string(out.Response.Body))
	}
	if out.NetworkErr == nil || !errors.Is(out.NetworkErr, errOffline) {
		t.Fatalf("network error should be recorded, got %v", out.NetworkErr)
	}
	assertTrace(t, out.Trace, []State{StateStart, StateCheckNetwork, StateCheckCache, StateResolved})
}

func TestRespondHTMLOfflineFallsBackToOfflinePage(t *testing.T) {
	fetcher := newFakeFetcher()
	a, _ := startedAgent(t, fetcher)
	fetcher.setOffline(true)

	out, err := a.Respond(context.Background(), htmlRequest("/blog/my-first-post/"))
	if err != nil {
		t.Fatalf("respond error: %v", err)
	}
	if out.State != StateFallback || out.Source != SourceFallback {
		t.Fatalf("expected fallback, got %s/%s", out.State, out.Source)
	}
	if out.Response.Status != http.StatusOK || string(out.Response.Body) != "<h1>offline</h1>" {
		t.Fatalf("expected offline page, got %d %s", out.Response.Status, string(out.Response.Body))
	}
	assertTrace(t, out.Trace, []State{StateStart, StateCheckNetwork, StateCheckCache, StateFallback})
}

func TestRespondImageOfflinePlaceholder(t *testing.T) {
	fetcher := newFakeFetcher()
	a, _ := startedAgent(t, fetcher)
	fetcher.setOffline(true)

	out, err := a.Respond(context.Background(), imageRequest("/photo.png"))
	if err != nil {
		t.Fatalf("respond error: %v", err)
	}
	if out.State != StateFallback {
		t.Fatalf("expected fallback, got %s", out.State)
	}
	if ct := out.Response.Header.Get("Content-Type"); ct != "image/svg+xml" {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if !strings.Contains(string(out.Response.Body), "offline") {
		t.Fatalf("placeholder should contain offline text")
	}
	assertTrace(t, out.Trace, []State{StateStart, StateCheckCache, StateCheckNetwork, StateFallback})
}

func TestRespondCacheFirstHitSkipsNetwork(t *testing.T) {
	fetcher := newFakeFetcher()
	a, _ := startedAgent(t, fetcher)
	before := fetcher.callCount()

	out, err := a.Respond(context.Background(), cache.NewRequest(http.MethodGet, "/css/styles.css", http.Header{"Accept": {"text/css,*/*;q=0.1"}}))
	if err != nil {
		t.Fatalf("respond error: %v", err)
	}
	if out.Strategy != StrategyCacheFirst || out.Source != SourceCache {
		t.Fatalf("expected cache-first hit, got %s/%s", out.Strategy, out.Source)
	}
	if fetcher.callCount() != before {
		t.Fatalf("cache hit should not touch network")
	}
	assertTrace(t, out.Trace, []State{StateStart, StateCheckCache, StateResolved})
}

func TestRespondCacheFirstMissStoresAsset(t *testing.T) {
	fetcher := newFakeFetcher()
	a, store := startedAgent(t, fetcher)
	fetcher.serve("/data.json", "application/json", `{"ok":true}`)
	req := cache.NewRequest(http.MethodGet, "/data.json", http.Header{"Accept": {"application/json"}})

	out, err := a.Respond(context.Background(), req)
	if err != nil {
		t.Fatalf("respond error: %v", err)
	}
	a.Wait()
	if out.Source != SourceNetwork {
		t.Fatalf("expected network, got %s", out.Source)
	}
	if !partitionHas(t, store, "v1-assets", "/data.json") {
		t.Fatalf("asset should be stored")
	}

	fetcher.setOffline(true)
	again, err := a.Respond(context.Background(), req)
	if err != nil || again.Source != SourceCache {
		t.Fatalf("second request should hit cache: %v", err)
	}
}

func TestRespondOtherTypeOfflineReturns503(t *testing.T) {
	fetcher := newFakeFetcher()
	a, _ := startedAgent(t, fetcher)
	fetcher.setOffline(true)

	out, err := a.Respond(context.Background(), cache.NewRequest(http.MethodGet, "/api/feed.json", http.Header{"Accept": {"application/json"}}))
	if err != nil {
		t.Fatalf("respond error: %v", err)
	}
	if out.Response.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", out.Response.Status)
	}
}

func TestRespondErrorStatusIsNotNetworkFailure(t *testing.T) {
	fetcher := newFakeFetcher()
	a, _ := startedAgent(t, fetcher)

	out, err := a.Respond(context.Background(), htmlRequest("/blog/missing/"))
	if err != nil {
		t.Fatalf("respond error: %v", err)
	}
	if out.Source != SourceNetwork || out.Response.Status != http.StatusNotFound {
		t.Fatalf("404 should be served from network, got %s %d", out.Source, out.Response.Status)
	}
}

func TestRespondRejectsNonGet(t *testing.T) {
	fetcher := newFakeFetcher()
	a, _ := newTestAgent(t, "v1", fetcher)
	if _, err := a.Respond(context.Background(), cache.NewRequest(http.MethodPost, "/contact", nil)); !errors.Is(err, ErrNotIntercepted) {
		t.Fatalf("expected ErrNotIntercepted, got %v", err)
	}
	if fetcher.callCount() != 0 {
		t.Fatalf("non-GET should not reach fetcher")
	}
}

func TestReadCachesRoundTripIgnoresVary(t *testing.T) {
	fetcher := newFakeFetcher()
	a, store := newTestAgent(t, "v1", fetcher)
	partition, err := store.Open(context.Background(), "v1-assets")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	req := cache.NewRequest(http.MethodGet, "/api/data", http.Header{"Accept-Language": {"en"}})
	resp := &cache.Response{Status: http.StatusOK, Header: http.Header{"Vary": {"Accept-Language"}}, Body: []byte("en")}
	if err := partition.Put(context.Background(), req, resp); err != nil {
		t.Fatalf("put error: %v", err)
	}

	got := a.readCaches(context.Background(), cache.NewRequest(http.MethodGet, "/api/data", http.Header{"Accept-Language": {"fr"}}))
	if got == nil || got.Status != http.StatusOK || string(got.Body) != "en" {
		t.Fatalf("readCaches should ignore vary, got %+v", got)
	}
}

func TestStateString(t *testing.T) {
	if StateCheckNetwork.String() != "CHECK_NETWORK" || StateFallback.String() != "FALLBACK" {
		t.Fatalf("unexpected state names")
	}
}

func assertTrace(t *testing.T, got, want []State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("trace mismatch: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trace mismatch at %d: got %v want %v", i, got, want)
		}
	}
}
