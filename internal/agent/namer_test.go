package agent

import (
	"net/http"
	"testing"

	"github.com/any-hub/offline-agent/internal/cache"
)

func TestClassifyStaticRegardlessOfAccept(t *testing.T) {
	gen := testGeneration(t, "v1")
	accepts := []string{"text/html", "image/*", "application/json", ""}
	for _, url := range []string{"/", "/about/", "/about", "/blog/?page=2", "/offline.html", "/images/logo.svg"} {
		for _, accept := range accepts {
			header := http.Header{}
			if accept != "" {
				header.Set("Accept", accept)
			}
			req := cache.NewRequest(http.MethodGet, url, header)
			if got := gen.Classify(req); got != PartitionStatic {
				t.Fatalf("%s (%q): expected static, got %s", url, accept, got)
			}
		}
	}
}

func TestClassifyByAccept(t *testing.T) {
	gen := testGeneration(t, "v1")
	cases := []struct {
		url    string
		accept string
		want   PartitionKind
	}{
		{"/blog/my-first-post/", "text/html,application/xhtml+xml", PartitionPages},
		{"/blog/my-first-post/", "", PartitionPages},
		{"/photo.png", "image/avif,image/webp,*/*", PartitionImages},
		{"/data.json", "application/json", PartitionAssets},
		{"/font.woff2", "*/*", PartitionAssets},
	}
	for _, tc := range cases {
		header := http.Header{}
		if tc.accept != "" {
			header.Set("Accept", tc.accept)
		}
		if got := gen.Classify(cache.NewRequest(http.MethodGet, tc.url, header)); got != tc.want {
			t.Fatalf("%s (%q): expected %s, got %s", tc.url, tc.accept, tc.want, got)
		}
	}
}

func TestCacheNameFor(t *testing.T) {
	gen := testGeneration(t, "v20230307")
	if got := gen.CacheNameFor(imageRequest("/photo.png")); got != "v20230307-images" {
		t.Fatalf("unexpected cache name: %s", got)
	}
	if !gen.Owns("v20230307-pages") || gen.Owns("v20230101-pages") {
		t.Fatalf("ownership check mismatch")
	}
}

func TestNewGenerationValidation(t *testing.T) {
	m := testManifest()
	m.OfflineFallback = "/missing.html"
	if _, err := NewGeneration("v1", m); err == nil {
		t.Fatalf("fallback outside static assets should fail")
	}
	if _, err := NewGeneration(" ", testManifest()); err == nil {
		t.Fatalf("empty tag should fail")
	}
	m = testManifest()
	m.PagesLimit = 0
	if _, err := NewGeneration("v1", m); err == nil {
		t.Fatalf("zero limit should fail")
	}
}

func TestTrimLimitOnlyForPagesAndImages(t *testing.T) {
	gen := testGeneration(t, "v1")
	if limit, ok := gen.TrimLimit(PartitionPages); !ok || limit != 25 {
		t.Fatalf("pages limit mismatch: %d %v", limit, ok)
	}
	if limit, ok := gen.TrimLimit(PartitionImages); !ok || limit != 10 {
		t.Fatalf("images limit mismatch: %d %v", limit, ok)
	}
	if _, ok := gen.TrimLimit(PartitionStatic); ok {
		t.Fatalf("static should never be trimmed")
	}
	if _, ok := gen.TrimLimit(PartitionAssets); ok {
		t.Fatalf("assets should never be trimmed")
	}
}
