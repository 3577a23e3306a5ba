package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/voyagen/epgvault/internal/cache"
	"github.com/voyagen/epgvault/internal/fetcher"
	"github.com/voyagen/epgvault/internal/metrics"
	"github.com/voyagen/epgvault/internal/store"
	"github.com/voyagen/epgvault/internal/xmltv"
)

// feedServer serves body with status and counts requests.
type feedServer struct {
	*httptest.Server
	hits   atomic.Int32
	status atomic.Int32
	body   atomic.Value
}

func newFeedServer(t *testing.T, body string) *feedServer {
	t.Helper()
	fs := &feedServer{}
	fs.status.Store(http.StatusOK)
	fs.body.Store(body)
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		w.WriteHeader(int(fs.status.Load()))
		_, _ = w.Write([]byte(fs.body.Load().(string)))
	}))
	t.Cleanup(fs.Close)
	return fs
}

func newTestRefresher(t *testing.T, s store.Store, window time.Duration) (*Refresher, string) {
	t.Helper()
	root := t.TempDir()
	r := NewRefresher(s, RefreshOptions{
		CacheRoot:       root,
		FreshnessWindow: window,
		Timeout:         5 * time.Second,
		UserAgent:       "epgvault-test",
	}, quietLog)
	return r, root
}

func TestRefreshDownloadsAndMerges(t *testing.T) {
	s := newTestStore(t)
	feed := newFeedServer(t, scenarioDoc)
	r, root := newTestRefresher(t, s, time.Hour)

	res, err := r.Refresh(context.Background(), scopeU1, feed.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Downloaded || res.Bytes != int64(len(scenarioDoc)) {
		t.Errorf("download: %+v", res)
	}
	if res.Channels != 1 || res.Programmes != 2 || res.NewChannels != 1 {
		t.Errorf("result: %+v", res)
	}
	if _, err := os.Stat(fetcher.CachePath(root, "u1", 1)); err != nil {
		t.Errorf("cache file: %v", err)
	}
}

func TestRefreshReusesFreshCache(t *testing.T) {
	s := newTestStore(t)
	feed := newFeedServer(t, scenarioDoc)
	r, _ := newTestRefresher(t, s, time.Hour)
	ctx := context.Background()

	if _, err := r.Refresh(ctx, scopeU1, feed.URL); err != nil {
		t.Fatal(err)
	}
	res, err := r.Refresh(ctx, scopeU1, feed.URL)
	if err != nil {
		t.Fatal(err)
	}
	if res.Downloaded {
		t.Error("fresh cache was downloaded again")
	}
	if feed.hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", feed.hits.Load())
	}
	// The cached copy is still parsed and merged.
	if res.UpdatedChannels != 1 || res.Programmes != 2 {
		t.Errorf("result: %+v", res)
	}
	if st := countScope(t, s, scopeU1); st != (store.ScopeStats{Channels: 1, Programmes: 2}) {
		t.Errorf("counts: %+v", st)
	}
}

func TestRefreshStaleCacheIsDownloaded(t *testing.T) {
	s := newTestStore(t)
	feed := newFeedServer(t, scenarioDoc)
	r, _ := newTestRefresher(t, s, time.Hour)
	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := r.Refresh(ctx, scopeU1, feed.URL); err != nil {
			t.Fatal(err)
		}
	}
	if feed.hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", feed.hits.Load())
	}
}

func TestRefreshFetchFailureLeavesStoreUntouched(t *testing.T) {
	s := newTestStore(t)
	feed := newFeedServer(t, scenarioDoc)
	r, root := newTestRefresher(t, s, 0)
	ctx := context.Background()

	if _, err := r.Refresh(ctx, scopeU1, feed.URL); err != nil {
		t.Fatal(err)
	}
	feed.status.Store(http.StatusInternalServerError)
	feed.body.Store(`<tv></tv>`)

	failedBefore := testutil.ToFloat64(metrics.RefreshTotal.WithLabelValues(metrics.ResultFetchError))
	_, err := r.Refresh(ctx, scopeU1, feed.URL)
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.RefreshTotal.WithLabelValues(metrics.ResultFetchError)) - failedBefore; got != 1 {
		t.Errorf("fetch_error metric delta = %v", got)
	}
	if st := countScope(t, s, scopeU1); st != (store.ScopeStats{Channels: 1, Programmes: 2}) {
		t.Errorf("store changed: %+v", st)
	}
	data, err := os.ReadFile(fetcher.CachePath(root, "u1", 1))
	if err != nil || string(data) != scenarioDoc {
		t.Errorf("cache file replaced after failed fetch: %q, %v", data, err)
	}
}

func TestRefreshParseError(t *testing.T) {
	s := newTestStore(t)
	feed := newFeedServer(t, `<tv><channel id="x">`)
	r, _ := newTestRefresher(t, s, time.Hour)

	_, err := r.Refresh(context.Background(), scopeU1, feed.URL)
	if !errors.Is(err, ErrParse) || !errors.Is(err, xmltv.ErrMalformedDocument) {
		t.Fatalf("expected ErrParse wrapping ErrMalformedDocument, got %v", err)
	}
	if st := countScope(t, s, scopeU1); st != (store.ScopeStats{}) {
		t.Errorf("partial data stored: %+v", st)
	}
}

func TestRefreshStorageError(t *testing.T) {
	s := newTestStore(t)
	feed := newFeedServer(t, scenarioDoc)
	r, _ := newTestRefresher(t, failingStore{s}, time.Hour)

	_, err := r.Refresh(context.Background(), scopeU1, feed.URL)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if st := countScope(t, s, scopeU1); st != (store.ScopeStats{}) {
		t.Errorf("partial data stored: %+v", st)
	}
}

func TestRefreshWithoutURL(t *testing.T) {
	r, _ := newTestRefresher(t, newTestStore(t), time.Hour)
	if _, err := r.Refresh(context.Background(), scopeU1, ""); !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch, got %v", err)
	}
}

func TestRefreshSkipsWhenLocked(t *testing.T) {
	mr := miniredis.RunT(t)
	rds, err := cache.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rds.Close() })

	s := newTestStore(t)
	feed := newFeedServer(t, scenarioDoc)
	r, _ := newTestRefresher(t, s, time.Hour)
	r.opts.Lock = rds
	ctx := context.Background()

	unlock, err := cache.TryLock(ctx, rds, cache.RefreshLockKey(scopeU1), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Refresh(ctx, scopeU1, feed.URL); !errors.Is(err, cache.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if feed.hits.Load() != 0 {
		t.Error("locked refresh hit the provider")
	}

	unlock()
	if _, err := r.Refresh(ctx, scopeU1, feed.URL); err != nil {
		t.Fatalf("refresh after unlock: %v", err)
	}
	if mr.Exists(cache.RefreshLockKey(scopeU1)) {
		t.Error("refresh did not release its lock")
	}
}
