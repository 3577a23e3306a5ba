package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voyagen/epgvault/internal/cache"
	"github.com/voyagen/epgvault/internal/models"
	"github.com/voyagen/epgvault/internal/store"
)

// fakeDirectory is an in-memory account/server listing.
type fakeDirectory struct {
	accounts []models.Account
	servers  map[string][]models.Server
	failFor  string
}

func (d *fakeDirectory) ListAccounts(context.Context) ([]models.Account, error) {
	return d.accounts, nil
}

func (d *fakeDirectory) ListServers(_ context.Context, accountID string) ([]models.Server, error) {
	if accountID == d.failFor {
		return nil, errors.New("directory unavailable")
	}
	return d.servers[accountID], nil
}

func (d *fakeDirectory) GetServer(_ context.Context, accountID string, serverID int64) (*models.Server, error) {
	for _, s := range d.servers[accountID] {
		if s.ID == serverID {
			return &s, nil
		}
	}
	return nil, store.ErrNotFound
}

// scriptedRefresher returns a preset error per url and tracks concurrency.
type scriptedRefresher struct {
	errs     map[string]error
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32

	mu   sync.Mutex
	seen []models.Scope
}

func (f *scriptedRefresher) Refresh(_ context.Context, scope models.Scope, url string) (*RefreshResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)
	f.mu.Lock()
	f.seen = append(f.seen, scope)
	f.mu.Unlock()
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	return &RefreshResult{}, nil
}

func TestSweepIsolatesFailures(t *testing.T) {
	dir := &fakeDirectory{
		accounts: []models.Account{{ID: "a"}, {ID: "b"}, {ID: "broken"}},
		servers: map[string][]models.Server{
			"a": {
				{ID: 1, AccountID: "a", EPGURL: "http://ok/1"},
				{ID: 2, AccountID: "a", EPGURL: "http://bad/2"},
				{ID: 3, AccountID: "a"},
			},
			"b": {
				{ID: 1, AccountID: "b", EPGURL: "http://ok/b1"},
				{ID: 2, AccountID: "b", EPGURL: "http://locked/b2"},
			},
		},
		failFor: "broken",
	}
	ref := &scriptedRefresher{errs: map[string]error{
		"http://bad/2":     ErrFetch,
		"http://locked/b2": cache.ErrLocked,
	}}
	sw := NewSweeper(dir, ref, 2, quietLog)
	var failed []models.Scope
	sw.OnError = func(scope models.Scope, err error) { failed = append(failed, scope) }

	rep := sw.Run(context.Background())
	want := SweepReport{Scopes: 5, Succeeded: 2, Failed: 2, Skipped: 2}
	if rep != want {
		t.Errorf("report = %+v, want %+v", rep, want)
	}
	if len(failed) != 1 || failed[0] != (models.Scope{AccountID: "a", ServerID: 2}) {
		t.Errorf("OnError scopes = %v", failed)
	}
	if len(ref.seen) != 4 {
		t.Errorf("refreshed %d scopes, want 4", len(ref.seen))
	}
}

func TestSweepBoundsConcurrency(t *testing.T) {
	var servers []models.Server
	for i := int64(1); i <= 8; i++ {
		servers = append(servers, models.Server{ID: i, AccountID: "a", EPGURL: "http://ok"})
	}
	dir := &fakeDirectory{accounts: []models.Account{{ID: "a"}}, servers: map[string][]models.Server{"a": servers}}
	ref := &scriptedRefresher{delay: 20 * time.Millisecond}

	rep := NewSweeper(dir, ref, 3, quietLog).Run(context.Background())
	if rep.Succeeded != 8 {
		t.Errorf("report = %+v", rep)
	}
	if p := ref.peak.Load(); p > 3 || p < 2 {
		t.Errorf("peak concurrency = %d, want 2..3", p)
	}
}

func TestSweepRefreshesStore(t *testing.T) {
	s := newTestStore(t)
	good := newFeedServer(t, scenarioDoc)
	bad := newFeedServer(t, "")
	bad.status.Store(http.StatusBadGateway)

	ctx := context.Background()
	if err := s.UpsertAccount(ctx, models.Account{ID: "u1"}); err != nil {
		t.Fatal(err)
	}
	for _, srv := range []models.Server{
		{ID: 1, AccountID: "u1", EPGURL: good.URL},
		{ID: 2, AccountID: "u1", EPGURL: bad.URL},
	} {
		if err := s.UpsertServer(ctx, srv); err != nil {
			t.Fatal(err)
		}
	}

	r, _ := newTestRefresher(t, s, time.Hour)
	rep := NewSweeper(s, r, 2, quietLog).Run(ctx)
	if rep != (SweepReport{Scopes: 2, Succeeded: 1, Failed: 1}) {
		t.Errorf("report = %+v", rep)
	}
	if st := countScope(t, s, scopeU1); st != (store.ScopeStats{Channels: 1, Programmes: 2}) {
		t.Errorf("good scope: %+v", st)
	}
	if st := countScope(t, s, models.Scope{AccountID: "u1", ServerID: 2}); st != (store.ScopeStats{}) {
		t.Errorf("failed scope: %+v", st)
	}
}
