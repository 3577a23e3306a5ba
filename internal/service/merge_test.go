package service

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/voyagen/epgvault/internal/metrics"
	"github.com/voyagen/epgvault/internal/models"
	"github.com/voyagen/epgvault/internal/store"
	"github.com/voyagen/epgvault/internal/xmltv"
)

func TestMergeScenario(t *testing.T) {
	s := newTestStore(t)
	res := mustMerge(t, s, scopeU1, scenarioDoc)
	if *res != (MergeResult{NewChannels: 1, Programmes: 2}) {
		t.Fatalf("first merge: %+v", res)
	}

	ch, err := s.GetChannel(context.Background(), scopeU1, "bbc1")
	if err != nil {
		t.Fatal(err)
	}
	want := []models.LangText{{Text: "BBC One", Lang: "en"}}
	if !reflect.DeepEqual(ch.DisplayNames, want) {
		t.Errorf("display names = %+v", ch.DisplayNames)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	mustMerge(t, s, scopeU1, scenarioDoc)
	res := mustMerge(t, s, scopeU1, scenarioDoc)
	if *res != (MergeResult{UpdatedChannels: 1, Programmes: 2}) {
		t.Fatalf("second merge: %+v", res)
	}
	if st := countScope(t, s, scopeU1); st != (store.ScopeStats{Channels: 1, Programmes: 2}) {
		t.Errorf("after re-merge: %+v", st)
	}
}

func TestMergeOverwritesChannelMetadata(t *testing.T) {
	s := newTestStore(t)
	mustMerge(t, s, scopeU1, scenarioDoc)
	mustMerge(t, s, scopeU1, `<tv>
  <channel id="bbc1">
    <display-name lang="cy">BBC Un</display-name>
    <icon src="http://img.example/bbc1.png"/>
  </channel>
</tv>`)

	ch, err := s.GetChannel(context.Background(), scopeU1, "bbc1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ch.DisplayNames) != 1 || ch.DisplayNames[0].Text != "BBC Un" {
		t.Errorf("display names not replaced: %+v", ch.DisplayNames)
	}
	if len(ch.Icons) != 1 || ch.Icons[0].Src != "http://img.example/bbc1.png" {
		t.Errorf("icons = %+v", ch.Icons)
	}
	// Existing channels have their programmes replaced wholesale.
	if st := countScope(t, s, scopeU1); st.Programmes != 0 {
		t.Errorf("programmes = %d, want 0", st.Programmes)
	}
}

func TestMergeScopeIsolation(t *testing.T) {
	s := newTestStore(t)
	other := models.Scope{AccountID: "u2", ServerID: 1}
	sameAccount := models.Scope{AccountID: "u1", ServerID: 2}

	mustMerge(t, s, other, scenarioDoc)
	mustMerge(t, s, sameAccount, scenarioDoc)
	mustMerge(t, s, scopeU1, `<tv>
  <channel id="bbc1"><display-name>Replaced</display-name></channel>
</tv>`)

	for _, sc := range []models.Scope{other, sameAccount} {
		if st := countScope(t, s, sc); st != (store.ScopeStats{Channels: 1, Programmes: 2}) {
			t.Errorf("%s changed: %+v", sc, st)
		}
		ch, err := s.GetChannel(context.Background(), sc, "bbc1")
		if err != nil {
			t.Fatal(err)
		}
		if ch.DisplayName() != "BBC One" {
			t.Errorf("%s display name = %q", sc, ch.DisplayName())
		}
	}
}

func TestMergePlaceholderChannel(t *testing.T) {
	s := newTestStore(t)
	res := mustMerge(t, s, scopeU1, `<tv>
  <programme start="20240101120000 +0000" channel="ghost"><title>Unannounced</title></programme>
</tv>`)
	if res.NewChannels != 1 || res.Programmes != 1 {
		t.Fatalf("merge: %+v", res)
	}

	ch, err := s.GetChannel(context.Background(), scopeU1, "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if len(ch.DisplayNames) != 0 || len(ch.Icons) != 0 || len(ch.URLs) != 0 {
		t.Errorf("placeholder has metadata: %+v", ch)
	}
	progs, err := NewListing(s).ProgrammesForChannel(context.Background(), scopeU1, "ghost", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(titles(progs), []string{"Unannounced"}) {
		t.Errorf("programmes = %v", titles(progs))
	}
}

func TestMergeDuplicateChannelLastWins(t *testing.T) {
	s := newTestStore(t)
	first := &models.Channel{
		XMLTVID:      "bbc1",
		DisplayNames: []models.LangText{{Text: "First"}},
		Programmes:   []models.Programme{{Start: "20240101120000 +0000", ClumpIdx: models.DefaultClumpIdx}},
	}
	second := &models.Channel{
		XMLTVID:      "bbc1",
		DisplayNames: []models.LangText{{Text: "Second"}},
		Programmes:   []models.Programme{{Start: "20240101130000 +0000", ClumpIdx: models.DefaultClumpIdx}},
	}
	res, err := Merge(context.Background(), s, scopeU1, []*models.Channel{first, second})
	if err != nil {
		t.Fatal(err)
	}
	if *res != (MergeResult{NewChannels: 1, Programmes: 2}) {
		t.Errorf("merge: %+v", res)
	}
	ch, err := s.GetChannel(context.Background(), scopeU1, "bbc1")
	if err != nil {
		t.Fatal(err)
	}
	if ch.DisplayName() != "Second" {
		t.Errorf("display name = %q, want Second", ch.DisplayName())
	}
}

func TestMergeEmptyBatch(t *testing.T) {
	s := newTestStore(t)
	res, err := Merge(context.Background(), s, scopeU1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if *res != (MergeResult{}) {
		t.Errorf("merge: %+v", res)
	}
}

// failingStore fails every InsertProgrammes inside a scope transaction.
type failingStore struct {
	store.Store
}

type failingTx struct {
	store.Tx
}

func (f failingStore) WithScopeTx(ctx context.Context, scope models.Scope, fn func(tx store.Tx) error) error {
	return f.Store.WithScopeTx(ctx, scope, func(tx store.Tx) error {
		return fn(failingTx{tx})
	})
}

func (failingTx) InsertProgrammes(context.Context, []models.Programme) (int64, error) {
	return 0, errors.New("disk full")
}

func TestMergeRollsBackOnStorageError(t *testing.T) {
	s := newTestStore(t)
	mustMerge(t, s, scopeU1, scenarioDoc)

	_, err := Merge(context.Background(), failingStore{s}, scopeU1, mustParse(t, `<tv>
  <channel id="bbc1"><display-name>Changed</display-name></channel>
  <channel id="bbc2"><display-name>BBC Two</display-name></channel>
  <programme start="20240101150000 +0000" channel="bbc2"><title>Film</title></programme>
</tv>`))
	if err == nil {
		t.Fatal("expected error")
	}

	if st := countScope(t, s, scopeU1); st != (store.ScopeStats{Channels: 1, Programmes: 2}) {
		t.Errorf("store changed after failed merge: %+v", st)
	}
	ch, err := s.GetChannel(context.Background(), scopeU1, "bbc1")
	if err != nil {
		t.Fatal(err)
	}
	if ch.DisplayName() != "BBC One" {
		t.Errorf("channel update not rolled back: %q", ch.DisplayName())
	}
}

func TestMergeUpdatesMetrics(t *testing.T) {
	s := newTestStore(t)
	newBefore := testutil.ToFloat64(metrics.MergedChannels.WithLabelValues("new"))
	progsBefore := testutil.ToFloat64(metrics.MergedProgrammes)

	mustMerge(t, s, scopeU1, scenarioDoc)

	if got := testutil.ToFloat64(metrics.MergedChannels.WithLabelValues("new")) - newBefore; got != 1 {
		t.Errorf("new channels metric delta = %v", got)
	}
	if got := testutil.ToFloat64(metrics.MergedProgrammes) - progsBefore; got != 2 {
		t.Errorf("programmes metric delta = %v", got)
	}
}

func TestMergeConcurrentSameScope(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		testConcurrentMerge(t, newTestStore(t), scopeU1)
	})
	t.Run("postgres", func(t *testing.T) {
		dsn := os.Getenv("EPGVAULT_TEST_DATABASE_URL")
		if dsn == "" {
			t.Skip("EPGVAULT_TEST_DATABASE_URL not set")
		}
		db, err := store.Open(context.Background(), dsn)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(db.Close)
		scope := models.Scope{AccountID: "merge-" + uuid.NewString(), ServerID: 1}
		t.Cleanup(func() { db.DeleteScope(context.Background(), scope) })
		testConcurrentMerge(t, db, scope)
	})
}

func testConcurrentMerge(t *testing.T, s store.Store, scope models.Scope) {
	const n = 8
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			chans, err := xmltv.ParseString(scenarioDoc)
			if err != nil {
				return err
			}
			_, err = Merge(context.Background(), s, scope, chans)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent merge: %v", err)
	}
	if st := countScope(t, s, scope); st != (store.ScopeStats{Channels: 1, Programmes: 2}) {
		t.Errorf("after %d concurrent merges: %+v", n, st)
	}
	ch, err := s.GetChannel(context.Background(), scope, "bbc1")
	if err != nil {
		t.Fatal(err)
	}
	progs, err := s.ListProgrammes(context.Background(), ch.ID, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if got := titles(progs); !reflect.DeepEqual(got, []string{"News", "Weather"}) {
		t.Errorf("titles = %v", got)
	}
}
