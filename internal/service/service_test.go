package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/voyagen/epgvault/internal/logging"
	"github.com/voyagen/epgvault/internal/models"
	"github.com/voyagen/epgvault/internal/store"
	"github.com/voyagen/epgvault/internal/xmltv"
)

const scenarioDoc = `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <channel id="bbc1">
    <display-name lang="en">BBC One</display-name>
  </channel>
  <programme start="20240101120000 +0000" stop="20240101130000 +0000" channel="bbc1">
    <title>News</title>
  </programme>
  <programme start="20240101130000 +0000" stop="20240101140000 +0000" channel="bbc1">
    <title>Weather</title>
  </programme>
</tv>`

var scopeU1 = models.Scope{AccountID: "u1", ServerID: 1}

func newTestStore(t *testing.T) store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "epg.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func mustParse(t *testing.T, doc string) []*models.Channel {
	t.Helper()
	chans, err := xmltv.ParseString(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return chans
}

func mustMerge(t *testing.T, s store.Store, scope models.Scope, doc string) *MergeResult {
	t.Helper()
	res, err := Merge(context.Background(), s, scope, mustParse(t, doc))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	return res
}

func countScope(t *testing.T, s store.Store, scope models.Scope) store.ScopeStats {
	t.Helper()
	st, err := s.CountScope(context.Background(), scope)
	if err != nil {
		t.Fatalf("CountScope: %v", err)
	}
	return st
}

func titles(progs []models.Programme) []string {
	out := make([]string, len(progs))
	for i := range progs {
		out[i] = progs[i].Title()
	}
	return out
}

var quietLog = logging.Discard()

func titleOrEmpty(p *models.Programme) string {
	if p == nil {
		return ""
	}
	return p.Title()
}
