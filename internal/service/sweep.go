package service

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/voyagen/epgvault/internal/cache"
	"github.com/voyagen/epgvault/internal/models"
	"github.com/voyagen/epgvault/internal/store"
)

// ScopeRefresher refreshes one scope. *Refresher implements it.
type ScopeRefresher interface {
	Refresh(ctx context.Context, scope models.Scope, url string) (*RefreshResult, error)
}

// SweepReport counts the outcome of one sweep.
type SweepReport struct {
	Scopes    int `json:"scopes"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Sweeper refreshes every server of every account in the directory.
type Sweeper struct {
	dir       store.Directory
	refresher ScopeRefresher
	workers   int
	log       *logrus.Entry

	// OnError, when set, is called for every failed scope after logging.
	OnError func(scope models.Scope, err error)
}

// NewSweeper creates a Sweeper running at most workers refreshes at once.
func NewSweeper(dir store.Directory, r ScopeRefresher, workers int, log *logrus.Entry) *Sweeper {
	if workers < 1 {
		workers = 1
	}
	return &Sweeper{dir: dir, refresher: r, workers: workers, log: log.WithField("component", "sweeper")}
}

// Run performs one sweep. A failing scope is logged and counted; it never
// stops the others. Servers without an EPG url are skipped, as are scopes
// whose refresh lock is held elsewhere.
func (s *Sweeper) Run(ctx context.Context) SweepReport {
	var (
		mu  sync.Mutex
		rep SweepReport
		g   errgroup.Group
	)
	g.SetLimit(s.workers)

	accounts, err := s.dir.ListAccounts(ctx)
	if err != nil {
		s.log.WithError(err).Error("list accounts")
		rep.Failed++
		return rep
	}

sweep:
	for _, acct := range accounts {
		servers, err := s.dir.ListServers(ctx, acct.ID)
		if err != nil {
			s.log.WithError(err).WithField("account_id", acct.ID).Error("list servers")
			mu.Lock()
			rep.Failed++
			mu.Unlock()
			continue
		}
		for _, srv := range servers {
			if ctx.Err() != nil {
				break sweep
			}
			mu.Lock()
			rep.Scopes++
			if srv.EPGURL == "" {
				rep.Skipped++
				mu.Unlock()
				continue
			}
			mu.Unlock()

			scope, url := srv.Scope(), srv.EPGURL
			g.Go(func() error {
				_, err := s.refresher.Refresh(ctx, scope, url)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					rep.Succeeded++
				case errors.Is(err, cache.ErrLocked):
					rep.Skipped++
					s.log.WithFields(logrus.Fields{"account_id": scope.AccountID, "server_id": scope.ServerID}).
						Info("refresh already running elsewhere, skipped")
				default:
					rep.Failed++
					s.log.WithError(err).WithFields(logrus.Fields{
						"account_id": scope.AccountID,
						"server_id":  scope.ServerID,
						"url":        url,
					}).Error("scope refresh failed")
					if s.OnError != nil {
						s.OnError(scope, err)
					}
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	s.log.WithFields(logrus.Fields{
		"scopes":    rep.Scopes,
		"succeeded": rep.Succeeded,
		"failed":    rep.Failed,
		"skipped":   rep.Skipped,
	}).Info("sweep finished")
	return rep
}
