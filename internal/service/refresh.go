package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voyagen/epgvault/internal/cache"
	"github.com/voyagen/epgvault/internal/fetcher"
	"github.com/voyagen/epgvault/internal/metrics"
	"github.com/voyagen/epgvault/internal/models"
	"github.com/voyagen/epgvault/internal/store"
	"github.com/voyagen/epgvault/internal/xmltv"
)

// Refresh failure classes. Errors returned by Refresh wrap one of these
// together with the underlying cause.
var (
	ErrFetch   = errors.New("epg fetch failed")
	ErrParse   = errors.New("epg parse failed")
	ErrStorage = errors.New("epg storage failed")
)

// RefreshResult summarizes one scope refresh.
type RefreshResult struct {
	Channels        int   `json:"channels"`
	Programmes      int64 `json:"programmes"`
	NewChannels     int   `json:"new_channels"`
	UpdatedChannels int   `json:"updated_channels"`
	Downloaded      bool  `json:"downloaded"`
	Bytes           int64 `json:"bytes"`
}

// RefreshOptions configures a Refresher.
type RefreshOptions struct {
	CacheRoot       string
	FreshnessWindow time.Duration
	Timeout         time.Duration
	UserAgent       string
	// Lock, when set, guards each scope refresh with a Redis lock so only one
	// process refreshes a scope at a time.
	Lock *cache.Redis
}

// Refresher downloads, parses and merges the XMLTV feed of one scope.
type Refresher struct {
	store store.Store
	opts  RefreshOptions
	log   *logrus.Entry
	now   func() time.Time
}

// NewRefresher creates a Refresher writing into s.
func NewRefresher(s store.Store, opts RefreshOptions, log *logrus.Entry) *Refresher {
	return &Refresher{store: s, opts: opts, log: log.WithField("component", "refresher"), now: time.Now}
}

// Refresh brings scope's stored EPG up to date with the feed at url.
// The cached copy of the feed is reused while it is fresh; otherwise the
// feed is downloaded first. A failed download leaves the store untouched.
// If another process holds the scope's lock, cache.ErrLocked is returned.
func (r *Refresher) Refresh(ctx context.Context, scope models.Scope, url string) (*RefreshResult, error) {
	start := time.Now()
	res, err := r.refresh(ctx, scope, url)
	metrics.RefreshDuration.Observe(time.Since(start).Seconds())
	metrics.RefreshTotal.WithLabelValues(resultLabel(err)).Inc()
	return res, err
}

func (r *Refresher) refresh(ctx context.Context, scope models.Scope, url string) (*RefreshResult, error) {
	log := r.log.WithFields(logrus.Fields{"account_id": scope.AccountID, "server_id": scope.ServerID})
	if url == "" {
		return nil, fmt.Errorf("%w: server %s has no EPG url", ErrFetch, scope)
	}

	if r.opts.Lock != nil {
		unlock, err := cache.TryLock(ctx, r.opts.Lock, cache.RefreshLockKey(scope), cache.RefreshLockTTL)
		switch {
		case errors.Is(err, cache.ErrLocked):
			return nil, err
		case err != nil:
			log.WithError(err).Warn("refresh lock unavailable, continuing without it")
		default:
			defer unlock()
		}
	}

	res := &RefreshResult{}
	path := fetcher.CachePath(r.opts.CacheRoot, scope.AccountID, scope.ServerID)
	if !fetcher.IsFresh(path, r.opts.FreshnessWindow, r.now()) {
		n, err := fetcher.Download(ctx, url, path, r.opts.UserAgent, r.opts.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFetch, err)
		}
		res.Downloaded, res.Bytes = true, n
		metrics.FetchBytes.Add(float64(n))
		log.WithFields(logrus.Fields{"url": url, "bytes": n}).Debug("epg downloaded")
	}

	channels, err := xmltv.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrParse, path, err)
	}

	m, err := Merge(ctx, r.store, scope, channels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	res.Channels = len(channels)
	res.NewChannels = m.NewChannels
	res.UpdatedChannels = m.UpdatedChannels
	res.Programmes = m.Programmes

	log.WithFields(logrus.Fields{
		"channels":   res.Channels,
		"programmes": res.Programmes,
		"downloaded": res.Downloaded,
	}).Info("epg refreshed")
	return res, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, cache.ErrLocked):
		return metrics.ResultLocked
	case errors.Is(err, ErrFetch):
		return metrics.ResultFetchError
	case errors.Is(err, ErrParse):
		return metrics.ResultParseError
	default:
		return metrics.ResultStorageError
	}
}
