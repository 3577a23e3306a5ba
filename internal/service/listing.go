package service

import (
	"context"

	"github.com/voyagen/epgvault/internal/models"
	"github.com/voyagen/epgvault/internal/store"
)

// ErrNotFound is returned when a channel does not exist in the scope.
var ErrNotFound = store.ErrNotFound

// NowNext is the programme airing at a moment and the one after it.
// Either may be nil: a feed can have gaps or simply run out.
type NowNext struct {
	Current *models.Programme `json:"current"`
	Next    *models.Programme `json:"next"`
}

// Listing answers read queries over a scope's stored EPG.
type Listing struct {
	store store.Store
}

// NewListing creates a Listing over s.
func NewListing(s store.Store) *Listing {
	return &Listing{store: s}
}

// Channels returns all channels of scope ordered by xmltv id.
func (l *Listing) Channels(ctx context.Context, scope models.Scope) ([]models.Channel, error) {
	return l.store.ListChannels(ctx, scope)
}

// Channel returns one channel by xmltv id, or ErrNotFound.
func (l *Listing) Channel(ctx context.Context, scope models.Scope, xmltvID string) (*models.Channel, error) {
	return l.store.GetChannel(ctx, scope, xmltvID)
}

// ProgrammesForChannel returns the channel's programmes whose start lies in
// [start, end], ascending by start. Empty bounds are open. Times are XMLTV
// timestamps and compare as strings.
func (l *Listing) ProgrammesForChannel(ctx context.Context, scope models.Scope, xmltvID, start, end string) ([]models.Programme, error) {
	ch, err := l.store.GetChannel(ctx, scope, xmltvID)
	if err != nil {
		return nil, err
	}
	progs, err := l.store.ListProgrammes(ctx, ch.ID, start, end)
	if err != nil {
		return nil, err
	}
	for i := range progs {
		progs[i].Channel = ch.XMLTVID
	}
	return progs, nil
}

// CurrentAndNext returns the programme with start <= at < stop and the
// earliest programme starting after at. The two lookups are independent.
func (l *Listing) CurrentAndNext(ctx context.Context, scope models.Scope, xmltvID, at string) (*NowNext, error) {
	ch, err := l.store.GetChannel(ctx, scope, xmltvID)
	if err != nil {
		return nil, err
	}
	cur, err := l.store.CurrentProgramme(ctx, ch.ID, at)
	if err != nil {
		return nil, err
	}
	next, err := l.store.NextProgramme(ctx, ch.ID, at)
	if err != nil {
		return nil, err
	}
	for _, p := range []*models.Programme{cur, next} {
		if p != nil {
			p.Channel = ch.XMLTVID
		}
	}
	return &NowNext{Current: cur, Next: next}, nil
}
