package store

import (
	"context"
	"errors"

	"github.com/voyagen/epgvault/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Tx is the set of write primitives available inside a scope transaction.
// Channel slices passed in and returned carry no programmes.
type Tx interface {
	// ChannelsByExternalIDs returns the scope's channels whose xmltv id is in ids.
	ChannelsByExternalIDs(ctx context.Context, scope models.Scope, ids []string) ([]models.Channel, error)
	// InsertChannels creates channel rows in scope. Ids are assigned by the
	// store; callers re-fetch to learn them.
	InsertChannels(ctx context.Context, scope models.Scope, channels []models.Channel) error
	// UpdateChannels overwrites display names, icons and urls of channels by
	// id and bumps updated_at.
	UpdateChannels(ctx context.Context, channels []models.Channel) error
	// DeleteProgrammes removes every programme of the given channels.
	DeleteProgrammes(ctx context.Context, channelIDs []int64) (int64, error)
	// InsertProgrammes stores programmes; each must carry its ChannelID.
	InsertProgrammes(ctx context.Context, programmes []models.Programme) (int64, error)
}

// Directory is the read-only account/server listing that drives refreshes.
type Directory interface {
	ListAccounts(ctx context.Context) ([]models.Account, error)
	ListServers(ctx context.Context, accountID string) ([]models.Server, error)
	// GetServer returns ErrNotFound if the server does not exist.
	GetServer(ctx context.Context, accountID string, serverID int64) (*models.Server, error)
}

// Registrar records directory entries. It is used to seed accounts and
// servers from configuration; the directory is otherwise owned elsewhere.
type Registrar interface {
	UpsertAccount(ctx context.Context, a models.Account) error
	UpsertServer(ctx context.Context, s models.Server) error
}

// Store defines persistence for EPG channels and programmes, partitioned by
// scope, plus the account/server directory.
type Store interface {
	Directory

	// WithScopeTx runs fn in a single write transaction. Transactions for the
	// same scope are serialized. The transaction commits only if fn returns nil.
	WithScopeTx(ctx context.Context, scope models.Scope, fn func(tx Tx) error) error

	// GetChannel returns a channel by xmltv id, or ErrNotFound.
	GetChannel(ctx context.Context, scope models.Scope, xmltvID string) (*models.Channel, error)
	// ListChannels returns the scope's channels ordered by xmltv id.
	ListChannels(ctx context.Context, scope models.Scope) ([]models.Channel, error)
	// ListProgrammes returns a channel's programmes with start in [start, end],
	// ordered by start then id. Empty bounds are unbounded.
	ListProgrammes(ctx context.Context, channelID int64, start, end string) ([]models.Programme, error)
	// CurrentProgramme returns the programme with start <= at < stop, or nil.
	CurrentProgramme(ctx context.Context, channelID int64, at string) (*models.Programme, error)
	// NextProgramme returns the earliest programme with start > at, or nil.
	NextProgramme(ctx context.Context, channelID int64, at string) (*models.Programme, error)

	// CountScope returns channel and programme counts for scope.
	CountScope(ctx context.Context, scope models.Scope) (ScopeStats, error)
	// DeleteScope removes all channels and programmes for scope.
	DeleteScope(ctx context.Context, scope models.Scope) (ScopeStats, error)
}

// ScopeStats holds row counts for one scope.
type ScopeStats struct {
	Channels   int64 `json:"channels"`
	Programmes int64 `json:"programmes"`
}
