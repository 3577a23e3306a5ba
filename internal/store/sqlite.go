package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/voyagen/epgvault/internal/models"

	_ "modernc.org/sqlite"
)

// sqliteMaxVars keeps IN lists well under SQLite's bound-parameter limit.
const sqliteMaxVars = 500

// SQLite implements Store on an embedded SQLite database.
//
// Every transaction is opened with BEGIN IMMEDIATE, so writers are serialized
// database-wide; that covers the per-scope serialization WithScopeTx promises.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the SQLite database named by dsn (sqlite://<path> or
// file:<path>). Caller must call Close when done.
func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &SQLite{db: db}, nil
}

// sqliteDSN converts a configured URL into a modernc.org/sqlite DSN with
// foreign keys, WAL and immediate write transactions enabled.
func sqliteDSN(dsn string) string {
	path := strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite://"), "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	return "file:" + path +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

// Close closes the database.
func (s *SQLite) Close() {
	s.db.Close()
}

// WithScopeTx runs fn inside one immediate transaction.
func (s *SQLite) WithScopeTx(ctx context.Context, scope models.Scope, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", scope, err)
	}
	defer tx.Rollback()
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", scope, err)
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) ChannelsByExternalIDs(ctx context.Context, scope models.Scope, ids []string) ([]models.Channel, error) {
	var out []models.Channel
	for _, part := range chunk(ids, sqliteMaxVars) {
		args := []any{scope.AccountID, scope.ServerID}
		for _, id := range part {
			args = append(args, id)
		}
		rows, err := t.tx.QueryContext(ctx,
			`SELECT `+channelColumns+` FROM channels
			 WHERE account_id = ? AND server_id = ? AND xmltv_id IN (`+placeholders(len(part))+`)`,
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("ChannelsByExternalIDs: %w", err)
		}
		chans, err := collectChannels(rows)
		if err != nil {
			return nil, fmt.Errorf("ChannelsByExternalIDs: %w", err)
		}
		out = append(out, chans...)
	}
	return out, nil
}

func (t *sqliteTx) InsertChannels(ctx context.Context, scope models.Scope, channels []models.Channel) error {
	if len(channels) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO channels (account_id, server_id, xmltv_id, display_names, icons, urls) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("InsertChannels: %w", err)
	}
	defer stmt.Close()
	for i := range channels {
		names, icons, urls, err := channelValues(&channels[i])
		if err != nil {
			return fmt.Errorf("InsertChannels: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, scope.AccountID, scope.ServerID, channels[i].XMLTVID, names, icons, urls); err != nil {
			return fmt.Errorf("InsertChannels %q: %w", channels[i].XMLTVID, err)
		}
	}
	return nil
}

func (t *sqliteTx) UpdateChannels(ctx context.Context, channels []models.Channel) error {
	if len(channels) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		`UPDATE channels SET display_names = ?, icons = ?, urls = ?, updated_at = unixepoch() WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("UpdateChannels: %w", err)
	}
	defer stmt.Close()
	for i := range channels {
		names, icons, urls, err := channelValues(&channels[i])
		if err != nil {
			return fmt.Errorf("UpdateChannels: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, names, icons, urls, channels[i].ID); err != nil {
			return fmt.Errorf("UpdateChannels %d: %w", channels[i].ID, err)
		}
	}
	return nil
}

func (t *sqliteTx) DeleteProgrammes(ctx context.Context, channelIDs []int64) (int64, error) {
	var total int64
	for _, part := range chunk(channelIDs, sqliteMaxVars) {
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		res, err := t.tx.ExecContext(ctx,
			`DELETE FROM programmes WHERE channel_id IN (`+placeholders(len(part))+`)`, args...)
		if err != nil {
			return total, fmt.Errorf("DeleteProgrammes: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (t *sqliteTx) InsertProgrammes(ctx context.Context, programmes []models.Programme) (int64, error) {
	if len(programmes) == 0 {
		return 0, nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO programmes (`+strings.Join(programmeInsertColumns, ", ")+`)
		 VALUES (`+placeholders(len(programmeInsertColumns))+`)`)
	if err != nil {
		return 0, fmt.Errorf("InsertProgrammes: %w", err)
	}
	defer stmt.Close()
	var n int64
	for i := range programmes {
		args, err := programmeValues(&programmes[i])
		if err != nil {
			return n, fmt.Errorf("InsertProgrammes: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return n, fmt.Errorf("InsertProgrammes: %w", err)
		}
		n++
	}
	return n, nil
}

// GetChannel returns a channel by xmltv id within scope.
func (s *SQLite) GetChannel(ctx context.Context, scope models.Scope, xmltvID string) (*models.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE account_id = ? AND server_id = ? AND xmltv_id = ?`,
		scope.AccountID, scope.ServerID, xmltvID,
	)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetChannel: %w", err)
	}
	return ch, nil
}

// ListChannels returns the scope's channels ordered by xmltv id.
func (s *SQLite) ListChannels(ctx context.Context, scope models.Scope) ([]models.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE account_id = ? AND server_id = ? ORDER BY xmltv_id`,
		scope.AccountID, scope.ServerID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListChannels: %w", err)
	}
	chans, err := collectChannels(rows)
	if err != nil {
		return nil, fmt.Errorf("ListChannels: %w", err)
	}
	return chans, nil
}

// ListProgrammes returns programmes with start in [start, end].
func (s *SQLite) ListProgrammes(ctx context.Context, channelID int64, start, end string) ([]models.Programme, error) {
	query := `SELECT ` + programmeColumns + ` FROM programmes WHERE channel_id = ?`
	args := []any{channelID}
	if start != "" {
		query += ` AND start_time >= ?`
		args = append(args, start)
	}
	if end != "" {
		query += ` AND start_time <= ?`
		args = append(args, end)
	}
	query += ` ORDER BY start_time, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListProgrammes: %w", err)
	}
	progs, err := collectProgrammes(rows)
	if err != nil {
		return nil, fmt.Errorf("ListProgrammes: %w", err)
	}
	return progs, nil
}

// CurrentProgramme returns the programme airing at at, or nil.
func (s *SQLite) CurrentProgramme(ctx context.Context, channelID int64, at string) (*models.Programme, error) {
	return s.oneProgramme(ctx, "CurrentProgramme",
		`SELECT `+programmeColumns+` FROM programmes
		 WHERE channel_id = ? AND start_time <= ? AND stop_time > ?
		 ORDER BY start_time DESC, id DESC LIMIT 1`,
		channelID, at, at)
}

// NextProgramme returns the first programme starting after at, or nil.
func (s *SQLite) NextProgramme(ctx context.Context, channelID int64, at string) (*models.Programme, error) {
	return s.oneProgramme(ctx, "NextProgramme",
		`SELECT `+programmeColumns+` FROM programmes
		 WHERE channel_id = ? AND start_time > ?
		 ORDER BY start_time, id LIMIT 1`,
		channelID, at)
}

func (s *SQLite) oneProgramme(ctx context.Context, op, query string, args ...any) (*models.Programme, error) {
	p, err := scanProgramme(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

// CountScope returns channel and programme counts for scope.
func (s *SQLite) CountScope(ctx context.Context, scope models.Scope) (ScopeStats, error) {
	var st ScopeStats
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM channels WHERE account_id = ? AND server_id = ?),
		   (SELECT COUNT(*) FROM programmes p JOIN channels c ON c.id = p.channel_id
		     WHERE c.account_id = ? AND c.server_id = ?)`,
		scope.AccountID, scope.ServerID, scope.AccountID, scope.ServerID,
	).Scan(&st.Channels, &st.Programmes)
	if err != nil {
		return st, fmt.Errorf("CountScope: %w", err)
	}
	return st, nil
}

// DeleteScope removes all channels and programmes for scope.
func (s *SQLite) DeleteScope(ctx context.Context, scope models.Scope) (ScopeStats, error) {
	var st ScopeStats
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return st, fmt.Errorf("DeleteScope: %w", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		`DELETE FROM programmes WHERE channel_id IN (SELECT id FROM channels WHERE account_id = ? AND server_id = ?)`,
		scope.AccountID, scope.ServerID)
	if err != nil {
		return st, fmt.Errorf("DeleteScope programmes: %w", err)
	}
	st.Programmes, _ = res.RowsAffected()
	res, err = tx.ExecContext(ctx, `DELETE FROM channels WHERE account_id = ? AND server_id = ?`,
		scope.AccountID, scope.ServerID)
	if err != nil {
		return st, fmt.Errorf("DeleteScope channels: %w", err)
	}
	st.Channels, _ = res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return st, fmt.Errorf("DeleteScope commit: %w", err)
	}
	return st, nil
}

// ListAccounts returns all accounts ordered by id.
func (s *SQLite) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ListAccounts: %w", err)
	}
	defer rows.Close()
	var out []models.Account
	for rows.Next() {
		var a models.Account
		var created timestamp
		if err := rows.Scan(&a.ID, &a.Name, &created); err != nil {
			return nil, fmt.Errorf("ListAccounts: %w", err)
		}
		a.CreatedAt = created.t
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListServers returns the account's servers ordered by id.
func (s *SQLite) ListServers(ctx context.Context, accountID string) ([]models.Server, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, id, name, epg_url FROM servers WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("ListServers: %w", err)
	}
	defer rows.Close()
	var out []models.Server
	for rows.Next() {
		var srv models.Server
		if err := rows.Scan(&srv.AccountID, &srv.ID, &srv.Name, &srv.EPGURL); err != nil {
			return nil, fmt.Errorf("ListServers: %w", err)
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// GetServer returns one server, or ErrNotFound.
func (s *SQLite) GetServer(ctx context.Context, accountID string, serverID int64) (*models.Server, error) {
	var srv models.Server
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, id, name, epg_url FROM servers WHERE account_id = ? AND id = ?`,
		accountID, serverID,
	).Scan(&srv.AccountID, &srv.ID, &srv.Name, &srv.EPGURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetServer: %w", err)
	}
	return &srv, nil
}

// UpsertAccount creates or renames an account.
func (s *SQLite) UpsertAccount(ctx context.Context, a models.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		a.ID, a.Name)
	if err != nil {
		return fmt.Errorf("UpsertAccount: %w", err)
	}
	return nil
}

// UpsertServer creates or updates a server; its account must exist.
func (s *SQLite) UpsertServer(ctx context.Context, srv models.Server) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (account_id, id, name, epg_url) VALUES (?, ?, ?, ?)
		 ON CONFLICT (account_id, id) DO UPDATE SET name = excluded.name, epg_url = excluded.epg_url`,
		srv.AccountID, srv.ID, srv.Name, srv.EPGURL)
	if err != nil {
		return fmt.Errorf("UpsertServer: %w", err)
	}
	return nil
}

func collectChannels(rows *sql.Rows) ([]models.Channel, error) {
	defer rows.Close()
	var out []models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

func collectProgrammes(rows *sql.Rows) ([]models.Programme, error) {
	defer rows.Close()
	var out []models.Programme
	for rows.Next() {
		p, err := scanProgramme(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// placeholders returns n comma-separated "?" markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
