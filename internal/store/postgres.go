package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voyagen/epgvault/internal/models"
)

// Postgres implements Store using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store from a DSN. Caller must call Close when done.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// WithScopeTx runs fn in a transaction holding the scope's advisory lock,
// so merges into the same scope queue behind each other.
func (p *Postgres) WithScopeTx(ctx context.Context, scope models.Scope, fn func(tx Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s: %w", scope, err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "epg:"+scope.String()); err != nil {
		return fmt.Errorf("lock %s: %w", scope, err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", scope, err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ChannelsByExternalIDs(ctx context.Context, scope models.Scope, ids []string) ([]models.Channel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+channelColumns+` FROM channels
		 WHERE account_id = $1 AND server_id = $2 AND xmltv_id = ANY($3)`,
		scope.AccountID, scope.ServerID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("ChannelsByExternalIDs: %w", err)
	}
	chans, err := collectPgChannels(rows)
	if err != nil {
		return nil, fmt.Errorf("ChannelsByExternalIDs: %w", err)
	}
	return chans, nil
}

func (t *pgTx) InsertChannels(ctx context.Context, scope models.Scope, channels []models.Channel) error {
	if len(channels) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(channels))
	for i := range channels {
		names, icons, urls, err := channelValues(&channels[i])
		if err != nil {
			return fmt.Errorf("InsertChannels: %w", err)
		}
		rows = append(rows, []any{scope.AccountID, scope.ServerID, channels[i].XMLTVID, names, icons, urls})
	}
	_, err := t.tx.CopyFrom(ctx, pgx.Identifier{"channels"},
		[]string{"account_id", "server_id", "xmltv_id", "display_names", "icons", "urls"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("InsertChannels: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateChannels(ctx context.Context, channels []models.Channel) error {
	if len(channels) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range channels {
		names, icons, urls, err := channelValues(&channels[i])
		if err != nil {
			return fmt.Errorf("UpdateChannels: %w", err)
		}
		batch.Queue(`UPDATE channels SET display_names = $1, icons = $2, urls = $3, updated_at = NOW() WHERE id = $4`,
			names, icons, urls, channels[i].ID)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("UpdateChannels: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteProgrammes(ctx context.Context, channelIDs []int64) (int64, error) {
	if len(channelIDs) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM programmes WHERE channel_id = ANY($1)`, channelIDs)
	if err != nil {
		return 0, fmt.Errorf("DeleteProgrammes: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) InsertProgrammes(ctx context.Context, programmes []models.Programme) (int64, error) {
	if len(programmes) == 0 {
		return 0, nil
	}
	i := 0
	var encodeErr error
	src := pgx.CopyFromFunc(func() ([]any, error) {
		if i >= len(programmes) {
			return nil, nil
		}
		row, err := programmeValues(&programmes[i])
		if err != nil {
			encodeErr = err
			return nil, err
		}
		i++
		return row, nil
	})
	n, err := t.tx.CopyFrom(ctx, pgx.Identifier{"programmes"}, programmeInsertColumns, src)
	if encodeErr != nil {
		return n, fmt.Errorf("InsertProgrammes: %w", encodeErr)
	}
	if err != nil {
		return n, fmt.Errorf("InsertProgrammes: %w", err)
	}
	return n, nil
}

// GetChannel returns a channel by xmltv id within scope.
func (p *Postgres) GetChannel(ctx context.Context, scope models.Scope, xmltvID string) (*models.Channel, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE account_id = $1 AND server_id = $2 AND xmltv_id = $3`,
		scope.AccountID, scope.ServerID, xmltvID,
	)
	ch, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetChannel: %w", err)
	}
	return ch, nil
}

// ListChannels returns the scope's channels ordered by xmltv id.
func (p *Postgres) ListChannels(ctx context.Context, scope models.Scope) ([]models.Channel, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE account_id = $1 AND server_id = $2 ORDER BY xmltv_id COLLATE "C"`,
		scope.AccountID, scope.ServerID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListChannels: %w", err)
	}
	chans, err := collectPgChannels(rows)
	if err != nil {
		return nil, fmt.Errorf("ListChannels: %w", err)
	}
	return chans, nil
}

// ListProgrammes returns programmes with start in [start, end].
func (p *Postgres) ListProgrammes(ctx context.Context, channelID int64, start, end string) ([]models.Programme, error) {
	query := `SELECT ` + programmeColumns + ` FROM programmes WHERE channel_id = $1`
	args := []any{channelID}
	if start != "" {
		args = append(args, start)
		query += fmt.Sprintf(` AND start_time >= $%d`, len(args))
	}
	if end != "" {
		args = append(args, end)
		query += fmt.Sprintf(` AND start_time <= $%d`, len(args))
	}
	query += ` ORDER BY start_time, id`
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListProgrammes: %w", err)
	}
	defer rows.Close()
	var out []models.Programme
	for rows.Next() {
		prog, err := scanProgramme(rows)
		if err != nil {
			return nil, fmt.Errorf("ListProgrammes: %w", err)
		}
		out = append(out, *prog)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListProgrammes: %w", err)
	}
	return out, nil
}

// CurrentProgramme returns the programme airing at at, or nil.
func (p *Postgres) CurrentProgramme(ctx context.Context, channelID int64, at string) (*models.Programme, error) {
	return p.oneProgramme(ctx, "CurrentProgramme",
		`SELECT `+programmeColumns+` FROM programmes
		 WHERE channel_id = $1 AND start_time <= $2 AND stop_time > $2
		 ORDER BY start_time DESC, id DESC LIMIT 1`,
		channelID, at)
}

// NextProgramme returns the first programme starting after at, or nil.
func (p *Postgres) NextProgramme(ctx context.Context, channelID int64, at string) (*models.Programme, error) {
	return p.oneProgramme(ctx, "NextProgramme",
		`SELECT `+programmeColumns+` FROM programmes
		 WHERE channel_id = $1 AND start_time > $2
		 ORDER BY start_time, id LIMIT 1`,
		channelID, at)
}

func (p *Postgres) oneProgramme(ctx context.Context, op, query string, args ...any) (*models.Programme, error) {
	prog, err := scanProgramme(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return prog, nil
}

// CountScope returns channel and programme counts for scope.
func (p *Postgres) CountScope(ctx context.Context, scope models.Scope) (ScopeStats, error) {
	var st ScopeStats
	err := p.pool.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM channels WHERE account_id = $1 AND server_id = $2),
		   (SELECT COUNT(*) FROM programmes p JOIN channels c ON c.id = p.channel_id
		     WHERE c.account_id = $1 AND c.server_id = $2)`,
		scope.AccountID, scope.ServerID,
	).Scan(&st.Channels, &st.Programmes)
	if err != nil {
		return st, fmt.Errorf("CountScope: %w", err)
	}
	return st, nil
}

// DeleteScope removes all channels and programmes for scope under the
// scope's advisory lock.
func (p *Postgres) DeleteScope(ctx context.Context, scope models.Scope) (ScopeStats, error) {
	var st ScopeStats
	err := p.WithScopeTx(ctx, scope, func(tx Tx) error {
		pt := tx.(*pgTx)
		tag, err := pt.tx.Exec(ctx,
			`DELETE FROM programmes WHERE channel_id IN (SELECT id FROM channels WHERE account_id = $1 AND server_id = $2)`,
			scope.AccountID, scope.ServerID)
		if err != nil {
			return fmt.Errorf("DeleteScope programmes: %w", err)
		}
		st.Programmes = tag.RowsAffected()
		tag, err = pt.tx.Exec(ctx, `DELETE FROM channels WHERE account_id = $1 AND server_id = $2`,
			scope.AccountID, scope.ServerID)
		if err != nil {
			return fmt.Errorf("DeleteScope channels: %w", err)
		}
		st.Channels = tag.RowsAffected()
		return nil
	})
	return st, err
}

// ListAccounts returns all accounts ordered by id.
func (p *Postgres) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, name, created_at FROM accounts ORDER BY id`)
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
func (p *Postgres) ListServers(ctx context.Context, accountID string) ([]models.Server, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT account_id, id, name, epg_url FROM servers WHERE account_id = $1 ORDER BY id`, accountID)
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
func (p *Postgres) GetServer(ctx context.Context, accountID string, serverID int64) (*models.Server, error) {
	var srv models.Server
	err := p.pool.QueryRow(ctx,
		`SELECT account_id, id, name, epg_url FROM servers WHERE account_id = $1 AND id = $2`,
		accountID, serverID,
	).Scan(&srv.AccountID, &srv.ID, &srv.Name, &srv.EPGURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetServer: %w", err)
	}
	return &srv, nil
}

// UpsertAccount creates or renames an account.
func (p *Postgres) UpsertAccount(ctx context.Context, a models.Account) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO accounts (id, name) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		a.ID, a.Name)
	if err != nil {
		return fmt.Errorf("UpsertAccount: %w", err)
	}
	return nil
}

// UpsertServer creates or updates a server; its account must exist.
func (p *Postgres) UpsertServer(ctx context.Context, srv models.Server) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO servers (account_id, id, name, epg_url) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, id) DO UPDATE SET name = EXCLUDED.name, epg_url = EXCLUDED.epg_url`,
		srv.AccountID, srv.ID, srv.Name, srv.EPGURL)
	if err != nil {
		return fmt.Errorf("UpsertServer: %w", err)
	}
	return nil
}

func collectPgChannels(rows pgx.Rows) ([]models.Channel, error) {
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
