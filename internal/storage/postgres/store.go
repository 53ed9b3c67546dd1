// Package postgres is the durable sqlx-backed storage implementation.
// The "one active block per network" invariant is enforced by a partial
// unique index on blocks (cidr) WHERE active, so concurrent creates for the
// same network collapse into one row at the database level.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"bhr/internal/models"
	"bhr/internal/storage"
)

// liveCond selects blocks that are active and not past their TTL. Expiry is
// evaluated at read time so an expired-but-unswept block is never visible.
const liveCond = `b.active AND (b.duration <= 0 OR b.created_at + make_interval(secs => b.duration::double precision) > NOW())`

const blockCols = `b.id, b.cidr, b.requested_by, b.source, b.why, b.created_at, b.duration, b.active, b.geo_json`

type Store struct {
	db *sqlx.DB
}

func New(url string) (*Store, error) {
	db, err := sqlx.Connect("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

type blockRow struct {
	ID          string    `db:"id"`
	CIDR        string    `db:"cidr"`
	RequestedBy string    `db:"requested_by"`
	Source      string    `db:"source"`
	Why         string    `db:"why"`
	CreatedAt   time.Time `db:"created_at"`
	Duration    int64     `db:"duration"`
	Active      bool      `db:"active"`
	GeoJSON     []byte    `db:"geo_json"`
}

func (r *blockRow) toModel() *models.Block {
	b := &models.Block{
		ID:          r.ID,
		CIDR:        r.CIDR,
		RequestedBy: r.RequestedBy,
		Source:      r.Source,
		Why:         r.Why,
		CreatedAt:   r.CreatedAt,
		Duration:    r.Duration,
		Active:      r.Active,
	}
	if len(r.GeoJSON) > 0 {
		var geo models.GeoData
		if err := json.Unmarshal(r.GeoJSON, &geo); err == nil {
			b.Geolocation = &geo
		}
	}
	return b
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) CreateBlock(ctx context.Context, block *models.Block) error {
	var geoJSON []byte
	if block.Geolocation != nil {
		geoJSON, _ = json.Marshal(block.Geolocation)
	}

	// An expired-but-unswept row still holds the partial unique index slot.
	// Retire it here so a fresh block for the same network can land.
	_, err := s.db.ExecContext(ctx,
		`UPDATE blocks b SET active = FALSE WHERE b.cidr = $1 AND b.active AND NOT (`+liveCond+`)`,
		block.CIDR)
	if err != nil {
		return fmt.Errorf("retire expired block: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO blocks (id, cidr, requested_by, source, why, created_at, duration, active, geo_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		block.ID, block.CIDR, block.RequestedBy, block.Source, block.Why,
		block.CreatedAt, block.Duration, block.Active, geoJSON)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	return err
}

func (s *Store) getBlock(ctx context.Context, query string, args ...interface{}) (*models.Block, error) {
	var row blockRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (s *Store) GetBlock(ctx context.Context, id string) (*models.Block, error) {
	return s.getBlock(ctx, `SELECT `+blockCols+` FROM blocks b WHERE b.id = $1`, id)
}

func (s *Store) GetBlockByCIDR(ctx context.Context, cidr string) (*models.Block, error) {
	return s.getBlock(ctx,
		`SELECT `+blockCols+` FROM blocks b WHERE b.cidr = $1 ORDER BY b.created_at DESC LIMIT 1`, cidr)
}

func (s *Store) GetActiveBlockByCIDR(ctx context.Context, cidr string) (*models.Block, error) {
	return s.getBlock(ctx,
		`SELECT `+blockCols+` FROM blocks b WHERE b.cidr = $1 AND `+liveCond, cidr)
}

func (s *Store) DeactivateBlock(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE blocks SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`UPDATE blocks SET active = FALSE
		 WHERE active AND duration > 0 AND created_at + make_interval(secs => duration::double precision) <= $1
		 RETURNING id`, now)
	return ids, err
}

func (s *Store) UpsertConfirmation(ctx context.Context, blockID, ident string, confirmedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO confirmations (block_id, ident, confirmed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (block_id, ident) DO UPDATE SET confirmed_at = EXCLUDED.confirmed_at`,
		blockID, ident, confirmedAt)
	return err
}

func (s *Store) ClearConfirmation(ctx context.Context, blockID, ident string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE confirmations SET confirmed_at = NULL WHERE block_id = $1 AND ident = $2`,
		blockID, ident)
	return err
}

func (s *Store) ListConfirmations(ctx context.Context, blockID string) ([]*models.AgentConfirmation, error) {
	var out []*models.AgentConfirmation
	err := s.db.SelectContext(ctx, &out,
		`SELECT block_id, ident, confirmed_at FROM confirmations WHERE block_id = $1 ORDER BY ident`,
		blockID)
	return out, err
}

func (s *Store) listBlocks(ctx context.Context, query string, args ...interface{}) ([]*models.Block, error) {
	var rows []blockRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*models.Block, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *Store) Pending(ctx context.Context) ([]*models.Block, error) {
	return s.listBlocks(ctx,
		`SELECT `+blockCols+` FROM blocks b
		 WHERE `+liveCond+`
		   AND NOT EXISTS (SELECT 1 FROM confirmations c WHERE c.block_id = b.id AND c.confirmed_at IS NOT NULL)
		 ORDER BY b.created_at, b.id`)
}

func (s *Store) Current(ctx context.Context) ([]*models.Block, error) {
	return s.listBlocks(ctx,
		`SELECT `+blockCols+` FROM blocks b
		 WHERE `+liveCond+`
		   AND EXISTS (SELECT 1 FROM confirmations c WHERE c.block_id = b.id AND c.confirmed_at IS NOT NULL)
		 ORDER BY b.created_at, b.id`)
}

func (s *Store) Expected(ctx context.Context) ([]*models.Block, error) {
	return s.listBlocks(ctx,
		`SELECT `+blockCols+` FROM blocks b WHERE `+liveCond+` ORDER BY b.created_at, b.id`)
}

func (s *Store) Queue(ctx context.Context, ident string) ([]*models.Block, error) {
	return s.listBlocks(ctx,
		`SELECT `+blockCols+` FROM blocks b
		 WHERE `+liveCond+`
		   AND NOT EXISTS (SELECT 1 FROM confirmations c
		                   WHERE c.block_id = b.id AND c.ident = $1 AND c.confirmed_at IS NOT NULL)
		 ORDER BY b.created_at, b.id`, ident)
}

func (s *Store) CreateWhitelistEntry(ctx context.Context, entry *models.WhitelistEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO whitelist (id, cidr, who, why, created_at) VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.CIDR, entry.Who, entry.Why, entry.CreatedAt)
	return err
}

func (s *Store) ListWhitelistEntries(ctx context.Context) ([]*models.WhitelistEntry, error) {
	var out []*models.WhitelistEntry
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, cidr, who, why, created_at FROM whitelist ORDER BY created_at`)
	return out, err
}

func (s *Store) DeleteWhitelistEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM whitelist WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) CreateOperator(ctx context.Context, op *models.Operator) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operators (username, password_hash, created_at) VALUES ($1, $2, $3)`,
		op.Username, op.PasswordHash, op.CreatedAt)
	return err
}

func (s *Store) GetOperator(ctx context.Context, username string) (*models.Operator, error) {
	var op models.Operator
	err := s.db.GetContext(ctx, &op,
		`SELECT username, password_hash, created_at FROM operators WHERE username = $1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *Store) CreateAPIToken(ctx context.Context, token *models.APIToken) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		`INSERT INTO api_tokens (token_hash, name, username, allowed_ips, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		token.TokenHash, token.Name, token.Username, token.AllowedIPs, token.CreatedAt, token.ExpiresAt)
	return id, err
}

func (s *Store) GetAPITokenByHash(ctx context.Context, hash string) (*models.APIToken, error) {
	var t models.APIToken
	err := s.db.GetContext(ctx, &t,
		`SELECT id, token_hash, name, username, allowed_ips, created_at, expires_at, last_used
		 FROM api_tokens WHERE token_hash = $1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListAPITokens(ctx context.Context, username string) ([]*models.APIToken, error) {
	var out []*models.APIToken
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, token_hash, name, username, allowed_ips, created_at, expires_at, last_used
		 FROM api_tokens WHERE username = $1 ORDER BY created_at DESC`, username)
	return out, err
}

func (s *Store) DeleteAPIToken(ctx context.Context, id int64, username string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM api_tokens WHERE id = $1 AND username = $2`, id, username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateTokenLastUsed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_tokens SET last_used = NOW() WHERE id = $1`, id)
	return err
}

func (s *Store) LogAction(ctx context.Context, actor, action, target, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (actor, action, target, reason) VALUES ($1, $2, $3, $4)`,
		actor, action, target, reason)
	return err
}

func (s *Store) GetAuditLogs(ctx context.Context, limit int) ([]*models.AuditLog, error) {
	var out []*models.AuditLog
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, timestamp, actor, action, target, reason FROM audit_logs ORDER BY timestamp DESC LIMIT $1`,
		limit)
	return out, err
}
