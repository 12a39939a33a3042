package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store is the sqlite-backed instance store.
type Store struct {
	db     *sql.DB
	cipher Cipher
}

// Open opens (or creates) the database at path, applies migrations and
// returns a ready store. cipher may be nil, in which case refresh tokens
// are stored in clear.
func Open(ctx context.Context, path string, cipher Cipher) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// sqlite allows a single writer; serialising through one connection
	// avoids SQLITE_BUSY under concurrent token updates.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring database: %w", err)
		}
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, cipher: cipher}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const instanceColumns = `id, user_id, service, auth_kind, api_key, access_token,
	refresh_token, token_expires_at, expires_at, status, service_active,
	reauth_required, created_at, last_used_at, use_count`

// Lookup fetches a single instance record. Returns ErrNotFound when the ID
// is unknown.
func (s *Store) Lookup(ctx context.Context, instanceID string) (Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, instanceID)

	var (
		inst           Instance
		tokenExpiresAt sql.NullInt64
		expiresAt      sql.NullInt64
		lastUsedAt     sql.NullInt64
		createdAt      int64
	)
	err := row.Scan(
		&inst.ID, &inst.UserID, &inst.Service, &inst.AuthKind, &inst.APIKey,
		&inst.AccessToken, &inst.RefreshToken, &tokenExpiresAt, &expiresAt,
		&inst.Status, &inst.ServiceActive, &inst.ReauthRequired, &createdAt,
		&lastUsedAt, &inst.UseCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("querying instance: %w", err)
	}

	inst.CreatedAt = time.UnixMilli(createdAt)
	if tokenExpiresAt.Valid {
		inst.TokenExpiresAt = time.UnixMilli(tokenExpiresAt.Int64)
	}
	if expiresAt.Valid {
		inst.ExpiresAt = time.UnixMilli(expiresAt.Int64)
	}
	if lastUsedAt.Valid {
		inst.LastUsedAt = time.UnixMilli(lastUsedAt.Int64)
	}

	if inst.RefreshToken != "" && s.cipher != nil {
		plain, err := s.cipher.DecryptString(inst.RefreshToken, inst.ID)
		if err != nil {
			return Instance{}, fmt.Errorf("decrypting refresh token: %w", err)
		}
		inst.RefreshToken = plain
	}

	return inst, nil
}

// Create inserts a new instance record. Used by provisioning and tests.
func (s *Store) Create(ctx context.Context, inst Instance) error {
	refreshToken := inst.RefreshToken
	if refreshToken != "" && s.cipher != nil {
		var err error
		refreshToken, err = s.cipher.EncryptString(refreshToken, inst.ID)
		if err != nil {
			return fmt.Errorf("encrypting refresh token: %w", err)
		}
	}

	createdAt := inst.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := inst.Status
	if status == "" {
		status = "active"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (
			id, user_id, service, auth_kind, api_key, access_token,
			refresh_token, token_expires_at, expires_at, status,
			service_active, reauth_required, created_at, use_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		inst.ID, inst.UserID, inst.Service, inst.AuthKind, inst.APIKey,
		inst.AccessToken, refreshToken,
		nullableMilli(inst.TokenExpiresAt), nullableMilli(inst.ExpiresAt),
		status, inst.ServiceActive, inst.ReauthRequired,
		createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting instance: %w", err)
	}
	return nil
}

// UpdateTokens persists the result of a refresh exchange and clears the
// re-authentication flag.
func (s *Store) UpdateTokens(ctx context.Context, instanceID string, update TokenUpdate) error {
	refreshToken := update.RefreshToken
	if refreshToken != "" && s.cipher != nil {
		var err error
		refreshToken, err = s.cipher.EncryptString(refreshToken, instanceID)
		if err != nil {
			return fmt.Errorf("encrypting refresh token: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET access_token = ?, refresh_token = ?, token_expires_at = ?,
		    reauth_required = 0
		WHERE id = ?`,
		update.AccessToken, refreshToken, nullableMilli(update.TokenExpiresAt),
		instanceID,
	)
	if err != nil {
		return fmt.Errorf("updating tokens: %w", err)
	}
	return requireRow(res)
}

// RecordUsage bumps the usage counters. Callers treat failures as
// non-fatal; they are reported for logging only.
func (s *Store) RecordUsage(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET last_used_at = ?, use_count = use_count + 1
		WHERE id = ?`,
		time.Now().UnixMilli(), instanceID,
	)
	if err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	return nil
}

// MarkReauthRequired flags the instance so every resolution reports
// re-authentication until the OAuth flow is restarted.
func (s *Store) MarkReauthRequired(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET reauth_required = 1 WHERE id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("flagging re-authentication: %w", err)
	}
	return requireRow(res)
}

// SetStatus changes the instance lifecycle status. The caller is
// responsible for pushing the change into the credential cache.
func (s *Store) SetStatus(ctx context.Context, instanceID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = ? WHERE id = ?`, status, instanceID)
	if err != nil {
		return fmt.Errorf("setting status: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		log.Warn().Err(err).Msg("rows-affected unavailable")
		return nil
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
