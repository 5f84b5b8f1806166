package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore is the PostgreSQL-backed Store. Conditional updates carry the
// state check in the WHERE clause, so the single-use and single-revoke
// guarantees hold across replicas without advisory locks.
type PGStore struct {
	db          *sql.DB
	codes       *pgCodeStore
	grants      *pgGrantStore
	permissions *pgPermissionStore
}

// OpenPostgres connects, tunes the pool and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string, maxOpen int) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := NewPGStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPGStore wraps an existing connection pool without touching the
// schema. Tests inject their mock through here.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{
		db:          db,
		codes:       &pgCodeStore{db: db},
		grants:      &pgGrantStore{db: db},
		permissions: &pgPermissionStore{db: db},
	}
}

func (s *PGStore) Codes() CodeStore             { return s.codes }
func (s *PGStore) Grants() GrantStore           { return s.grants }
func (s *PGStore) Permissions() PermissionStore { return s.permissions }
func (s *PGStore) Close() error                 { return s.db.Close() }

// EnsureSchema creates the tables when they do not exist yet.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`create table if not exists auth_codes (
			code text primary key,
			user_id text not null,
			client_id text not null,
			redirect_uri text not null,
			scope text not null default '[]',
			code_challenge text not null default '',
			code_challenge_method text not null default '',
			nonce text not null default '',
			created_at timestamptz not null,
			expires_at timestamptz not null,
			used boolean not null default false
		)`,
		`create table if not exists token_grants (
			id text primary key,
			user_id text not null,
			client_id text not null,
			scope text not null default '[]',
			access_token_id text not null,
			refresh_token_hash text not null default '',
			issued_at timestamptz not null,
			expires_at timestamptz not null,
			refresh_expires_at timestamptz not null,
			revoked boolean not null default false
		)`,
		`create index if not exists token_grants_access_token_id_idx on token_grants (access_token_id)`,
		`create table if not exists permission_groups (
			client_id text primary key,
			name text not null default '',
			description text not null default '',
			default_allowed boolean not null default false,
			scopes text not null default '[]',
			created_at timestamptz not null,
			updated_at timestamptz not null
		)`,
		`create table if not exists user_access_grants (
			user_id text not null,
			client_id text not null,
			access text not null,
			custom_scopes text not null default '[]',
			expires_at timestamptz,
			granted_by text not null default '',
			granted_at timestamptz not null,
			notes text not null default '',
			primary key (user_id, client_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func encodeScopes(s ScopeSet) string {
	if s == nil {
		s = ScopeSet{}
	}
	b, _ := json.Marshal(s)
	return string(b)
}

func decodeScopes(raw string) (ScopeSet, error) {
	if raw == "" {
		return ScopeSet{}, nil
	}
	var s ScopeSet
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	return s, nil
}

type pgCodeStore struct {
	db *sql.DB
}

func (s *pgCodeStore) Save(ctx context.Context, code AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx,
		`insert into auth_codes
			(code, user_id, client_id, redirect_uri, scope, code_challenge, code_challenge_method, nonce, created_at, expires_at, used)
		 values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false)`,
		code.Code, code.UserID, code.ClientID, code.RedirectURI, encodeScopes(code.Scope),
		code.CodeChallenge, code.CodeChallengeMethod, code.Nonce, code.CreatedAt, code.ExpiresAt)
	return err
}

func (s *pgCodeStore) Find(ctx context.Context, code string) (AuthorizationCode, error) {
	row := s.db.QueryRowContext(ctx,
		`select code, user_id, client_id, redirect_uri, scope, code_challenge, code_challenge_method, nonce, created_at, expires_at, used
		 from auth_codes where code = $1`, code)

	var rec AuthorizationCode
	var scopes string
	err := row.Scan(&rec.Code, &rec.UserID, &rec.ClientID, &rec.RedirectURI, &scopes,
		&rec.CodeChallenge, &rec.CodeChallengeMethod, &rec.Nonce, &rec.CreatedAt, &rec.ExpiresAt, &rec.Used)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthorizationCode{}, ErrNotFound
	}
	if err != nil {
		return AuthorizationCode{}, err
	}
	if rec.Scope, err = decodeScopes(scopes); err != nil {
		return AuthorizationCode{}, err
	}
	return rec, nil
}

func (s *pgCodeStore) ClaimUnused(ctx context.Context, code string, now time.Time) (AuthorizationCode, error) {
	row := s.db.QueryRowContext(ctx,
		`update auth_codes set used = true
		 where code = $1 and used = false and expires_at > $2
		 returning code, user_id, client_id, redirect_uri, scope, code_challenge, code_challenge_method, nonce, created_at, expires_at`,
		code, now)

	var rec AuthorizationCode
	var scopes string
	err := row.Scan(&rec.Code, &rec.UserID, &rec.ClientID, &rec.RedirectURI, &scopes,
		&rec.CodeChallenge, &rec.CodeChallengeMethod, &rec.Nonce, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthorizationCode{}, ErrNotFound
	}
	if err != nil {
		return AuthorizationCode{}, err
	}
	rec.Used = true
	if rec.Scope, err = decodeScopes(scopes); err != nil {
		return AuthorizationCode{}, err
	}
	return rec, nil
}

func (s *pgCodeStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from auth_codes where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type pgGrantStore struct {
	db *sql.DB
}

const grantColumns = `id, user_id, client_id, scope, access_token_id, refresh_token_hash, issued_at, expires_at, refresh_expires_at, revoked`

func (s *pgGrantStore) Save(ctx context.Context, grant TokenGrant) error {
	_, err := s.db.ExecContext(ctx,
		`insert into token_grants (`+grantColumns+`)
		 values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		grant.ID, grant.UserID, grant.ClientID, encodeScopes(grant.Scope), grant.AccessTokenID,
		grant.RefreshTokenHash, grant.IssuedAt, grant.ExpiresAt, grant.RefreshExpiresAt, grant.Revoked)
	return err
}

func (s *pgGrantStore) scanGrant(row *sql.Row) (TokenGrant, error) {
	var grant TokenGrant
	var scopes string
	err := row.Scan(&grant.ID, &grant.UserID, &grant.ClientID, &scopes, &grant.AccessTokenID,
		&grant.RefreshTokenHash, &grant.IssuedAt, &grant.ExpiresAt, &grant.RefreshExpiresAt, &grant.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenGrant{}, ErrNotFound
	}
	if err != nil {
		return TokenGrant{}, err
	}
	if grant.Scope, err = decodeScopes(scopes); err != nil {
		return TokenGrant{}, err
	}
	return grant, nil
}

func (s *pgGrantStore) Find(ctx context.Context, id string) (TokenGrant, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+grantColumns+` from token_grants where id = $1`, id)
	return s.scanGrant(row)
}

func (s *pgGrantStore) FindByAccessTokenID(ctx context.Context, jti string) (TokenGrant, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+grantColumns+` from token_grants where access_token_id = $1`, jti)
	return s.scanGrant(row)
}

func (s *pgGrantStore) RevokeIfActive(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update token_grants set revoked = true where id = $1 and revoked = false`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`select exists (select 1 from token_grants where id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *pgGrantStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from token_grants where refresh_expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type pgPermissionStore struct {
	db *sql.DB
}

func (s *pgPermissionStore) Group(ctx context.Context, clientID string) (PermissionGroup, error) {
	row := s.db.QueryRowContext(ctx,
		`select client_id, name, description, default_allowed, scopes, created_at, updated_at
		 from permission_groups where client_id = $1`, clientID)
	return scanGroup(row.Scan)
}

func scanGroup(scan func(...any) error) (PermissionGroup, error) {
	var group PermissionGroup
	var scopes string
	err := scan(&group.ClientID, &group.Name, &group.Description, &group.DefaultAllowed,
		&scopes, &group.CreatedAt, &group.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PermissionGroup{}, ErrNotFound
	}
	if err != nil {
		return PermissionGroup{}, err
	}
	if group.Scopes, err = decodeScopes(scopes); err != nil {
		return PermissionGroup{}, err
	}
	return group, nil
}

func (s *pgPermissionStore) SaveGroup(ctx context.Context, group PermissionGroup) error {
	_, err := s.db.ExecContext(ctx,
		`insert into permission_groups (client_id, name, description, default_allowed, scopes, created_at, updated_at)
		 values ($1, $2, $3, $4, $5, $6, $7)
		 on conflict (client_id) do update set
			name = excluded.name,
			description = excluded.description,
			default_allowed = excluded.default_allowed,
			scopes = excluded.scopes,
			updated_at = excluded.updated_at`,
		group.ClientID, group.Name, group.Description, group.DefaultAllowed,
		encodeScopes(group.Scopes), group.CreatedAt, group.UpdatedAt)
	return err
}

const accessColumns = `user_id, client_id, access, custom_scopes, expires_at, granted_by, granted_at, notes`

func (s *pgPermissionStore) Access(ctx context.Context, userID, clientID string) (UserAccessGrant, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accessColumns+` from user_access_grants where user_id = $1 and client_id = $2`,
		userID, clientID)
	grant, err := scanAccess(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return UserAccessGrant{}, ErrNotFound
	}
	return grant, err
}

func scanAccess(scan func(...any) error) (UserAccessGrant, error) {
	var grant UserAccessGrant
	var scopes string
	var access string
	var expires sql.NullTime
	err := scan(&grant.UserID, &grant.ClientID, &access, &scopes, &expires,
		&grant.GrantedBy, &grant.GrantedAt, &grant.Notes)
	if err != nil {
		return UserAccessGrant{}, err
	}
	grant.Access = AccessType(access)
	if expires.Valid {
		grant.ExpiresAt = expires.Time
	}
	if grant.CustomScopes, err = decodeScopes(scopes); err != nil {
		return UserAccessGrant{}, err
	}
	return grant, nil
}

func (s *pgPermissionStore) SaveAccess(ctx context.Context, grant UserAccessGrant) error {
	var expires any
	if !grant.ExpiresAt.IsZero() {
		expires = grant.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx,
		`insert into user_access_grants (`+accessColumns+`)
		 values ($1, $2, $3, $4, $5, $6, $7, $8)
		 on conflict (user_id, client_id) do update set
			access = excluded.access,
			custom_scopes = excluded.custom_scopes,
			expires_at = excluded.expires_at,
			granted_by = excluded.granted_by,
			granted_at = excluded.granted_at,
			notes = excluded.notes`,
		grant.UserID, grant.ClientID, string(grant.Access), encodeScopes(grant.CustomScopes),
		expires, grant.GrantedBy, grant.GrantedAt, grant.Notes)
	return err
}

func (s *pgPermissionStore) DeleteAccess(ctx context.Context, userID, clientID string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from user_access_grants where user_id = $1 and client_id = $2`, userID, clientID)
	return err
}

func (s *pgPermissionStore) AccessByClient(ctx context.Context, clientID string) ([]UserAccessGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+accessColumns+` from user_access_grants where client_id = $1`, clientID)
	if err != nil {
		return nil, err
	}
	return collectAccess(rows)
}

func (s *pgPermissionStore) ListAccessForUser(ctx context.Context, userID string) ([]UserAccessGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+accessColumns+` from user_access_grants where user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	return collectAccess(rows)
}

func collectAccess(rows *sql.Rows) ([]UserAccessGrant, error) {
	defer rows.Close()
	var out []UserAccessGrant
	for rows.Next() {
		grant, err := scanAccess(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, grant)
	}
	return out, rows.Err()
}

func (s *pgPermissionStore) DefaultAllowedGroups(ctx context.Context) ([]PermissionGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`select client_id, name, description, default_allowed, scopes, created_at, updated_at
		 from permission_groups where default_allowed = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PermissionGroup
	for rows.Next() {
		group, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, group)
	}
	return out, rows.Err()
}

func (s *pgPermissionStore) DeleteExpiredAccess(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from user_access_grants where expires_at is not null and expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
