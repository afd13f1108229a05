// Package store is the sql-backed repository for users, deployments and the
// provider blacklist. Deployment secrets are encrypted before they touch a
// row; a deterministic hash column makes the duplicate-guard lookup possible
// despite the fresh-IV ciphertexts.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/openclaw/deployer/internal/secrets"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db     *sqlx.DB
	cipher *secrets.Cipher
	log    *zap.Logger
}

func New(db *sqlx.DB, cipher *secrets.Cipher, log *zap.Logger) *Store {
	return &Store{db: db, cipher: cipher, log: log}
}

// Open connects to postgres and runs pending migrations.
func Open(databaseURL string, cipher *secrets.Cipher, log *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	s := New(db, cipher, log)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// TokenHash is the deterministic lookup digest stored alongside the
// encrypted channel token.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ── Users ─────────────────────────────────────────────────────────────────────

// UpsertUser resolves the identity (externalAuthID, email) to a user row.
// If the email already exists under a different auth id the accounts are
// linked by updating external_auth_id instead of creating a duplicate.
func (s *Store) UpsertUser(ctx context.Context, externalAuthID, email string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		`SELECT * FROM users WHERE external_auth_id = $1`, externalAuthID)
	if err == nil {
		return &u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find user by auth id: %w", err)
	}

	err = s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE email = $1`, email)
	if err == nil {
		// Account linking: same email, new identity provider id.
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET external_auth_id = $1, updated_at = now() WHERE id = $2`,
			externalAuthID, u.ID)
		if err != nil {
			return nil, fmt.Errorf("link user account: %w", err)
		}
		u.ExternalAuthID = ptr(externalAuthID)
		return &u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find user by email: %w", err)
	}

	u = User{ID: uuid.NewString(), ExternalAuthID: ptr(externalAuthID), Email: email}
	err = s.db.GetContext(ctx, &u, `
		INSERT INTO users (id, external_auth_id, email)
		VALUES ($1, $2, $3)
		RETURNING *`,
		u.ID, externalAuthID, email)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &u, nil
}

func (s *Store) FindUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &u, nil
}

func (s *Store) SetBillingCustomer(ctx context.Context, userID, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET billing_customer_id = $1, updated_at = now() WHERE id = $2`,
		customerID, userID)
	if err != nil {
		return fmt.Errorf("set billing customer: %w", err)
	}
	return nil
}

// ── Deployments ───────────────────────────────────────────────────────────────

type CreateDeploymentInput struct {
	UserID       string
	Model        string
	Channel      string
	ChannelToken string
	LLMAPIKey    string
	ChannelLink  string
}

// CreateDeployment inserts a pending deployment with a fresh id and internal
// API key. Secrets are encrypted before the insert.
func (s *Store) CreateDeployment(ctx context.Context, in CreateDeploymentInput) (*Deployment, error) {
	encToken, err := s.cipher.Encrypt(in.ChannelToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt channel token: %w", err)
	}
	encKey, err := s.cipher.Encrypt(in.LLMAPIKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt llm key: %w", err)
	}

	d := Deployment{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		Model:          in.Model,
		Channel:        in.Channel,
		ChannelToken:   in.ChannelToken,
		LLMAPIKey:      in.LLMAPIKey,
		Status:         StatusPending,
		InternalAPIKey: uuid.NewString(),
	}
	if in.ChannelLink != "" {
		d.ChannelLink = ptr(in.ChannelLink)
	}

	err = s.db.QueryRowxContext(ctx, `
		INSERT INTO deployments
			(id, user_id, model, channel, channel_token, channel_token_hash,
			 llm_api_key, status, internal_api_key, channel_link)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		d.ID, d.UserID, d.Model, d.Channel, encToken, TokenHash(in.ChannelToken),
		encKey, d.Status, d.InternalAPIKey, d.ChannelLink,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	return &d, nil
}

func (s *Store) decryptDeployment(d *Deployment) error {
	token, err := s.cipher.Decrypt(d.ChannelToken)
	if err != nil {
		return fmt.Errorf("decrypt channel token: %w", err)
	}
	key, err := s.cipher.Decrypt(d.LLMAPIKey)
	if err != nil {
		return fmt.Errorf("decrypt llm key: %w", err)
	}
	d.ChannelToken = token
	d.LLMAPIKey = key
	return nil
}

const deploymentColumns = `
	id, user_id, model, channel, channel_token, llm_api_key, status,
	checkout_session_id, marketplace_deployment_id, marketplace_lease_id,
	provider_url, error_message, internal_api_key, channel_link,
	created_at, updated_at`

func (s *Store) findDeploymentWhere(ctx context.Context, where string, args ...any) (*Deployment, error) {
	var d Deployment
	err := s.db.GetContext(ctx, &d,
		`SELECT `+deploymentColumns+` FROM deployments WHERE `+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find deployment: %w", err)
	}
	if err := s.decryptDeployment(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) FindDeployment(ctx context.Context, id string) (*Deployment, error) {
	return s.findDeploymentWhere(ctx, `id = $1`, id)
}

func (s *Store) FindDeploymentByCheckoutSession(ctx context.Context, sessionID string) (*Deployment, error) {
	return s.findDeploymentWhere(ctx, `checkout_session_id = $1`, sessionID)
}

func (s *Store) FindDeploymentByInternalKey(ctx context.Context, key string) (*Deployment, error) {
	return s.findDeploymentWhere(ctx, `internal_api_key = $1`, key)
}

func (s *Store) FindDeploymentsByUser(ctx context.Context, userID string) ([]Deployment, error) {
	var ds []Deployment
	err := s.db.SelectContext(ctx, &ds,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	for i := range ds {
		if err := s.decryptDeployment(&ds[i]); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// FindPendingDuplicate returns the most recent pending deployment for the
// (user, model, channel, token) tuple, or nil. Whether its checkout session
// is still open is the caller's question to the payment provider.
func (s *Store) FindPendingDuplicate(ctx context.Context, userID, model, channel, channelToken string) (*Deployment, error) {
	var d Deployment
	err := s.db.GetContext(ctx, &d,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE user_id = $1 AND model = $2 AND channel = $3
		   AND channel_token_hash = $4 AND status = $5
		 ORDER BY created_at DESC LIMIT 1`,
		userID, model, channel, TokenHash(channelToken), StatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find pending duplicate: %w", err)
	}
	if err := s.decryptDeployment(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) SetCheckoutSession(ctx context.Context, deploymentID, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET checkout_session_id = $1, updated_at = now() WHERE id = $2`,
		sessionID, deploymentID)
	if err != nil {
		return fmt.Errorf("set checkout session: %w", err)
	}
	return nil
}

// UpdateStatus atomically moves a deployment to status, writing only the
// fields present in details. When allowedFrom is non-empty the update only
// applies while the current status is one of them; the return value reports
// whether a row changed.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, details StatusDetails, allowedFrom ...Status) (bool, error) {
	set := []string{"status = $2", "updated_at = now()"}
	args := []any{id, status}

	add := func(col string, val *string) {
		if val != nil {
			args = append(args, *val)
			set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}
	add("marketplace_deployment_id", details.MarketplaceDeploymentID)
	add("marketplace_lease_id", details.MarketplaceLeaseID)
	add("provider_url", details.ProviderURL)
	add("error_message", details.ErrorMessage)
	if details.ClearErrorMessage && details.ErrorMessage == nil {
		set = append(set, "error_message = NULL")
	}

	query := `UPDATE deployments SET ` + strings.Join(set, ", ") + ` WHERE id = $1`
	if len(allowedFrom) > 0 {
		placeholders := make([]string, len(allowedFrom))
		for i, from := range allowedFrom {
			args = append(args, from)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update status: rows affected: %w", err)
	}
	return n > 0, nil
}

// LiveMarketplaceDeploymentIDs returns the dseqs referenced by deployments
// that are still deploying or active. The zombie sweeper must not close
// these.
func (s *Store) LiveMarketplaceDeploymentIDs(ctx context.Context) (map[string]bool, error) {
	var dseqs []string
	err := s.db.SelectContext(ctx, &dseqs,
		`SELECT marketplace_deployment_id FROM deployments
		 WHERE status IN ($1, $2) AND marketplace_deployment_id IS NOT NULL`,
		StatusDeploying, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list live marketplace deployments: %w", err)
	}
	live := make(map[string]bool, len(dseqs))
	for _, dseq := range dseqs {
		live[dseq] = true
	}
	return live, nil
}

// ── Provider blacklist ────────────────────────────────────────────────────────

// BlacklistedProviders returns the full blacklist as a set keyed by provider
// address.
func (s *Store) BlacklistedProviders(ctx context.Context) (map[string]bool, error) {
	var addrs []string
	err := s.db.SelectContext(ctx, &addrs, `SELECT provider_address FROM provider_blacklist`)
	if err != nil {
		return nil, fmt.Errorf("list blacklist: %w", err)
	}
	set := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		set[a] = true
	}
	return set, nil
}

func (s *Store) AddBlacklistedProvider(ctx context.Context, addr, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_blacklist (provider_address, reason)
		VALUES ($1, $2)
		ON CONFLICT (provider_address) DO UPDATE SET reason = EXCLUDED.reason`,
		addr, reason)
	if err != nil {
		return fmt.Errorf("blacklist provider: %w", err)
	}
	return nil
}

func (s *Store) RemoveBlacklistedProvider(ctx context.Context, addr string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM provider_blacklist WHERE provider_address = $1`, addr)
	if err != nil {
		return fmt.Errorf("unblacklist provider: %w", err)
	}
	return nil
}
