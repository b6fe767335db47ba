package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides CRUD operations for user and shop records backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the entitlement database in dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "entitlements.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlement db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id                 TEXT PRIMARY KEY,
		email              TEXT NOT NULL DEFAULT '',
		stripe_customer_id TEXT NOT NULL DEFAULT '',
		tier               TEXT,
		last_sync_id       TEXT NOT NULL DEFAULT '',
		last_synced_at     INTEGER,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
	CREATE INDEX IF NOT EXISTS idx_users_stripe_customer_id ON users(stripe_customer_id);

	CREATE TABLE IF NOT EXISTS shops (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL UNIQUE REFERENCES users(id),
		name       TEXT NOT NULL DEFAULT '',
		tier       TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlement schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateUser inserts a new user record. Tier is usually empty at signup.
func (s *Store) CreateUser(u *User) error {
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO users (id, email, stripe_customer_id, tier, last_sync_id, last_synced_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, strings.ToLower(strings.TrimSpace(u.Email)), u.StripeCustomerID, nullableString(u.Tier),
		u.LastSyncID, nullableTimeUnix(u.LastSyncedAt), u.CreatedAt.Unix(), u.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

const userColumns = `id, email, stripe_customer_id, tier, last_sync_id, last_synced_at, created_at, updated_at`

// GetUser retrieves a user by ID. Returns nil when no record exists.
func (s *Store) GetUser(id string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email (case-insensitive).
func (s *Store) GetUserByEmail(email string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

// GetUserByCustomerID retrieves a user by its stored billing customer reference.
func (s *Store) GetUserByCustomerID(customerID string) (*User, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, nil
	}
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE stripe_customer_id = ?`, customerID)
	return scanUser(row)
}

// SetEntitlement overwrites the user's tier with the latest derived truth and
// backfills the customer reference. The reference is write-once: an already
// established, different reference is never replaced.
func (s *Store) SetEntitlement(userID, customerID, tier string) error {
	res, err := s.db.Exec(`
		UPDATE users SET
			stripe_customer_id = CASE WHEN stripe_customer_id = '' THEN ? ELSE stripe_customer_id END,
			tier = ?,
			updated_at = ?
		WHERE id = ?`,
		strings.TrimSpace(customerID), nullableString(tier), time.Now().UTC().Unix(), userID,
	)
	if err != nil {
		return fmt.Errorf("set entitlement: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("user %q not found", userID)
	}
	return nil
}

// RecordSyncAttempt stamps the user record with the latest convergence
// attempt. Consumed by the grace-window read.
func (s *Store) RecordSyncAttempt(userID, attemptID string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE users SET last_sync_id = ?, last_synced_at = ? WHERE id = ?`,
		attemptID, at.UTC().Unix(), userID)
	if err != nil {
		return fmt.Errorf("record sync attempt: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("user %q not found", userID)
	}
	return nil
}

// CreateShop inserts a new shop record linked to a user.
func (s *Store) CreateShop(sh *Shop) error {
	if sh == nil {
		return fmt.Errorf("shop is nil")
	}
	now := time.Now().UTC()
	if sh.CreatedAt.IsZero() {
		sh.CreatedAt = now
	}
	sh.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO shops (id, user_id, name, tier, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sh.ID, sh.UserID, sh.Name, nullableString(sh.Tier), sh.CreatedAt.Unix(), sh.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create shop: %w", err)
	}
	return nil
}

// GetShopByUserID retrieves the shop linked to a user, nil when none exists.
func (s *Store) GetShopByUserID(userID string) (*Shop, error) {
	row := s.db.QueryRow(`SELECT id, user_id, name, tier, created_at, updated_at FROM shops WHERE user_id = ?`, userID)
	return scanShop(row)
}

// SetShopTier overwrites a shop's mirrored tier.
func (s *Store) SetShopTier(shopID, tier string) error {
	res, err := s.db.Exec(`UPDATE shops SET tier = ?, updated_at = ? WHERE id = ?`,
		nullableString(tier), time.Now().UTC().Unix(), shopID)
	if err != nil {
		return fmt.Errorf("set shop tier: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("shop %q not found", shopID)
	}
	return nil
}

// CountByTier returns a map of tier -> user count. Users without paid access
// are grouped under the empty string.
func (s *Store) CountByTier() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT COALESCE(tier, ''), COUNT(*) FROM users GROUP BY COALESCE(tier, '')`)
	if err != nil {
		return nil, fmt.Errorf("count users by tier: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var tier string
		var count int
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[tier] = count
	}
	return counts, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(sc scanner) (*User, error) {
	var u User
	var tier sql.NullString
	var lastSyncedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := sc.Scan(&u.ID, &u.Email, &u.StripeCustomerID, &tier, &u.LastSyncID, &lastSyncedAt, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}

	u.Tier = tier.String
	if lastSyncedAt.Valid {
		ts := time.Unix(lastSyncedAt.Int64, 0).UTC()
		u.LastSyncedAt = &ts
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	u.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &u, nil
}

func scanShop(sc scanner) (*Shop, error) {
	var sh Shop
	var tier sql.NullString
	var createdAt, updatedAt int64

	err := sc.Scan(&sh.ID, &sh.UserID, &sh.Name, &tier, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan shop: %w", err)
	}

	sh.Tier = tier.String
	sh.CreatedAt = time.Unix(createdAt, 0).UTC()
	sh.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sh, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
