package activation

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	_ "modernc.org/sqlite"

	"bybx/internal/security"
)

// MinSecretSize is the shortest server secret accepted by NewStore
const MinSecretSize = 32

var (
	// ErrNotFound means no license or asset exists for the order and product
	ErrNotFound = errors.New("license not found")
	// ErrExists means a license was already published for the order and product
	ErrExists = errors.New("license already exists")
	// ErrBindingTaken means another bond won the race for the binding slot
	ErrBindingTaken = errors.New("binding already recorded")
)

// License is a stored license with its content key in the clear
type License struct {
	OrderReference string
	ProductID      uint32
	Key            []byte
	Binding        []byte
	BondedAt       *time.Time
	CreatedAt      time.Time
}

// Bound reports whether a device binding was recorded
func (l *License) Bound() bool {
	return len(l.Binding) > 0
}

// Asset is the stored envelope of a license
type Asset struct {
	OrderReference string
	ProductID      uint32
	DisplayName    string
	Envelope       []byte
	UpdatedAt      time.Time
}

// Store persists licenses and envelopes in SQLite. Content keys are sealed
// at rest with XChaCha20-Poly1305.
type Store struct {
	db      *sql.DB
	sealKey []byte
}

// NewStore opens (creating if needed) the database at path. secret seeds
// the key-sealing key and must be at least MinSecretSize bytes.
func NewStore(path string, secret []byte) (*Store, error) {
	if len(secret) < MinSecretSize {
		return nil, fmt.Errorf("storage secret must be at least %d bytes", MinSecretSize)
	}

	sealKey, err := deriveKey(secret, "bybx/key-seal", chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite serializes writers; one connection keeps bond updates ordered
	db.SetMaxOpenConns(1)

	s := &Store{db: db, sealKey: sealKey}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS licenses (
		order_reference TEXT NOT NULL,
		product_id INTEGER NOT NULL,
		key_sealed BLOB NOT NULL,
		binding BLOB,
		bonded_at INTEGER,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (order_reference, product_id)
	);
	CREATE TABLE IF NOT EXISTS assets (
		order_reference TEXT NOT NULL,
		product_id INTEGER NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		envelope BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (order_reference, product_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateLicense stores a new license and its unbound envelope
func (s *Store) CreateLicense(ctx context.Context, lic *License, asset *Asset) error {
	sealed, err := s.seal(lic.Key)
	if err != nil {
		return fmt.Errorf("seal key: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM licenses WHERE order_reference = ? AND product_id = ?`,
		lic.OrderReference, lic.ProductID,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return ErrExists
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO licenses (order_reference, product_id, key_sealed, created_at) VALUES (?, ?, ?, ?)`,
		lic.OrderReference, lic.ProductID, sealed, lic.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert license: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO assets (order_reference, product_id, display_name, envelope, updated_at) VALUES (?, ?, ?, ?, ?)`,
		asset.OrderReference, asset.ProductID, asset.DisplayName, asset.Envelope, asset.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}

	return tx.Commit()
}

// GetLicense loads a license and unseals its key
func (s *Store) GetLicense(ctx context.Context, orderReference string, productID uint32) (*License, error) {
	var (
		lic      = License{OrderReference: orderReference, ProductID: productID}
		sealed   []byte
		bondedAt sql.NullInt64
		created  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key_sealed, binding, bonded_at, created_at FROM licenses WHERE order_reference = ? AND product_id = ?`,
		orderReference, productID,
	).Scan(&sealed, &lic.Binding, &bondedAt, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	lic.Key, err = s.unseal(sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal key: %w", err)
	}
	lic.CreatedAt = time.Unix(created, 0).UTC()
	if bondedAt.Valid {
		t := time.Unix(bondedAt.Int64, 0).UTC()
		lic.BondedAt = &t
	}
	return &lic, nil
}

// RecordBinding stores the binding slot and the stamped envelope in one
// transaction. It returns ErrBindingTaken when the license was bound in
// the meantime.
func (s *Store) RecordBinding(ctx context.Context, orderReference string, productID uint32, binding, stamped []byte, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE licenses SET binding = ?, bonded_at = ? WHERE order_reference = ? AND product_id = ? AND binding IS NULL`,
		binding, at.Unix(), orderReference, productID,
	)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBindingTaken
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE assets SET envelope = ?, updated_at = ? WHERE order_reference = ? AND product_id = ?`,
		stamped, at.Unix(), orderReference, productID,
	)
	if err != nil {
		return fmt.Errorf("update asset: %w", err)
	}

	return tx.Commit()
}

// GetAsset returns the stored envelope of a license
func (s *Store) GetAsset(ctx context.Context, orderReference string, productID uint32) (*Asset, error) {
	asset := Asset{OrderReference: orderReference, ProductID: productID}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name, envelope, updated_at FROM assets WHERE order_reference = ? AND product_id = ?`,
		orderReference, productID,
	).Scan(&asset.DisplayName, &asset.Envelope, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	asset.UpdatedAt = time.Unix(updated, 0).UTC()
	return &asset, nil
}

// AssetSummary describes a stored asset without its bytes
type AssetSummary struct {
	OrderReference string
	ProductID      uint32
	DisplayName    string
	Size           int64
	Bound          bool
	BondedAt       *time.Time
	UpdatedAt      time.Time
}

// ListAssets returns every stored asset, newest first
func (s *Store) ListAssets(ctx context.Context) ([]AssetSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.order_reference, a.product_id, a.display_name, length(a.envelope), a.updated_at,
		       l.binding IS NOT NULL, l.bonded_at
		FROM assets a JOIN licenses l
		  ON l.order_reference = a.order_reference AND l.product_id = a.product_id
		ORDER BY a.updated_at DESC, a.order_reference, a.product_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AssetSummary
	for rows.Next() {
		var (
			sum      AssetSummary
			updated  int64
			bondedAt sql.NullInt64
		)
		if err := rows.Scan(&sum.OrderReference, &sum.ProductID, &sum.DisplayName, &sum.Size, &updated, &sum.Bound, &bondedAt); err != nil {
			return nil, err
		}
		sum.UpdatedAt = time.Unix(updated, 0).UTC()
		if bondedAt.Valid {
			t := time.Unix(bondedAt.Int64, 0).UTC()
			sum.BondedAt = &t
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) seal(key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(key)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, key, nil), nil
}

func (s *Store) unseal(sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("sealed key too short")
	}

	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return nil, err
	}

	key, err := aead.Open(nil, sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, err
	}
	if len(key) != security.KeySize {
		security.Wipe(key)
		return nil, fmt.Errorf("unsealed key has %d bytes", len(key))
	}
	return key, nil
}

// deriveKey expands secret into an independent subkey for purpose
func deriveKey(secret []byte, purpose string, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}
