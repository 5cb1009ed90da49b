package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/WessleyAI/wessley-catalog/engine/domain"
)

//go:embed schema.sql
var schemaFS embed.FS

// CurrentSchemaVersion is the version of the catalog schema.
const CurrentSchemaVersion = 2

// migrations[i] moves the schema from version i to i+1.
var migrations = []func(*sql.Tx) error{
	applySchema,
	addSearchText,
}

const productColumns = `source_id, name, category, price, description, specification,
	image, caption, rating_rate, rating_count, in_stock, created_at`

// timeLayout sorts lexically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLStore is a Store backed by SQLite.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// OpenSQLite opens or creates the catalog database at path and migrates it.
func OpenSQLite(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("catalog: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: ping %s: %w", path, err)
	}

	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version >= CurrentSchemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for v := version; v < CurrentSchemaVersion; v++ {
		if err := migrations[v](tx); err != nil {
			return fmt.Errorf("to version %d: %w", v+1, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", v+1, now); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}
	return tx.Commit()
}

func applySchema(tx *sql.Tx) error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if _, err := tx.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// addSearchText adds the folded column MatchSubstring scans and fills it for
// existing rows. SQLite's LOWER only folds ASCII, so folding happens here.
func addSearchText(tx *sql.Tx) error {
	if _, err := tx.Exec(`ALTER TABLE products ADD COLUMN search_text TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("add search_text: %w", err)
	}
	rows, err := tx.Query(`SELECT source_id, name, category, description FROM products`)
	if err != nil {
		return fmt.Errorf("read products: %w", err)
	}
	type row struct{ id, text string }
	var pending []row
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SourceID, &p.Name, &p.Category, &p.Description); err != nil {
			rows.Close()
			return err
		}
		pending = append(pending, row{p.SourceID, searchText(p)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, r := range pending {
		if _, err := tx.Exec(`UPDATE products SET search_text = ? WHERE source_id = ?`, r.text, r.id); err != nil {
			return fmt.Errorf("fold %s: %w", r.id, err)
		}
	}
	return nil
}

// searchText is the case-folded text MatchSubstring scans. The unit
// separator keeps a term from matching across two fields.
func searchText(p domain.Product) string {
	return strings.ToLower(p.Name + "\x1f" + p.Category + "\x1f" + p.Description)
}

func (s *SQLStore) schemaVersion() (int, error) {
	var exists int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check schema_version: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("catalog: ping: %w", err)
	}
	return nil
}

// MatchSubstring implements Store. A blank term matches nothing.
func (s *SQLStore) MatchSubstring(ctx context.Context, term string, limit int) ([]domain.Product, error) {
	term = normalizeTerm(term)
	if term == "" || limit <= 0 {
		return nil, nil
	}
	pattern := "%" + escapeLike(term) + "%"
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products
		WHERE search_text LIKE ? ESCAPE '\'
		ORDER BY rowid
		LIMIT ?`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: match %q: %w", term, err)
	}
	return scanProducts(rows)
}

// GetByIDs implements Store.
func (s *SQLStore) GetByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	ids = uniqueIDs(ids)
	out := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE source_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: get %d ids: %w", len(ids), err)
	}
	products, err := scanProducts(rows)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		out[p.SourceID] = p
	}
	return out, nil
}

// Recent implements Store.
func (s *SQLStore) Recent(ctx context.Context, limit int) ([]domain.Product, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: recent: %w", err)
	}
	return scanProducts(rows)
}

// Upsert inserts p or updates the existing row with the same SourceID. The
// catalog position and creation time of an existing row are kept, and an
// empty caption never overwrites a generated one.
func (s *SQLStore) Upsert(ctx context.Context, p domain.Product) error {
	if err := domain.ValidateProduct(p); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO products (`+productColumns+`, search_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			price = excluded.price,
			description = excluded.description,
			specification = excluded.specification,
			image = excluded.image,
			caption = CASE WHEN excluded.caption <> '' THEN excluded.caption ELSE products.caption END,
			rating_rate = excluded.rating_rate,
			rating_count = excluded.rating_count,
			in_stock = excluded.in_stock,
			search_text = excluded.search_text`,
		p.SourceID, p.Name, p.Category, p.Price, p.Description, p.Specification,
		p.Image, p.Caption, p.Rating.Rate, p.Rating.Count, p.InStock,
		p.CreatedAt.UTC().Format(timeLayout), searchText(p))
	if err != nil {
		return fmt.Errorf("catalog: upsert %s: %w", p.SourceID, err)
	}
	return nil
}

// SetCaption stores a generated caption.
func (s *SQLStore) SetCaption(ctx context.Context, id, caption string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE products SET caption = ? WHERE source_id = ?`, caption, id)
	if err != nil {
		return fmt.Errorf("catalog: set caption %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: set caption %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Count returns the number of products.
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("catalog: count: %w", err)
	}
	return n, nil
}

func scanProducts(rows *sql.Rows) ([]domain.Product, error) {
	defer rows.Close()
	var out []domain.Product
	for rows.Next() {
		var (
			p       domain.Product
			created string
		)
		if err := rows.Scan(&p.SourceID, &p.Name, &p.Category, &p.Price, &p.Description,
			&p.Specification, &p.Image, &p.Caption, &p.Rating.Rate, &p.Rating.Count,
			&p.InStock, &created); err != nil {
			return nil, fmt.Errorf("catalog: scan: %w", err)
		}
		if t, err := time.Parse(timeLayout, created); err == nil {
			p.CreatedAt = t
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: rows: %w", err)
	}
	return out, nil
}
