// Package postgres stores encoded index rasters in the field-day table.
package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq" // register the postgres driver

	"github.com/couchcryptid/field-series-etl/internal/domain"
)

// DefaultTable is the table created by the bundled migrations.
const DefaultTable = "field_day_regular_size"

// Payload columns of the field-day table.
const (
	ColumnOptical = "s2_data"
	ColumnRadar   = "bsc_data"
)

// Repository upserts partial field-day rows keyed by (field_id, date).
type Repository struct {
	db    *sqlx.DB
	table string
	clock clockwork.Clock
}

// Connect opens and pings the database and checks that table exists.
func Connect(ctx context.Context, url, table string, clock clockwork.Clock) (*Repository, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	r := NewRepository(db, table, clock)
	if err := r.CheckTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// NewRepository wraps an open connection. table must already be validated
// as a plain SQL identifier. clock stamps updated_at.
func NewRepository(db *sqlx.DB, table string, clock clockwork.Clock) *Repository {
	return &Repository{db: db, table: table, clock: clock}
}

// CheckTable fails when the configured table does not exist. The bundled
// migrations only create DefaultTable; any other name must be created by
// hand with the same columns.
func (r *Repository) CheckTable(ctx context.Context) error {
	var ok bool
	if err := r.db.GetContext(ctx, &ok, `SELECT to_regclass($1) IS NOT NULL`, r.table); err != nil {
		return fmt.Errorf("check table %s: %w", r.table, err)
	}
	if !ok {
		return fmt.Errorf("table %s does not exist (cmd/migrate creates %s)", r.table, DefaultTable)
	}
	return nil
}

// Close closes the underlying connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Column maps a product kind to its payload column.
func Column(kind domain.ProductKind) (string, error) {
	switch kind {
	case domain.KindOptical:
		return ColumnOptical, nil
	case domain.KindRadarMerged, domain.KindRadarAsc, domain.KindRadarDesc:
		return ColumnRadar, nil
	default:
		return "", fmt.Errorf("no payload column for kind %q", kind)
	}
}

// Upsert inserts the row or updates only the stage and the payload column
// it carries, leaving the other payload column untouched.
func (r *Repository) Upsert(ctx context.Context, row domain.FieldDay) error {
	col, err := Column(row.Kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (field_id, date, bbch_phase, %[2]s, ras_as_bin, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		ON CONFLICT (field_id, date) DO UPDATE SET
			bbch_phase = EXCLUDED.bbch_phase,
			%[2]s = EXCLUDED.%[2]s,
			ras_as_bin = EXCLUDED.ras_as_bin,
			updated_at = EXCLUDED.updated_at`, r.table, col)

	_, err = r.db.ExecContext(ctx, query, row.FieldID, row.Date, row.Stage, row.Payload, r.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert %s for %s on %s: %w", col, row.FieldID, row.Date, err)
	}
	return nil
}

// CompletedDates returns the dates of a field whose payload column for kind
// is already filled.
func (r *Repository) CompletedDates(ctx context.Context, fieldID string, kind domain.ProductKind) ([]string, error) {
	col, err := Column(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT to_char(date, 'YYYY-MM-DD') FROM %s WHERE field_id = $1 AND %s IS NOT NULL ORDER BY date`,
		r.table, col)

	var dates []string
	if err := r.db.SelectContext(ctx, &dates, query, fieldID); err != nil {
		return nil, fmt.Errorf("select completed %s for %s: %w", col, fieldID, err)
	}
	return dates, nil
}
