package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"kleinsniper/internal/offer"
	"kleinsniper/internal/stats"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const (
	sqliteSelectOfferSQL = `SELECT ` + offerColumns + `
    FROM offers
    WHERE offer_id = ? AND model_identity = ?;`

	sqliteInsertOfferSQL = `INSERT INTO offers (` + offerColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?);`

	sqliteUpdateOfferSQL = `UPDATE offers
    SET title = ?, url = ?, price = ?, last_seen = ?, price_changes = ?, misses = ?, state = ?, pruned_at = ?
    WHERE offer_id = ? AND model_identity = ?;`

	sqliteMarkNotifiedSQL = `UPDATE offers
    SET notified    = 1,
        notified_at = COALESCE(notified_at, ?),
        state       = CASE WHEN state = 'pruned' THEN state ELSE 'notified' END
    WHERE offer_id = ?;`

	sqliteOfferNotifiedSQL = `SELECT EXISTS (SELECT 1 FROM offers WHERE offer_id = ? AND notified = 1);`

	sqliteActiveOfferIDsSQL = `SELECT offer_id FROM offers
    WHERE model_identity = ? AND state IN ('tracked', 'notified');`

	sqliteRecordMissSQL = `UPDATE offers
    SET misses    = misses + 1,
        state     = CASE WHEN misses + 1 >= ? THEN 'pruned' ELSE state END,
        pruned_at = CASE WHEN misses + 1 >= ? THEN ? ELSE pruned_at END
    WHERE offer_id = ? AND model_identity = ? AND state IN ('tracked', 'notified')
    RETURNING state;`

	sqliteLastOfferSQL = `SELECT ` + offerColumns + `
    FROM offers
    WHERE state <> 'pruned'
    ORDER BY first_seen DESC, last_seen DESC
    LIMIT 1;`

	sqliteCheapestActiveSQL = `SELECT ` + offerColumns + `
    FROM (
        SELECT offers.*,
               ROW_NUMBER() OVER (PARTITION BY offer_id ORDER BY price ASC, first_seen DESC) AS offer_rank
        FROM offers
        WHERE state <> 'pruned'
    ) ranked
    WHERE offer_rank = 1
    ORDER BY price ASC, first_seen DESC
    LIMIT ?;`

	sqliteListOffersSQL = `SELECT ` + offerColumns + `
    FROM offers
    WHERE model_identity = ? AND (? OR state <> 'pruned')
    ORDER BY first_seen;`

	sqliteUpsertStatsSQL = `INSERT INTO model_stats (` + statsColumns + `) VALUES (?,?,?,?,?,?,?)
    ON CONFLICT (model_identity) DO UPDATE
    SET n          = excluded.n,
        mean       = excluded.mean,
        m2         = excluded.m2,
        min_price  = excluded.min_price,
        max_price  = excluded.max_price,
        updated_at = excluded.updated_at;`

	sqliteLoadStatsSQL = `SELECT ` + statsColumns + ` FROM model_stats WHERE model_identity = ?;`
)

// SQLite is the embedded Store used for single-host deployments and tests.
type SQLite struct {
	db   *sql.DB
	opts Options
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Pass MemoryPath for a throwaway database.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// one connection keeps :memory: databases shared and serialises writers
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, opts: opts}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLite) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// Migrate applies the embedded schema.
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

// Upsert records an observation, creating the offer on first sight.
func (s *SQLite) Upsert(ctx context.Context, obs Observation) (UpsertResult, error) {
	var res UpsertResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var prev *offer.Record
		rec, scanErr := scanSQLiteOffer(tx.QueryRowContext(ctx, sqliteSelectOfferSQL, obs.OfferID, obs.Model))
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
		case scanErr != nil:
			return fmt.Errorf("select offer: %w", scanErr)
		default:
			prev = &rec
		}

		res = applyObservation(prev, obs)
		r := res.Record
		if res.IsNew {
			_, execErr := tx.ExecContext(ctx, sqliteInsertOfferSQL,
				r.OfferID, r.Model, r.Title, r.URL, r.Price,
				r.FirstSeen, r.LastSeen, r.PriceChanges, r.Notified, nullTime(r.NotifiedAt),
				r.Misses, string(r.State), nullTime(r.PrunedAt),
			)
			if execErr != nil {
				return fmt.Errorf("insert offer: %w", execErr)
			}
			return nil
		}

		_, execErr := tx.ExecContext(ctx, sqliteUpdateOfferSQL,
			r.Title, r.URL, r.Price, r.LastSeen, r.PriceChanges, r.Misses, string(r.State), nullTime(r.PrunedAt),
			r.OfferID, r.Model,
		)
		if execErr != nil {
			return fmt.Errorf("update offer: %w", execErr)
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert offer %s: %w", obs.OfferID, err)
	}
	return res, nil
}

// MarkNotified flags every record of offerID as delivered. Calling it again is a no-op.
func (s *SQLite) MarkNotified(ctx context.Context, offerID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, sqliteMarkNotifiedSQL, at.UTC(), offerID)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// OfferNotified reports whether offerID was delivered under any model.
func (s *SQLite) OfferNotified(ctx context.Context, offerID string) (bool, error) {
	var notified bool
	if err := s.db.QueryRowContext(ctx, sqliteOfferNotifiedSQL, offerID).Scan(&notified); err != nil {
		return false, fmt.Errorf("offer notified: %w", err)
	}
	return notified, nil
}

// BeginSweep snapshots the active offers of model.
func (s *SQLite) BeginSweep(ctx context.Context, model string) (*Sweep, error) {
	return beginSweep(ctx, s, model, s.opts.pruneThreshold())
}

func (s *SQLite) activeOfferIDs(ctx context.Context, model string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqliteActiveOfferIDsSQL, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) recordMisses(ctx context.Context, model string, offerIDs []string, threshold int, at time.Time) ([]string, error) {
	var pruned []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range offerIDs {
			var state string
			err := tx.QueryRowContext(ctx, sqliteRecordMissSQL, threshold, threshold, at, id, model).Scan(&state)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("record miss for %s: %w", id, err)
			}
			if offer.State(state) == offer.StatePruned {
				pruned = append(pruned, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pruned, nil
}

// LastOffer returns the most recently discovered active offer.
func (s *SQLite) LastOffer(ctx context.Context) (offer.Record, bool, error) {
	rec, err := scanSQLiteOffer(s.db.QueryRowContext(ctx, sqliteLastOfferSQL))
	if errors.Is(err, sql.ErrNoRows) {
		return offer.Record{}, false, nil
	}
	if err != nil {
		return offer.Record{}, false, fmt.Errorf("last offer: %w", err)
	}
	return rec, true, nil
}

// CheapestActive lists the lowest priced active offers, one row per offer id.
func (s *SQLite) CheapestActive(ctx context.Context, limit int) ([]offer.Record, error) {
	records, err := s.queryOffers(ctx, sqliteCheapestActiveSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("cheapest active offers: %w", err)
	}
	return records, nil
}

// ListOffers returns the offers stored under model ordered by first sight.
func (s *SQLite) ListOffers(ctx context.Context, model string, includePruned bool) ([]offer.Record, error) {
	records, err := s.queryOffers(ctx, sqliteListOffersSQL, model, includePruned)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return records, nil
}

// CountOffers counts stored offers per lifecycle state.
func (s *SQLite) CountOffers(ctx context.Context) (map[offer.State]int64, error) {
	rows, err := s.db.QueryContext(ctx, countOffersSQL)
	if err != nil {
		return nil, fmt.Errorf("count offers: %w", err)
	}
	defer rows.Close()

	counts := make(map[offer.State]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[offer.State(state)] = n
	}
	return counts, rows.Err()
}

func (s *SQLite) queryOffers(ctx context.Context, query string, args ...any) ([]offer.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]offer.Record, 0)
	for rows.Next() {
		rec, scanErr := scanSQLiteOffer(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveStats persists a model statistics snapshot.
func (s *SQLite) SaveStats(ctx context.Context, snap stats.Snapshot) error {
	_, err := s.db.ExecContext(ctx, sqliteUpsertStatsSQL,
		snap.Model, snap.N, snap.Mean, snap.M2, snap.Min, snap.Max, snap.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	return nil
}

// LoadStats reads the persisted statistics of model.
func (s *SQLite) LoadStats(ctx context.Context, model string) (stats.Snapshot, bool, error) {
	snap, err := scanSQLiteStats(s.db.QueryRowContext(ctx, sqliteLoadStatsSQL, model))
	if errors.Is(err, sql.ErrNoRows) {
		return stats.Snapshot{Model: model}, false, nil
	}
	if err != nil {
		return stats.Snapshot{}, false, fmt.Errorf("load stats: %w", err)
	}
	return snap, true, nil
}

// ListStats returns the statistics of every model.
func (s *SQLite) ListStats(ctx context.Context) ([]stats.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, listStatsSQL)
	if err != nil {
		return nil, fmt.Errorf("list stats: %w", err)
	}
	defer rows.Close()

	out := make([]stats.Snapshot, 0)
	for rows.Next() {
		snap, scanErr := scanSQLiteStats(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLite) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteOffer(row rowScanner) (offer.Record, error) {
	var (
		rec        offer.Record
		state      string
		notifiedAt sql.NullTime
		prunedAt   sql.NullTime
	)
	if err := row.Scan(
		&rec.OfferID,
		&rec.Model,
		&rec.Title,
		&rec.URL,
		&rec.Price,
		&rec.FirstSeen,
		&rec.LastSeen,
		&rec.PriceChanges,
		&rec.Notified,
		&notifiedAt,
		&rec.Misses,
		&state,
		&prunedAt,
	); err != nil {
		return offer.Record{}, err
	}
	rec.FirstSeen = rec.FirstSeen.UTC()
	rec.LastSeen = rec.LastSeen.UTC()
	rec.State = offer.State(state)
	if notifiedAt.Valid {
		t := notifiedAt.Time.UTC()
		rec.NotifiedAt = &t
	}
	if prunedAt.Valid {
		t := prunedAt.Time.UTC()
		rec.PrunedAt = &t
	}
	return rec, nil
}

func scanSQLiteStats(row rowScanner) (stats.Snapshot, error) {
	var snap stats.Snapshot
	if err := row.Scan(&snap.Model, &snap.N, &snap.Mean, &snap.M2, &snap.Min, &snap.Max, &snap.UpdatedAt); err != nil {
		return stats.Snapshot{}, err
	}
	snap.UpdatedAt = snap.UpdatedAt.UTC()
	return snap, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

var _ Store = (*SQLite)(nil)
