package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kleinsniper/internal/offer"
	"kleinsniper/internal/stats"
)

//go:embed schema/postgres.sql
var postgresSchema string

const (
	offerColumns = `offer_id,
        model_identity,
        title,
        url,
        price,
        first_seen,
        last_seen,
        price_changes,
        notified,
        notified_at,
        misses,
        state,
        pruned_at`

	selectOfferForUpdateSQL = `SELECT ` + offerColumns + `
    FROM offers
    WHERE offer_id = $1 AND model_identity = $2
    FOR UPDATE;`

	insertOfferSQL = `INSERT INTO offers (` + offerColumns + `) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    );`

	updateOfferSQL = `UPDATE offers
    SET
        title         = $3,
        url           = $4,
        price         = $5,
        last_seen     = $6,
        price_changes = $7,
        misses        = $8,
        state         = $9,
        pruned_at     = $10
    WHERE offer_id = $1 AND model_identity = $2;`

	markNotifiedSQL = `UPDATE offers
    SET notified    = TRUE,
        notified_at = COALESCE(notified_at, $2),
        state       = CASE WHEN state = 'pruned' THEN state ELSE 'notified' END
    WHERE offer_id = $1;`

	offerNotifiedSQL = `SELECT EXISTS (
        SELECT 1 FROM offers WHERE offer_id = $1 AND notified = TRUE
    );`

	activeOfferIDsSQL = `SELECT offer_id
    FROM offers
    WHERE model_identity = $1
      AND state IN ('tracked', 'notified');`

	recordMissesSQL = `UPDATE offers
    SET
        misses    = misses + 1,
        state     = CASE WHEN misses + 1 >= $3 THEN 'pruned' ELSE state END,
        pruned_at = CASE WHEN misses + 1 >= $3 THEN $4 ELSE pruned_at END
    WHERE model_identity = $1
      AND offer_id = ANY($2)
      AND state IN ('tracked', 'notified')
    RETURNING offer_id, state;`

	lastOfferSQL = `SELECT ` + offerColumns + `
    FROM offers
    WHERE state <> 'pruned'
    ORDER BY first_seen DESC, last_seen DESC
    LIMIT 1;`

	cheapestActiveSQL = `SELECT ` + offerColumns + `
    FROM (
        SELECT offers.*,
               ROW_NUMBER() OVER (PARTITION BY offer_id ORDER BY price ASC, first_seen DESC) AS offer_rank
        FROM offers
        WHERE state <> 'pruned'
    ) ranked
    WHERE offer_rank = 1
    ORDER BY price ASC, first_seen DESC
    LIMIT $1;`

	listOffersSQL = `SELECT ` + offerColumns + `
    FROM offers
    WHERE model_identity = $1
      AND ($2 OR state <> 'pruned')
    ORDER BY first_seen;`

	countOffersSQL = `SELECT state, COUNT(*) FROM offers GROUP BY state;`

	upsertStatsSQL = `INSERT INTO model_stats (
        model_identity,
        n,
        mean,
        m2,
        min_price,
        max_price,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (model_identity) DO UPDATE
    SET
        n          = EXCLUDED.n,
        mean       = EXCLUDED.mean,
        m2         = EXCLUDED.m2,
        min_price  = EXCLUDED.min_price,
        max_price  = EXCLUDED.max_price,
        updated_at = EXCLUDED.updated_at;`

	statsColumns = `model_identity, n, mean, m2, min_price, max_price, updated_at`

	loadStatsSQL = `SELECT ` + statsColumns + ` FROM model_stats WHERE model_identity = $1;`
	listStatsSQL = `SELECT ` + statsColumns + ` FROM model_stats ORDER BY model_identity;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Postgres is the PostgreSQL-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
	opts Options
}

// NewPostgres wires a pgx pool into a Store.
func NewPostgres(pool *pgxpool.Pool, opts Options) *Postgres {
	return &Postgres{pool: pool, opts: opts}
}

// Close releases the underlying pool resources.
func (s *Postgres) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Postgres) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate applies the embedded schema.
func (s *Postgres) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Postgres) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session once the connection is recycled
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// Upsert records an observation, creating the offer on first sight.
func (s *Postgres) Upsert(ctx context.Context, obs Observation) (UpsertResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return UpsertResult{}, err
	}

	var res UpsertResult
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		var prev *offer.Record
		rec, scanErr := scanOffer(tx.QueryRow(ctx, selectOfferForUpdateSQL, obs.OfferID, obs.Model))
		switch {
		case errors.Is(scanErr, pgx.ErrNoRows):
		case scanErr != nil:
			return fmt.Errorf("select offer: %w", scanErr)
		default:
			prev = &rec
		}

		res = applyObservation(prev, obs)
		r := res.Record
		if res.IsNew {
			_, execErr := tx.Exec(ctx, insertOfferSQL,
				r.OfferID, r.Model, r.Title, r.URL, r.Price,
				r.FirstSeen, r.LastSeen, r.PriceChanges, r.Notified, r.NotifiedAt,
				r.Misses, string(r.State), r.PrunedAt,
			)
			if execErr != nil {
				return fmt.Errorf("insert offer: %w", execErr)
			}
			return nil
		}

		_, execErr := tx.Exec(ctx, updateOfferSQL,
			r.OfferID, r.Model, r.Title, r.URL, r.Price,
			r.LastSeen, r.PriceChanges, r.Misses, string(r.State), r.PrunedAt,
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
func (s *Postgres) MarkNotified(ctx context.Context, offerID string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markNotifiedSQL, offerID, at.UTC())
	if execErr != nil {
		return fmt.Errorf("mark notified: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// OfferNotified reports whether offerID was delivered under any model.
func (s *Postgres) OfferNotified(ctx context.Context, offerID string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var notified bool
	if err := pool.QueryRow(ctx, offerNotifiedSQL, offerID).Scan(&notified); err != nil {
		return false, fmt.Errorf("offer notified: %w", err)
	}
	return notified, nil
}

// BeginSweep snapshots the active offers of model.
func (s *Postgres) BeginSweep(ctx context.Context, model string) (*Sweep, error) {
	if _, err := s.getPool(); err != nil {
		return nil, err
	}
	return beginSweep(ctx, s, model, s.opts.pruneThreshold())
}

func (s *Postgres) activeOfferIDs(ctx context.Context, model string) ([]string, error) {
	rows, err := s.pool.Query(ctx, activeOfferIDsSQL, model)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Postgres) recordMisses(ctx context.Context, model string, offerIDs []string, threshold int, at time.Time) ([]string, error) {
	var pruned []string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, recordMissesSQL, model, offerIDs, threshold, at)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id, state string
			if err := rows.Scan(&id, &state); err != nil {
				return err
			}
			if offer.State(state) == offer.StatePruned {
				pruned = append(pruned, id)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return pruned, nil
}

// LastOffer returns the most recently discovered active offer.
func (s *Postgres) LastOffer(ctx context.Context) (offer.Record, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return offer.Record{}, false, err
	}
	rec, err := scanOffer(pool.QueryRow(ctx, lastOfferSQL))
	if errors.Is(err, pgx.ErrNoRows) {
		return offer.Record{}, false, nil
	}
	if err != nil {
		return offer.Record{}, false, fmt.Errorf("last offer: %w", err)
	}
	return rec, true, nil
}

// CheapestActive lists the lowest priced active offers, one row per offer id.
func (s *Postgres) CheapestActive(ctx context.Context, limit int) ([]offer.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	records, err := s.queryOffers(ctx, pool, cheapestActiveSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("cheapest active offers: %w", err)
	}
	return records, nil
}

// ListOffers returns the offers stored under model ordered by first sight.
func (s *Postgres) ListOffers(ctx context.Context, model string, includePruned bool) ([]offer.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	records, err := s.queryOffers(ctx, pool, listOffersSQL, model, includePruned)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return records, nil
}

// CountOffers counts stored offers per lifecycle state.
func (s *Postgres) CountOffers(ctx context.Context) (map[offer.State]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, countOffersSQL)
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

func (s *Postgres) queryOffers(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]offer.Record, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]offer.Record, 0)
	for rows.Next() {
		rec, scanErr := scanOffer(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// SaveStats persists a model statistics snapshot.
func (s *Postgres) SaveStats(ctx context.Context, snap stats.Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertStatsSQL,
		snap.Model, snap.N, snap.Mean, snap.M2, snap.Min, snap.Max, snap.UpdatedAt.UTC(),
	)
	if execErr != nil {
		return fmt.Errorf("save stats: %w", execErr)
	}
	return nil
}

// LoadStats reads the persisted statistics of model.
func (s *Postgres) LoadStats(ctx context.Context, model string) (stats.Snapshot, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return stats.Snapshot{}, false, err
	}
	snap, err := scanStats(pool.QueryRow(ctx, loadStatsSQL, model))
	if errors.Is(err, pgx.ErrNoRows) {
		return stats.Snapshot{Model: model}, false, nil
	}
	if err != nil {
		return stats.Snapshot{}, false, fmt.Errorf("load stats: %w", err)
	}
	return snap, true, nil
}

// ListStats returns the statistics of every model.
func (s *Postgres) ListStats(ctx context.Context) ([]stats.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listStatsSQL)
	if err != nil {
		return nil, fmt.Errorf("list stats: %w", err)
	}
	defer rows.Close()

	out := make([]stats.Snapshot, 0)
	for rows.Next() {
		snap, scanErr := scanStats(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanOffer(row pgx.Row) (offer.Record, error) {
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
	rec.State = offer.State(state)
	if notifiedAt.Valid {
		t := notifiedAt.Time
		rec.NotifiedAt = &t
	}
	if prunedAt.Valid {
		t := prunedAt.Time
		rec.PrunedAt = &t
	}
	return rec, nil
}

func scanStats(row pgx.Row) (stats.Snapshot, error) {
	var snap stats.Snapshot
	if err := row.Scan(
		&snap.Model,
		&snap.N,
		&snap.Mean,
		&snap.M2,
		&snap.Min,
		&snap.Max,
		&snap.UpdatedAt,
	); err != nil {
		return stats.Snapshot{}, err
	}
	return snap, nil
}

var _ Store = (*Postgres)(nil)
