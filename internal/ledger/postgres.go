package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dmi/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 4
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS releases (
	run_id           TEXT PRIMARY KEY,
	reference_period TEXT NOT NULL,
	specification_id TEXT NOT NULL,
	geo_id           TEXT NOT NULL,
	vintage_year     INTEGER NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	qa_status        TEXT NOT NULL,
	path             TEXT NOT NULL DEFAULT '',
	reason           TEXT NOT NULL DEFAULT '',
	results          JSONB NOT NULL,
	snapshot         JSONB NOT NULL,
	input_checksums  JSONB NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_releases_published
	ON releases(reference_period, specification_id) WHERE status = 'published';
CREATE INDEX IF NOT EXISTS idx_releases_spec_period ON releases(specification_id, reference_period DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRelease(ctx context.Context, rel *model.Release) error {
	enc, err := encodeRelease(rel)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO releases (`+releaseColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, '', '', $8, $9, $10, $11, $12)`,
		rel.RunID, rel.ReferencePeriod.String(), rel.SpecificationID, rel.GeoID, rel.VintageYear,
		string(model.ReleasePending), string(rel.QAStatus), enc.results, enc.snapshot, enc.checksums, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert release %s", rel.RunID)
	}
	rel.Status = model.ReleasePending
	rel.CreatedAt, rel.UpdatedAt = now, now
	return nil
}

func (s *PostgresStore) MarkPublished(ctx context.Context, runID, path string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE releases SET status = $1, path = $2, updated_at = $3 WHERE run_id = $4 AND status = $5`,
		string(model.ReleasePublished), path, time.Now().UTC(), runID, string(model.ReleasePending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark published %s", runID)
	}
	return s.checkTransition(ctx, tag, runID, model.ReleasePublished)
}

func (s *PostgresStore) MarkAbandoned(ctx context.Context, runID, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE releases SET status = $1, reason = $2, updated_at = $3 WHERE run_id = $4 AND status = $5`,
		string(model.ReleaseAbandoned), reason, time.Now().UTC(), runID, string(model.ReleasePending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark abandoned %s", runID)
	}
	return s.checkTransition(ctx, tag, runID, model.ReleaseAbandoned)
}

func (s *PostgresStore) checkTransition(ctx context.Context, tag pgconn.CommandTag, runID string, to model.ReleaseStatus) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetRelease(ctx, runID); err != nil {
		return err
	}
	return &TransitionError{RunID: runID, To: to}
}

func (s *PostgresStore) GetRelease(ctx context.Context, runID string) (*model.Release, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+releaseColumns+` FROM releases WHERE run_id = $1`, runID)
	rel, err := scanPgRelease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{RunID: runID}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get release %s", runID)
	}
	return rel, nil
}

func (s *PostgresStore) LatestPublished(ctx context.Context, specID string, before model.Period) (*model.Release, error) {
	rels, err := s.ListReleases(ctx, Filter{
		SpecificationID: specID,
		Status:          model.ReleasePublished,
		Before:          before,
		Limit:           1,
	})
	if err != nil {
		return nil, err
	}
	if len(rels) == 0 {
		return nil, nil
	}
	return &rels[0], nil
}

func (s *PostgresStore) ListReleases(ctx context.Context, filter Filter) ([]model.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SpecificationID != "" {
		query += fmt.Sprintf(` AND specification_id = $%d`, argIdx)
		args = append(args, filter.SpecificationID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.Before.IsZero() {
		query += fmt.Sprintf(` AND reference_period < $%d`, argIdx)
		args = append(args, filter.Before.String())
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY reference_period DESC, created_at DESC LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list releases")
	}
	defer rows.Close()

	var out []model.Release
	for rows.Next() {
		rel, err := scanPgRelease(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan release")
		}
		out = append(out, *rel)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list releases iterate")
}

func scanPgRelease(row pgx.Row) (*model.Release, error) {
	var (
		rel            model.Release
		period         string
		status, qaStat string
		enc            encodedRelease
	)
	err := row.Scan(&rel.RunID, &period, &rel.SpecificationID, &rel.GeoID, &rel.VintageYear,
		&status, &qaStat, &rel.Path, &rel.Reason,
		&enc.results, &enc.snapshot, &enc.checksums, &rel.CreatedAt, &rel.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rel.Status = model.ReleaseStatus(status)
	rel.QAStatus = model.QAStatus(qaStat)
	if err := enc.decode(&rel, period); err != nil {
		return nil, err
	}
	return &rel, nil
}
