package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/dmi/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
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
	results          TEXT NOT NULL,
	snapshot         TEXT NOT NULL,
	input_checksums  TEXT NOT NULL,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_releases_published
	ON releases(reference_period, specification_id) WHERE status = 'published';
CREATE INDEX IF NOT EXISTS idx_releases_spec_period ON releases(specification_id, reference_period);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const releaseColumns = `run_id, reference_period, specification_id, geo_id, vintage_year, status, qa_status, path, reason, results, snapshot, input_checksums, created_at, updated_at`

func (s *SQLiteStore) CreateRelease(ctx context.Context, rel *model.Release) error {
	enc, err := encodeRelease(rel)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO releases (`+releaseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, ?, ?, ?)`,
		rel.RunID, rel.ReferencePeriod.String(), rel.SpecificationID, rel.GeoID, rel.VintageYear,
		string(model.ReleasePending), string(rel.QAStatus), enc.results, enc.snapshot, enc.checksums, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert release %s", rel.RunID)
	}
	rel.Status = model.ReleasePending
	rel.CreatedAt, rel.UpdatedAt = now, now
	return nil
}

func (s *SQLiteStore) MarkPublished(ctx context.Context, runID, path string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE releases SET status = ?, path = ?, updated_at = ? WHERE run_id = ? AND status = ?`,
		string(model.ReleasePublished), path, time.Now().UTC(), runID, string(model.ReleasePending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark published %s", runID)
	}
	return s.checkTransition(ctx, res, runID, model.ReleasePublished)
}

func (s *SQLiteStore) MarkAbandoned(ctx context.Context, runID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE releases SET status = ?, reason = ?, updated_at = ? WHERE run_id = ? AND status = ?`,
		string(model.ReleaseAbandoned), reason, time.Now().UTC(), runID, string(model.ReleasePending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark abandoned %s", runID)
	}
	return s.checkTransition(ctx, res, runID, model.ReleaseAbandoned)
}

// checkTransition distinguishes a missing release from one that already left
// the pending state.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, runID string, to model.ReleaseStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetRelease(ctx, runID); err != nil {
		return err
	}
	return &TransitionError{RunID: runID, To: to}
}

func (s *SQLiteStore) GetRelease(ctx context.Context, runID string) (*model.Release, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+releaseColumns+` FROM releases WHERE run_id = ?`, runID)
	rel, err := scanRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{RunID: runID}
	}
	return rel, err
}

func (s *SQLiteStore) LatestPublished(ctx context.Context, specID string, before model.Period) (*model.Release, error) {
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

func (s *SQLiteStore) ListReleases(ctx context.Context, filter Filter) ([]model.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE 1=1`
	var args []any

	if filter.SpecificationID != "" {
		query += ` AND specification_id = ?`
		args = append(args, filter.SpecificationID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Before.IsZero() {
		query += ` AND reference_period < ?`
		args = append(args, filter.Before.String())
	}
	query += ` ORDER BY reference_period DESC, created_at DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list releases")
	}
	defer rows.Close()

	var out []model.Release
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rel)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list releases iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRelease(row scannable) (*model.Release, error) {
	var (
		rel    model.Release
		period string
		enc    encodedRelease
	)
	err := row.Scan(&rel.RunID, &period, &rel.SpecificationID, &rel.GeoID, &rel.VintageYear,
		&rel.Status, &rel.QAStatus, &rel.Path, &rel.Reason,
		&enc.results, &enc.snapshot, &enc.checksums, &rel.CreatedAt, &rel.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan release")
	}
	if err := enc.decode(&rel, period); err != nil {
		return nil, err
	}
	return &rel, nil
}

// encodedRelease holds the JSON columns of a release row.
type encodedRelease struct {
	results   []byte
	snapshot  []byte
	checksums []byte
}

func encodeRelease(rel *model.Release) (encodedRelease, error) {
	var (
		enc encodedRelease
		err error
	)
	if enc.results, err = json.Marshal(rel.Results); err != nil {
		return enc, eris.Wrap(err, "ledger: marshal results")
	}
	if enc.snapshot, err = json.Marshal(rel.Snapshot); err != nil {
		return enc, eris.Wrap(err, "ledger: marshal snapshot")
	}
	checksums := rel.InputChecksums
	if checksums == nil {
		checksums = map[string]string{}
	}
	if enc.checksums, err = json.Marshal(checksums); err != nil {
		return enc, eris.Wrap(err, "ledger: marshal input checksums")
	}
	return enc, nil
}

func (enc encodedRelease) decode(rel *model.Release, period string) error {
	p, err := model.ParsePeriod(period)
	if err != nil {
		return eris.Wrapf(err, "ledger: release %s", rel.RunID)
	}
	rel.ReferencePeriod = p
	if err := json.Unmarshal(enc.results, &rel.Results); err != nil {
		return eris.Wrap(err, "ledger: unmarshal results")
	}
	if err := json.Unmarshal(enc.snapshot, &rel.Snapshot); err != nil {
		return eris.Wrap(err, "ledger: unmarshal snapshot")
	}
	if err := json.Unmarshal(enc.checksums, &rel.InputChecksums); err != nil {
		return eris.Wrap(err, "ledger: unmarshal input checksums")
	}
	return nil
}
