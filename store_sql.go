package dockerizer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

////////////////////////////////////////////////////////////////////////////////
// Persistence over the web layer's relational database (MySQL or PostgreSQL)
////////////////////////////////////////////////////////////////////////////////

const (
	mysqlDuplicateEntry   = 1062
	postgresUniqueViolate = "23505"
)

type sqlStore struct {
	db     *sql.DB
	driver storeDriver
}

func openSQLStore(ctx context.Context, cfg StoreConfig) (*sqlStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("store dsn is empty")
	}
	dsn, err := normalizeDSN(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(string(cfg.Driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	return newSQLStore(db, cfg.Driver), nil
}

// normalizeDSN forces parseTime for MySQL; timestamps are scanned into time.Time.
func normalizeDSN(driver storeDriver, dsn string) (string, error) {
	if driver != storeDriverMySQL {
		return dsn, nil
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	parsed.ParseTime = true
	// Matched rather than changed rows; an identical update still counts.
	parsed.ClientFoundRows = true
	return parsed.FormatDSN(), nil
}

func newSQLStore(db *sql.DB, driver storeDriver) *sqlStore {
	return &sqlStore{db: db, driver: driver}
}

// rebind rewrites ? placeholders to $1..$n for PostgreSQL.
func rebind(driver storeDriver, query string) string {
	if driver != storeDriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation recognizes duplicate key errors of both drivers.
func isUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == postgresUniqueViolate
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %d", ErrRecordNotFound, what, id)
	}
	return err
}

func (s *sqlStore) q(query string) string {
	return rebind(s.driver, query)
}

func (s *sqlStore) GetSubmission(ctx context.Context, id int64) (Submission, error) {
	var sub Submission
	var runtime sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, owner_id, owner_name, problem_id, reference, runtime, status, selected, updated_at
		 FROM submissions WHERE id = ?`), id).Scan(
		&sub.ID, &sub.OwnerID, &sub.OwnerName, &sub.ProblemID, &sub.Reference,
		&runtime, &sub.Status, &sub.Selected, &sub.UpdatedAt,
	)
	if err != nil {
		return Submission{}, notFound(err, "submission", id)
	}
	sub.Runtime = runtime.String
	return sub, nil
}

func (s *sqlStore) SaveSubmission(ctx context.Context, sub Submission) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE submissions SET status = ?, selected = ?, updated_at = ? WHERE id = ?`),
		sub.Status, sub.Selected, time.Now().UTC(), sub.ID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, "submission", sub.ID)
}

func (s *sqlStore) SelectSubmission(ctx context.Context, sub Submission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, s.q(
		`UPDATE submissions SET selected = ? WHERE owner_id = ? AND problem_id = ? AND id <> ? AND selected = ?`),
		false, sub.OwnerID, sub.ProblemID, sub.ID, true,
	); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.q(`UPDATE submissions SET selected = ?, updated_at = ? WHERE id = ?`),
		true, time.Now().UTC(), sub.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: submission %d: %w", ErrSelectionConflict, sub.ID, err)
		}
		return err
	}
	if err := expectOneRow(res, "submission", sub.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: submission %d: %w", ErrSelectionConflict, sub.ID, err)
		}
		return err
	}
	return nil
}

func (s *sqlStore) GetProblem(ctx context.Context, id int64) (Problem, error) {
	var (
		p                 Problem
		outputVolume      sql.NullInt64
		evaluatorCodeID   sql.NullInt64
		metricoCodeID     sql.NullInt64
		terminateOnFailed sql.NullBool
		director, roles   []byte
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, title, code_execution, output_volume_size, evaluation_mode, evaluator_code_id,
		        metrico_code_id, director, roles, run_timeout, terminate_on_actor_failure
		 FROM problems WHERE id = ?`), id).Scan(
		&p.ID, &p.Title, &p.CodeExecution, &outputVolume, &p.EvaluationMode, &evaluatorCodeID,
		&metricoCodeID, &director, &roles, &p.RunTimeout, &terminateOnFailed,
	)
	if err != nil {
		return Problem{}, notFound(err, "problem", id)
	}
	p.OutputVolumeSize = nullInt64Ptr(outputVolume)
	p.EvaluatorCodeID = nullInt64Ptr(evaluatorCodeID)
	p.MetricoCodeID = nullInt64Ptr(metricoCodeID)
	if terminateOnFailed.Valid {
		v := terminateOnFailed.Bool
		p.TerminateOnActorFailure = &v
	}
	if len(director) > 0 && string(director) != "null" {
		p.Director = &Role{}
		if err := json.Unmarshal(director, p.Director); err != nil {
			return Problem{}, fmt.Errorf("decode director of problem %d: %w", id, err)
		}
	}
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &p.Roles); err != nil {
			return Problem{}, fmt.Errorf("decode roles of problem %d: %w", id, err)
		}
	}
	return p, nil
}

func (s *sqlStore) GetCode(ctx context.Context, id int64) (Code, error) {
	var c Code
	var image sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, repo_path, reference, image, updated_at FROM codes WHERE id = ?`), id).Scan(
		&c.ID, &c.RepoPath, &c.Reference, &image, &c.UpdatedAt,
	)
	if err != nil {
		return Code{}, notFound(err, "code", id)
	}
	c.Image = image.String
	return c, nil
}

func (s *sqlStore) SaveCode(ctx context.Context, code Code) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE codes SET reference = ?, image = ?, updated_at = ? WHERE id = ?`),
		code.Reference, code.Image, time.Now().UTC(), code.ID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, "code", code.ID)
}

func (s *sqlStore) CreateRun(ctx context.Context, run Run) (Run, error) {
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now
	const insert = `INSERT INTO runs (owner_id, problem_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	args := []any{run.OwnerID, run.ProblemID, run.Status, now, now}
	if s.driver == storeDriverPostgres {
		if err := s.db.QueryRowContext(ctx, s.q(insert+` RETURNING id`), args...).Scan(&run.ID); err != nil {
			return Run{}, err
		}
		return run, nil
	}
	res, err := s.db.ExecContext(ctx, insert, args...)
	if err != nil {
		return Run{}, err
	}
	if run.ID, err = res.LastInsertId(); err != nil {
		return Run{}, err
	}
	return run, nil
}

func (s *sqlStore) GetRun(ctx context.Context, id int64) (Run, error) {
	var r Run
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, owner_id, problem_id, status, created_at, updated_at FROM runs WHERE id = ?`), id).Scan(
		&r.ID, &r.OwnerID, &r.ProblemID, &r.Status, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return Run{}, notFound(err, "run", id)
	}
	return r, nil
}

func (s *sqlStore) SaveRun(ctx context.Context, run Run) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`),
		run.Status, time.Now().UTC(), run.ID)
	if err != nil {
		return err
	}
	return expectOneRow(res, "run", run.ID)
}

func (s *sqlStore) AddGatheredSubmission(ctx context.Context, g GatheredSubmission) (GatheredSubmission, error) {
	const insert = `INSERT INTO gathered_submissions (run_id, submission_id, role) VALUES (?, ?, ?)`
	if s.driver == storeDriverPostgres {
		err := s.db.QueryRowContext(ctx, s.q(insert+` RETURNING id`), g.RunID, g.SubmissionID, g.Role).Scan(&g.ID)
		if err != nil {
			return GatheredSubmission{}, err
		}
		return g, nil
	}
	res, err := s.db.ExecContext(ctx, insert, g.RunID, g.SubmissionID, g.Role)
	if err != nil {
		return GatheredSubmission{}, err
	}
	if g.ID, err = res.LastInsertId(); err != nil {
		return GatheredSubmission{}, err
	}
	return g, nil
}

func (s *sqlStore) ListGatheredSubmissions(ctx context.Context, runID int64) ([]GatheredSubmission, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, run_id, submission_id, role FROM gathered_submissions WHERE run_id = ? ORDER BY id`), runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []GatheredSubmission
	for rows.Next() {
		var g GatheredSubmission
		if err := rows.Scan(&g.ID, &g.RunID, &g.SubmissionID, &g.Role); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func expectOneRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", ErrRecordNotFound, what, id)
	}
	return nil
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}
