package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"imgd/internal/common/fsutil"
	"imgd/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	negative_prompt TEXT NOT NULL DEFAULT '',
	size TEXT NOT NULL DEFAULT '',
	seed INTEGER,
	n INTEGER NOT NULL DEFAULT 1,
	input_image_path TEXT NOT NULL DEFAULT '',
	mask_image_path TEXT NOT NULL DEFAULT '',
	strength REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	progress REAL NOT NULL DEFAULT 0,
	progress_message TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	generation_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);

CREATE TABLE IF NOT EXISTS generations (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	type TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	negative_prompt TEXT NOT NULL DEFAULT '',
	size TEXT NOT NULL DEFAULT '',
	seed INTEGER NOT NULL DEFAULT 0,
	params TEXT,
	warnings TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generations_job ON generations(job_id);

CREATE TABLE IF NOT EXISTS images (
	generation_id TEXT NOT NULL REFERENCES generations(id) ON DELETE CASCADE,
	idx INTEGER NOT NULL,
	content_type TEXT NOT NULL,
	revised_prompt TEXT NOT NULL DEFAULT '',
	data BLOB NOT NULL,
	PRIMARY KEY (generation_id, idx)
);
`

const jobColumns = `id, type, model, prompt, negative_prompt, size, seed, n, input_image_path, mask_image_path, strength, status, progress, progress_message, error, generation_id, created_at, updated_at`

// terminalStatuses is the SQL list used to refuse writes to finished jobs.
const terminalStatuses = `('completed','failed','cancelled')`

// SQLite implements Store and GenerationStore on one database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
	log zerolog.Logger
}

var (
	_ Store           = (*SQLite)(nil)
	_ GenerationStore = (*SQLite)(nil)
)

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string, logger zerolog.Logger) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("jobs: empty database path")
	}
	if path != ":memory:" {
		p, err := fsutil.ExpandHome(path)
		if err != nil {
			return nil, err
		}
		path = p
		if err := fsutil.EnsureParent(path); err != nil {
			return nil, fmt.Errorf("create jobs db dir: %w", err)
		}
	}
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open jobs db: %w", err)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	if err := execSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init jobs schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now, log: logger.With().Str("component", "jobs").Logger()}, nil
}

func execSchema(db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database.
func (s *SQLite) Close() error { return s.db.Close() }

// Enqueue inserts job as pending, assigning an id when empty.
func (s *SQLite) Enqueue(ctx context.Context, job types.Job) (types.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.N <= 0 {
		job.N = 1
	}
	now := s.now()
	job.Status = types.JobPending
	job.Progress = 0
	job.ProgressMessage = ""
	job.Error = ""
	job.GenerationID = ""
	job.CreatedAt = now
	job.UpdatedAt = now
	var seed any
	if job.Seed != nil {
		seed = *job.Seed
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, string(job.Type), job.Model, job.Prompt, job.NegativePrompt, job.Size, seed, job.N,
		job.InputImagePath, job.MaskImagePath, job.Strength, string(job.Status), job.Progress,
		job.ProgressMessage, job.Error, job.GenerationID, now.UnixNano(), now.UnixNano())
	if err != nil {
		return types.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	s.log.Debug().Str("job", job.ID).Str("type", string(job.Type)).Msg("job enqueued")
	return job, nil
}

// Get returns the job with id.
func (s *SQLite) Get(ctx context.Context, id string) (types.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Job{}, ErrJobNotFound(id)
	}
	return job, err
}

// List returns jobs newest first.
func (s *SQLite) List(ctx context.Context, opts ListOptions) ([]types.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if opts.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ClaimNextPending claims the oldest pending job.
func (s *SQLite) ClaimNextPending(ctx context.Context) (types.Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Job{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT 1`, string(types.JobPending))
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Job{}, false, nil
		}
		return types.Job{}, false, err
	}
	now := s.now()
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(types.JobModelLoading), now.UnixNano(), job.ID, string(types.JobPending))
	if err != nil {
		return types.Job{}, false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return types.Job{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return types.Job{}, false, err
	}
	job.Status = types.JobModelLoading
	job.UpdatedAt = now
	return job, true, nil
}

// UpdateStatus writes status and the set fields of extra. Terminal jobs are
// left untouched.
func (s *SQLite) UpdateStatus(ctx context.Context, id string, status types.JobStatus, extra Update) error {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), s.now().UnixNano()}
	if extra.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, clamp01(*extra.Progress))
	}
	if extra.Message != nil {
		sets = append(sets, "progress_message = ?")
		args = append(args, *extra.Message)
	}
	if extra.Error != "" {
		sets = append(sets, "error = ?")
		args = append(args, extra.Error)
	}
	if extra.GenerationID != "" {
		sets = append(sets, "generation_id = ?")
		args = append(args, extra.GenerationID)
	}
	args = append(args, id)
	q := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status NOT IN ` + terminalStatuses
	return s.execGuarded(ctx, id, q, args...)
}

// UpdateProgress records progress on a job that has not finished.
func (s *SQLite) UpdateProgress(ctx context.Context, id string, fraction float64, message string) error {
	q := `UPDATE jobs SET progress = ?, progress_message = ?, updated_at = ? WHERE id = ? AND status NOT IN ` + terminalStatuses
	return s.execGuarded(ctx, id, q, clamp01(fraction), message, s.now().UnixNano(), id)
}

// Cancel marks a non-terminal job cancelled and returns it.
func (s *SQLite) Cancel(ctx context.Context, id string) (types.Job, error) {
	q := `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status NOT IN ` + terminalStatuses
	if err := s.execGuarded(ctx, id, q, string(types.JobCancelled), s.now().UnixNano(), id); err != nil {
		return types.Job{}, err
	}
	return s.Get(ctx, id)
}

// RequeueInterrupted returns jobs left in model_loading or processing by a
// previous run to pending. Call once at startup before the scheduler runs.
func (s *SQLite) RequeueInterrupted(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, progress = 0, progress_message = '', updated_at = ? WHERE status IN (?, ?)`,
		string(types.JobPending), s.now().UnixNano(), string(types.JobModelLoading), string(types.JobProcessing))
	if err != nil {
		return 0, fmt.Errorf("requeue interrupted jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// execGuarded runs an update that only applies to non-terminal rows and
// distinguishes a missing job from a finished one.
func (s *SQLite) execGuarded(ctx context.Context, id, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound(id)
	}
	if err != nil {
		return err
	}
	return jobFinishedError{id: id, status: status}
}

// CreateGeneration stores the generation record and returns its id.
func (s *SQLite) CreateGeneration(ctx context.Context, g Generation) (string, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	params, err := marshalNullable(g.Params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	warnings, err := marshalNullable(g.Warnings)
	if err != nil {
		return "", fmt.Errorf("encode warnings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO generations (id, job_id, type, model, prompt, negative_prompt, size, seed, params, warnings, created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.JobID, string(g.Type), g.Model, g.Prompt, g.NegativePrompt, g.Size, g.Seed, params, warnings, s.now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert generation: %w", err)
	}
	return g.ID, nil
}

// AddImages appends images to a generation in one transaction.
func (s *SQLite) AddImages(ctx context.Context, generationID string, images []types.Image) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(idx) + 1, 0) FROM images WHERE generation_id = ?`, generationID).Scan(&next); err != nil {
		return err
	}
	for i, img := range images {
		if _, err := tx.ExecContext(ctx, `INSERT INTO images (generation_id, idx, content_type, revised_prompt, data) VALUES (?,?,?,?,?)`,
			generationID, next+i, img.ContentType, img.RevisedPrompt, img.Data); err != nil {
			return fmt.Errorf("insert image %d: %w", next+i, err)
		}
	}
	return tx.Commit()
}

// GetGeneration loads a generation with its images.
func (s *SQLite) GetGeneration(ctx context.Context, id string) (Generation, error) {
	var (
		g                Generation
		typ              string
		params, warnings sql.NullString
		created          int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, job_id, type, model, prompt, negative_prompt, size, seed, params, warnings, created_at FROM generations WHERE id = ?`, id).
		Scan(&g.ID, &g.JobID, &typ, &g.Model, &g.Prompt, &g.NegativePrompt, &g.Size, &g.Seed, &params, &warnings, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Generation{}, generationNotFoundError{id: id}
	}
	if err != nil {
		return Generation{}, err
	}
	g.Type = types.JobType(typ)
	g.CreatedAt = time.Unix(0, created)
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &g.Params); err != nil {
			return Generation{}, fmt.Errorf("generation %s params: %w", id, err)
		}
	}
	if warnings.Valid && warnings.String != "" {
		if err := json.Unmarshal([]byte(warnings.String), &g.Warnings); err != nil {
			return Generation{}, fmt.Errorf("generation %s warnings: %w", id, err)
		}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT content_type, revised_prompt, data FROM images WHERE generation_id = ? ORDER BY idx`, id)
	if err != nil {
		return Generation{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var img types.Image
		if err := rows.Scan(&img.ContentType, &img.RevisedPrompt, &img.Data); err != nil {
			return Generation{}, err
		}
		g.Images = append(g.Images, img)
	}
	return g, rows.Err()
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (types.Job, error) {
	var (
		job              types.Job
		typ, status      string
		seed             sql.NullInt64
		created, updated int64
	)
	err := scanner.Scan(&job.ID, &typ, &job.Model, &job.Prompt, &job.NegativePrompt, &job.Size, &seed, &job.N,
		&job.InputImagePath, &job.MaskImagePath, &job.Strength, &status, &job.Progress, &job.ProgressMessage,
		&job.Error, &job.GenerationID, &created, &updated)
	if err != nil {
		return types.Job{}, err
	}
	job.Type = types.JobType(typ)
	job.Status = types.JobStatus(status)
	if seed.Valid {
		v := seed.Int64
		job.Seed = &v
	}
	job.CreatedAt = time.Unix(0, created)
	job.UpdatedAt = time.Unix(0, updated)
	return job, nil
}

func marshalNullable(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 0 {
			return nil, nil
		}
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
