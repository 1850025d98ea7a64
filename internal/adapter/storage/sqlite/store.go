package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/port"
	"modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the durable workflow state store. It is also the factory for the
// event queue, which shares the same database file.
type Store struct {
	db *sql.DB
}

var hookOnce sync.Once

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
				"PRAGMA foreign_keys = ON",
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return fmt.Errorf("execute %s: %w", p, err)
				}
			}
			return nil
		})
	})
}

func NewStore(dataDir string) (*Store, error) {
	registerHook()

	dbPath := filepath.Join(dataDir, "visor.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection: WAL allows concurrent reads but only one writer.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

const jobColumns = `id, video_ref, stage, priority, attempts, total_frames,
	processed_frames, last_error, error_kind, created_at, stage_entered_at, terminal_at`

func (s *Store) Save(j *domain.ProcessingJob) error {
	attempts, err := json.Marshal(j.Attempts)
	if err != nil {
		return fmt.Errorf("encode attempts: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.VideoRef, string(j.Stage), j.Priority, string(attempts),
		j.TotalFrames, j.ProcessedFrames, j.LastError, j.ErrorKind,
		j.CreatedAt, j.StageEnteredAt, j.TerminalAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("active job for video %s exists: %w", j.VideoRef, err)
	}
	return err
}

func (s *Store) Get(id string) (*domain.ProcessingJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *Store) GetActiveByVideoRef(videoRef string) (*domain.ProcessingJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs
		WHERE video_ref = ? AND stage NOT IN ('completed', 'failed', 'archived')`, videoRef)
	job, err := scanJob(row)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return job, err
}

func (s *Store) Update(j *domain.ProcessingJob) error {
	attempts, err := json.Marshal(j.Attempts)
	if err != nil {
		return fmt.Errorf("encode attempts: %w", err)
	}
	res, err := s.db.Exec(`UPDATE jobs SET stage = ?, priority = ?, attempts = ?,
		total_frames = ?, processed_frames = ?, last_error = ?, error_kind = ?,
		stage_entered_at = ?, terminal_at = ?
		WHERE id = ?`,
		string(j.Stage), j.Priority, string(attempts), j.TotalFrames,
		j.ProcessedFrames, j.LastError, j.ErrorKind, j.StageEnteredAt,
		j.TerminalAt, j.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ListActive() ([]*domain.ProcessingJob, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs
		WHERE stage NOT IN ('completed', 'failed', 'archived')
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.ProcessingJob, error) {
	var j domain.ProcessingJob
	var stage, attempts string
	err := row.Scan(&j.ID, &j.VideoRef, &stage, &j.Priority, &attempts,
		&j.TotalFrames, &j.ProcessedFrames, &j.LastError, &j.ErrorKind,
		&j.CreatedAt, &j.StageEnteredAt, &j.TerminalAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Stage = domain.Stage(stage)
	if err := json.Unmarshal([]byte(attempts), &j.Attempts); err != nil {
		return nil, fmt.Errorf("decode attempts: %w", err)
	}
	return &j, nil
}

var _ port.JobStore = (*Store)(nil)
