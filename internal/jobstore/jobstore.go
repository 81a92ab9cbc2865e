// Package jobstore persists snapshots of externally-executed jobs. The
// job object itself is opaque; the store serializes whatever payload it
// was given and re-saves the snapshot every time the job's observable
// status changes. Execution semantics live elsewhere.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/cartokit/layerlens/internal/watch"
)

// Status is a job's externally-reported lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Job pairs an opaque payload with an observable status field.
type Job struct {
	ID      string
	Kind    string
	Payload json.RawMessage
	Created time.Time
	Status  *watch.Field[Status]
}

// NewJob wraps payload into a trackable job with a fresh id.
func NewJob(kind string, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	return &Job{
		ID:      uuid.NewString(),
		Kind:    kind,
		Payload: raw,
		Created: time.Now().UTC(),
		Status:  watch.NewField(StatusPending),
	}, nil
}

const jobSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	payload BLOB,
	created INTEGER NOT NULL
);
`

// Store is a SQLite-backed job snapshot store. Saves funnel through a
// single writer goroutine; a failed save is logged and retried on the
// job's next status change only.
type Store struct {
	log *zap.Logger
	db  *sql.DB

	mu      sync.Mutex
	cancels map[string]func()

	saves chan *Job
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store logger.
func WithLogger(log *zap.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// Open opens (or creates) the job database at path and starts the
// writer.
func Open(path string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open job db %s: %w", path, err)
	}
	if _, err := db.Exec(jobSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create job schema: %w", err)
	}
	s := &Store{
		log:     zap.NewNop(),
		db:      db,
		cancels: make(map[string]func()),
		saves:   make(chan *Job, 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.writer()
	return s, nil
}

func (s *Store) writer() {
	defer close(s.done)
	for {
		select {
		case job := <-s.saves:
			if err := s.save(job); err != nil {
				s.log.Warn("job snapshot save failed",
					zap.String("job", job.ID),
					zap.Error(err))
			}
		case <-s.quit:
			// Drain whatever is already queued before stopping.
			for {
				select {
				case job := <-s.saves:
					if err := s.save(job); err != nil {
						s.log.Warn("job snapshot save failed",
							zap.String("job", job.ID),
							zap.Error(err))
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Store) save(job *Job) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO jobs (id, kind, status, payload, created) VALUES (?, ?, ?, ?, ?)",
		job.ID, job.Kind, string(job.Status.Get()), []byte(job.Payload), job.Created.UnixMilli())
	return err
}

// Track persists the job now and re-saves on every status change the
// job's observable field reports.
func (s *Store) Track(job *Job) error {
	if err := s.save(job); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	cancel := job.Status.Observe(func(Status) {
		select {
		case s.saves <- job:
		case <-s.quit:
		default:
			s.log.Warn("job save queue full, snapshot dropped", zap.String("job", job.ID))
		}
	})
	s.mu.Lock()
	if prev, ok := s.cancels[job.ID]; ok {
		prev()
	}
	s.cancels[job.ID] = cancel
	s.mu.Unlock()
	return nil
}

// Resume loads all persisted job snapshots. Returned jobs are not
// tracked; call Track to resume re-saving.
func (s *Store) Resume() ([]*Job, error) {
	rows, err := s.db.Query("SELECT id, kind, status, payload, created FROM jobs ORDER BY created")
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var jobs []*Job
	for rows.Next() {
		var (
			id, kind, status string
			payload          []byte
			created          int64
		)
		if err := rows.Scan(&id, &kind, &status, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, &Job{
			ID:      id,
			Kind:    kind,
			Payload: payload,
			Created: time.UnixMilli(created).UTC(),
			Status:  watch.NewField(Status(status)),
		})
	}
	return jobs, rows.Err()
}

// Forget stops tracking the job and deletes its snapshot.
func (s *Store) Forget(id string) error {
	s.mu.Lock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// Close detaches all observers, flushes queued saves, and closes the
// database.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.quit) })
	<-s.done
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = make(map[string]func())
	s.mu.Unlock()
	return s.db.Close()
}
