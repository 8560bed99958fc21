package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/promptmux/promptmux/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the data store. Queryable
// fields get real columns; the full object rides along as a JSON payload so
// schema churn stays cheap.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL + busy timeout for concurrent readers, single writer connection
	// to avoid SQLITE_BUSY on the write path.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		instance_id TEXT,
		finish_time DATETIME,
		payload TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		channel_id TEXT PRIMARY KEY,
		updated_at DATETIME NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_instance ON jobs(instance_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_finish ON jobs(finish_time);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Job operations

func (s *SQLiteStore) SaveJob(job *models.Job) error {
	snapshot := job.Clone()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	var finish interface{}
	if snapshot.FinishTime != nil {
		finish = *snapshot.FinishTime
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO jobs (id, action, status, instance_id, finish_time, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snapshot.ID, snapshot.Action, snapshot.Status, snapshot.InstanceID, finish, string(payload))

	return err
}

func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM jobs WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalJob(payload)
}

func unmarshalJob(payload string) (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *SQLiteStore) DeleteJob(id string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLiteStore) ListJobs() []*models.Job {
	return s.queryJobs(`SELECT payload FROM jobs ORDER BY id`)
}

func (s *SQLiteStore) ListJobsByStatus(status models.Status) []*models.Job {
	return s.queryJobs(`SELECT payload FROM jobs WHERE status = ? ORDER BY id`, string(status))
}

func (s *SQLiteStore) ListJobsByInstance(instanceID string) []*models.Job {
	return s.queryJobs(`SELECT payload FROM jobs WHERE instance_id = ? ORDER BY id`, instanceID)
}

func (s *SQLiteStore) queryJobs(query string, args ...interface{}) []*models.Job {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		job, err := unmarshalJob(payload)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func (s *SQLiteStore) CountJobs() int {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&count); err != nil {
		return 0
	}
	return count
}

func (s *SQLiteStore) UpdateJobStatus(id string, status models.Status, progress, failReason string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	switch status {
	case models.StatusFailure:
		job.Fail(failReason)
	case models.StatusCancel:
		job.Cancel(failReason)
	default:
		job.Transition(status)
	}
	if progress != "" {
		job.SetProgress(progress)
	}
	return s.SaveJob(job)
}

func (s *SQLiteStore) DeleteJobsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND finish_time IS NOT NULL AND finish_time < ?
	`, string(models.StatusSuccess), string(models.StatusFailure), string(models.StatusCancel), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Account operations

func (s *SQLiteStore) SaveAccount(account *models.Account) error {
	account.UpdatedAt = time.Now()
	payload, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO accounts (channel_id, updated_at, payload)
		VALUES (?, ?, ?)
	`, account.ChannelID, account.UpdatedAt, string(payload))
	return err
}

func (s *SQLiteStore) GetAccount(channelID string) (*models.Account, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM accounts WHERE channel_id = ?`, channelID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	var account models.Account
	if err := json.Unmarshal([]byte(payload), &account); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &account, nil
}

func (s *SQLiteStore) DeleteAccount(channelID string) error {
	res, err := s.db.Exec(`DELETE FROM accounts WHERE channel_id = ?`, channelID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *SQLiteStore) ListAccounts() []*models.Account {
	rows, err := s.db.Query(`SELECT payload FROM accounts ORDER BY channel_id`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	accounts := make([]*models.Account, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		var account models.Account
		if err := json.Unmarshal([]byte(payload), &account); err != nil {
			continue
		}
		accounts = append(accounts, &account)
	}
	return accounts
}

// Lifecycle

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}
