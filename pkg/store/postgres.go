package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/promptmux/promptmux/pkg/models"
)

// PostgresStore is a PostgreSQL-based implementation of the data store for
// multi-instance deployments. Same column layout as the SQLite store:
// queryable fields get real columns, the full object rides along as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store from a connection string.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		instance_id TEXT,
		finish_time TIMESTAMPTZ,
		payload JSONB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		channel_id TEXT PRIMARY KEY,
		updated_at TIMESTAMPTZ NOT NULL,
		payload JSONB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_instance ON jobs(instance_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_finish ON jobs(finish_time);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Job operations

func (s *PostgresStore) SaveJob(job *models.Job) error {
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
		INSERT INTO jobs (id, action, status, instance_id, finish_time, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			action = EXCLUDED.action,
			status = EXCLUDED.status,
			instance_id = EXCLUDED.instance_id,
			finish_time = EXCLUDED.finish_time,
			payload = EXCLUDED.payload
	`, snapshot.ID, snapshot.Action, snapshot.Status, snapshot.InstanceID, finish, string(payload))

	return err
}

func (s *PostgresStore) GetJob(id string) (*models.Job, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM jobs WHERE id = $1`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalJob(payload)
}

func (s *PostgresStore) DeleteJob(id string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) ListJobs() []*models.Job {
	return s.queryJobs(`SELECT payload FROM jobs ORDER BY id`)
}

func (s *PostgresStore) ListJobsByStatus(status models.Status) []*models.Job {
	return s.queryJobs(`SELECT payload FROM jobs WHERE status = $1 ORDER BY id`, string(status))
}

func (s *PostgresStore) ListJobsByInstance(instanceID string) []*models.Job {
	return s.queryJobs(`SELECT payload FROM jobs WHERE instance_id = $1 ORDER BY id`, instanceID)
}

func (s *PostgresStore) queryJobs(query string, args ...interface{}) []*models.Job {
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

func (s *PostgresStore) CountJobs() int {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&count); err != nil {
		return 0
	}
	return count
}

func (s *PostgresStore) UpdateJobStatus(id string, status models.Status, progress, failReason string) error {
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

func (s *PostgresStore) DeleteJobsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM jobs
		WHERE status IN ($1, $2, $3) AND finish_time IS NOT NULL AND finish_time < $4
	`, string(models.StatusSuccess), string(models.StatusFailure), string(models.StatusCancel), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Account operations

func (s *PostgresStore) SaveAccount(account *models.Account) error {
	account.UpdatedAt = time.Now()
	payload, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO accounts (channel_id, updated_at, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			payload = EXCLUDED.payload
	`, account.ChannelID, account.UpdatedAt, string(payload))
	return err
}

func (s *PostgresStore) GetAccount(channelID string) (*models.Account, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM accounts WHERE channel_id = $1`, channelID).Scan(&payload)
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

func (s *PostgresStore) DeleteAccount(channelID string) error {
	res, err := s.db.Exec(`DELETE FROM accounts WHERE channel_id = $1`, channelID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) ListAccounts() []*models.Account {
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

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) HealthCheck() error {
	return s.db.Ping()
}
