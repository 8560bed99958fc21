package store

import (
	"errors"
	"time"

	"github.com/promptmux/promptmux/pkg/models"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrAccountNotFound = errors.New("account not found")
)

// Store defines the persistence interface for jobs and accounts.
// Memory, SQLite, PostgreSQL and Redis implement this interface.
type Store interface {
	// Job operations
	SaveJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	DeleteJob(id string) error
	ListJobs() []*models.Job
	ListJobsByStatus(status models.Status) []*models.Job
	ListJobsByInstance(instanceID string) []*models.Job
	CountJobs() int
	// UpdateJobStatus writes only status/progress/fail-reason so concurrent
	// writers of other fields are not clobbered.
	UpdateJobStatus(id string, status models.Status, progress, failReason string) error
	// DeleteJobsBefore prunes terminal jobs finished before the cutoff.
	// Returns the number of jobs removed.
	DeleteJobsBefore(cutoff time.Time) (int, error)

	// Account operations
	SaveAccount(account *models.Account) error
	GetAccount(channelID string) (*models.Account, error)
	DeleteAccount(channelID string) error
	ListAccounts() []*models.Account

	// Lifecycle
	Close() error
	HealthCheck() error
}

// Config holds store configuration
type Config struct {
	Type string // "memory", "sqlite", "postgres" or "redis"
	DSN  string // file path for sqlite, connection string for postgres, address for redis

	RedisPassword string
	RedisDB       int
	// RedisTTL bounds how long finished jobs stay readable.
	RedisTTL time.Duration
}

// New creates a store based on configuration
func New(config Config) (Store, error) {
	switch config.Type {
	case "redis":
		return NewRedisStore(config)
	case "postgres":
		return NewPostgresStore(config.DSN)
	case "sqlite":
		path := config.DSN
		if path == "" {
			path = "promptmux.db"
		}
		return NewSQLiteStore(path)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, errors.New("unsupported store type: " + config.Type)
	}
}
