package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/promptmux/promptmux/pkg/models"
)

const (
	jobKeyPrefix     = "task:"
	accountKeyPrefix = "account:"
	jobIndexKey      = "task:ids"
	accountIndexKey  = "account:ids"
)

// RedisStore persists jobs and accounts as JSON blobs in Redis. Used when
// several processes share one storage backend; finished jobs expire after
// the configured TTL instead of being swept.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(config Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.DSN,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := config.RedisTTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	return &RedisStore{client: client, ctx: ctx, ttl: ttl}, nil
}

// Job operations

func (s *RedisStore) SaveJob(job *models.Job) error {
	snapshot := job.Clone()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(s.ctx, jobKeyPrefix+snapshot.ID, data, s.ttl)
	pipe.SAdd(s.ctx, jobIndexKey, snapshot.ID)
	_, err = pipe.Exec(s.ctx)
	return err
}

func (s *RedisStore) GetJob(id string) (*models.Job, error) {
	data, err := s.client.Get(s.ctx, jobKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *RedisStore) DeleteJob(id string) error {
	n, err := s.client.Del(s.ctx, jobKeyPrefix+id).Result()
	if err != nil {
		return err
	}
	s.client.SRem(s.ctx, jobIndexKey, id)
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *RedisStore) ListJobs() []*models.Job {
	return s.filterJobs(func(*models.Job) bool { return true })
}

func (s *RedisStore) ListJobsByStatus(status models.Status) []*models.Job {
	return s.filterJobs(func(j *models.Job) bool { return j.Status == status })
}

func (s *RedisStore) ListJobsByInstance(instanceID string) []*models.Job {
	return s.filterJobs(func(j *models.Job) bool { return j.InstanceID == instanceID })
}

func (s *RedisStore) filterJobs(keep func(*models.Job) bool) []*models.Job {
	ids, err := s.client.SMembers(s.ctx, jobIndexKey).Result()
	if err != nil {
		return nil
	}
	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(id)
		if err != nil {
			// Expired entry; drop it from the index.
			s.client.SRem(s.ctx, jobIndexKey, id)
			continue
		}
		if keep(job) {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func (s *RedisStore) CountJobs() int {
	n, err := s.client.SCard(s.ctx, jobIndexKey).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

func (s *RedisStore) UpdateJobStatus(id string, status models.Status, progress, failReason string) error {
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

func (s *RedisStore) DeleteJobsBefore(cutoff time.Time) (int, error) {
	removed := 0
	for _, job := range s.filterJobs(func(j *models.Job) bool {
		return models.IsTerminal(j.Status) && j.FinishTime != nil && j.FinishTime.Before(cutoff)
	}) {
		if err := s.DeleteJob(job.ID); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Account operations

func (s *RedisStore) SaveAccount(account *models.Account) error {
	account.UpdatedAt = time.Now()
	data, err := json.Marshal(account)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(s.ctx, accountKeyPrefix+account.ChannelID, data, 0)
	pipe.SAdd(s.ctx, accountIndexKey, account.ChannelID)
	_, err = pipe.Exec(s.ctx)
	return err
}

func (s *RedisStore) GetAccount(channelID string) (*models.Account, error) {
	data, err := s.client.Get(s.ctx, accountKeyPrefix+channelID).Bytes()
	if err == redis.Nil {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	var account models.Account
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *RedisStore) DeleteAccount(channelID string) error {
	n, err := s.client.Del(s.ctx, accountKeyPrefix+channelID).Result()
	if err != nil {
		return err
	}
	s.client.SRem(s.ctx, accountIndexKey, channelID)
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *RedisStore) ListAccounts() []*models.Account {
	ids, err := s.client.SMembers(s.ctx, accountIndexKey).Result()
	if err != nil {
		return nil
	}
	accounts := make([]*models.Account, 0, len(ids))
	for _, id := range ids {
		account, err := s.GetAccount(id)
		if err != nil {
			continue
		}
		accounts = append(accounts, account)
	}
	return accounts
}

// Lifecycle

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) HealthCheck() error {
	return s.client.Ping(s.ctx).Err()
}
