package store

import (
	"sort"
	"sync"
	"time"

	"github.com/promptmux/promptmux/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store. Jobs are
// shared by reference with the executors; account objects are copied on
// write so readers never observe a half-applied admin edit.
type MemoryStore struct {
	jobs       map[string]*models.Job
	accounts   map[string]*models.Account
	jobsMu     sync.RWMutex
	accountsMu sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.Job),
		accounts: make(map[string]*models.Account),
	}
}

// Job operations

func (s *MemoryStore) SaveJob(job *models.Job) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *MemoryStore) DeleteJob(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) ListJobs() []*models.Job {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

func (s *MemoryStore) ListJobsByStatus(status models.Status) []*models.Job {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	jobs := make([]*models.Job, 0)
	for _, job := range s.jobs {
		if job.CurrentStatus() == status {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

func (s *MemoryStore) ListJobsByInstance(instanceID string) []*models.Job {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	jobs := make([]*models.Job, 0)
	for _, job := range s.jobs {
		if job.InstanceID == instanceID {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

func (s *MemoryStore) CountJobs() int {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	return len(s.jobs)
}

func (s *MemoryStore) UpdateJobStatus(id string, status models.Status, progress, failReason string) error {
	s.jobsMu.RLock()
	job, ok := s.jobs[id]
	s.jobsMu.RUnlock()
	if !ok {
		return ErrJobNotFound
	}
	// Mutation goes through the job's own guarded methods; shared-reference
	// semantics mean status writes are already visible to executors.
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
	return nil
}

func (s *MemoryStore) DeleteJobsBefore(cutoff time.Time) (int, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if !models.IsTerminal(job.CurrentStatus()) {
			continue
		}
		if job.FinishTime != nil && job.FinishTime.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Account operations

func (s *MemoryStore) SaveAccount(account *models.Account) error {
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()
	cp := *account
	cp.UpdatedAt = time.Now()
	s.accounts[account.ChannelID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(channelID string) (*models.Account, error) {
	s.accountsMu.RLock()
	defer s.accountsMu.RUnlock()
	account, ok := s.accounts[channelID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *account
	return &cp, nil
}

func (s *MemoryStore) DeleteAccount(channelID string) error {
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()
	if _, ok := s.accounts[channelID]; !ok {
		return ErrAccountNotFound
	}
	delete(s.accounts, channelID)
	return nil
}

func (s *MemoryStore) ListAccounts() []*models.Account {
	s.accountsMu.RLock()
	defer s.accountsMu.RUnlock()
	accounts := make([]*models.Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		cp := *account
		accounts = append(accounts, &cp)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ChannelID < accounts[j].ChannelID })
	return accounts
}

// Lifecycle

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) HealthCheck() error {
	return nil
}
