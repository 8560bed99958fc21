// Package executor runs the per-account submission pipeline: a FIFO queue
// fed by the orchestration layer, a single pump goroutine pacing
// submissions to the upstream's anti-abuse cadence, and a bounded pool of
// in-flight jobs.
package executor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/promptmux/promptmux/pkg/logging"
	"github.com/promptmux/promptmux/pkg/models"
	"github.com/promptmux/promptmux/pkg/store"
)

// SubmitClosure performs the actual upstream call for one job: uploads
// attachments if needed, then issues the interaction. It returns the
// upstream's synchronous verdict; everything async arrives through the
// correlator.
type SubmitClosure func() models.UpstreamResult

// Notifier delivers job change notifications. Satisfied by notify.Notifier.
type Notifier interface {
	NotifyTaskChange(job *models.Job)
}

// Transport is the slice of the upstream session the executor touches
// directly. Satisfied by *discord.Session.
type Transport interface {
	Connected() bool
	MarkRead(ctx context.Context, channelID, messageID string) error
	Close()
}

const (
	// Upstream anti-abuse floor: never submit faster than this per account.
	minPacing = 1200 * time.Millisecond
	// Extra settle time after a picture-to-text submission; the upstream
	// needs longer before the next command on that flow.
	describeSettle = 3 * time.Second

	defaultPollEvery = 500 * time.Millisecond
)

type pendingItem struct {
	job    *models.Job
	submit SubmitClosure
}

// Executor owns one account's queue and running set. The pump goroutine is
// the only dequeuer; Enqueue, ExitTask and Dispose may be called from any
// goroutine.
type Executor struct {
	store     store.Store
	notifier  Notifier
	transport Transport
	log       *logging.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	account     *models.Account
	pending     []*pendingItem
	running     map[string]*models.Job
	dispatching int // dequeued by the pump, not yet in running
	sem         chan struct{}
	initialized bool
	disposed    bool
	cancel      context.CancelFunc

	// Invoked when the upstream rejects the account's credentials outright.
	onAuthFailure func(channelID string)

	// Test seams; production uses the defaults.
	pacingFloor time.Duration
	pollEvery   time.Duration
}

// New builds an executor for the account. Call Start to begin draining.
func New(account *models.Account, transport Transport, st store.Store, notifier Notifier, log *logging.Logger) *Executor {
	e := &Executor{
		store:       st,
		notifier:    notifier,
		transport:   transport,
		log:         log,
		account:     account,
		running:     make(map[string]*models.Job),
		sem:         make(chan struct{}, account.ConcurrencySize()),
		pacingFloor: minPacing,
		pollEvery:   defaultPollEvery,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// OnAuthFailure registers the account-wide escalation hook for 403-class
// upstream responses.
func (e *Executor) OnAuthFailure(fn func(channelID string)) {
	e.mu.Lock()
	e.onAuthFailure = fn
	e.mu.Unlock()
}

// Start launches the pump. Idempotent while not disposed.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized || e.disposed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.initialized = true
	go e.pump(ctx)
}

// ChannelID returns the account identity this executor serves.
func (e *Executor) ChannelID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account.ChannelID
}

// Account returns the live account record. Callers must not mutate
// capability or pacing fields directly; admin edits go through UpdateAccount.
func (e *Executor) Account() *models.Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account
}

// UpdateAccount swaps the account record after an admin edit. The
// concurrency gate keeps its original size; resizing requires a reconnect.
func (e *Executor) UpdateAccount(account *models.Account) {
	e.mu.Lock()
	e.account = account
	e.mu.Unlock()
}

// Load reports queued plus running jobs, the balancer's idleness metric.
func (e *Executor) Load() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending) + len(e.running) + e.dispatching
}

// PendingCount reports jobs waiting in the queue.
func (e *Executor) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// RunningJobs returns snapshots of the in-flight jobs.
func (e *Executor) RunningJobs() []*models.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.Job, 0, len(e.running))
	for _, j := range e.running {
		out = append(out, j)
	}
	return out
}

// FindRunning returns the in-flight or queued job with the given id.
func (e *Executor) FindRunning(jobID string) *models.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	if j, ok := e.running[jobID]; ok {
		return j
	}
	for _, it := range e.pending {
		if it.job.ID == jobID {
			return it.job
		}
	}
	return nil
}

// Alive reports whether this executor can run jobs right now: started, the
// account enabled and not CAPTCHA-locked, and the upstream feed connected.
func (e *Executor) Alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aliveLocked()
}

func (e *Executor) aliveLocked() bool {
	if !e.initialized || e.disposed {
		return false
	}
	if !e.account.Enabled || e.account.Locked {
		return false
	}
	return e.transport != nil && e.transport.Connected()
}

// Enqueue accepts a job for this account. It persists the job, appends it
// to the queue and wakes the pump. The result distinguishes an immediately
// dispatched job from one waiting behind others.
func (e *Executor) Enqueue(job *models.Job, submit SubmitClosure) *models.SubmitResult {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return models.SubmitError(models.ErrInstanceUnavailable, "account instance unavailable")
	}
	limit := e.account.MaxQueueSize
	if limit > 0 && len(e.pending) >= limit {
		e.mu.Unlock()
		return models.SubmitError(models.ErrQueueFull, "submission queue full")
	}

	job.InstanceID = e.account.ChannelID
	ahead := len(e.pending) + len(e.running) + e.dispatching
	e.pending = append(e.pending, &pendingItem{job: job, submit: submit})
	account := e.account
	countDraw := job.Action.NewGeneration()
	if countDraw {
		account.DayDrawCount++
	}
	e.cond.Signal()
	e.mu.Unlock()

	if err := e.store.SaveJob(job); err != nil {
		e.log.Error("persist enqueued job", map[string]interface{}{
			"task_id": job.ID,
			"error":   err.Error(),
		})
	}
	if countDraw {
		if err := e.store.SaveAccount(account); err != nil {
			e.log.Error("persist day draw count", map[string]interface{}{
				"channel_id": account.ChannelID,
				"error":      err.Error(),
			})
		}
	}

	if ahead == 0 {
		return models.SubmitOK(job.ID)
	}
	return models.SubmitQueued(job.ID, ahead)
}

// pump is the single dequeuer: sleep, dequeue, dispatch, sleep. The two
// sleeps bracket every submission so the account never bursts.
func (e *Executor) pump(ctx context.Context) {
	for {
		e.mu.Lock()
		for len(e.pending) == 0 && !e.disposed {
			e.cond.Wait()
		}
		if e.disposed {
			e.mu.Unlock()
			return
		}
		pre := e.pacing(e.account.Interval, e.account.Interval)
		e.mu.Unlock()

		if !sleepCtx(ctx, pre) {
			return
		}

		e.mu.Lock()
		if e.disposed || len(e.pending) == 0 {
			e.mu.Unlock()
			if e.disposed {
				return
			}
			continue
		}
		item := e.pending[0]
		e.pending = e.pending[1:]
		e.dispatching++
		post := e.pacing(e.account.AfterIntervalMin, e.account.AfterIntervalMax)
		e.mu.Unlock()

		go e.execute(ctx, item)

		if item.job.Action == models.ActionDescribe {
			post += describeSettle
		}
		if !sleepCtx(ctx, post) {
			return
		}
	}
}

// pacing draws a delay from [min,max] seconds, never below the floor.
func (e *Executor) pacing(minSec, maxSec float64) time.Duration {
	d := time.Duration(minSec * float64(time.Second))
	if maxSec > minSec {
		span := time.Duration((maxSec - minSec) * float64(time.Second))
		d += time.Duration(rand.Int63n(int64(span) + 1))
	}
	if d < e.pacingFloor {
		d = e.pacingFloor
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// execute runs one job end to end: concurrency slot, alive gate, upstream
// call, then poll until the correlator drives the job terminal or the
// account timeout fires.
func (e *Executor) execute(ctx context.Context, item *pendingItem) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		e.mu.Lock()
		e.dispatching--
		e.mu.Unlock()
		item.job.Fail("forced cancellation")
		e.persistNotify(item.job)
		return
	}

	job := item.job
	e.mu.Lock()
	e.running[job.ID] = job
	e.dispatching--
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.running, job.ID)
		e.mu.Unlock()
		<-e.sem
		e.persistNotify(job)
	}()

	e.mu.Lock()
	alive := e.aliveLocked()
	timeout := e.account.Timeout()
	channelID := e.account.ChannelID
	e.mu.Unlock()

	if !alive {
		job.Fail("account instance unavailable")
		return
	}

	job.Transition(models.StatusSubmitted)
	job.SetProgress("0%")
	e.persistNotify(job)

	res := item.submit()
	if res.Code == 403 {
		job.Fail("critical error: account disabled (credentials rejected)")
		e.log.Error("upstream rejected account credentials", map[string]interface{}{
			"channel_id": channelID,
			"task_id":    job.ID,
		})
		e.mu.Lock()
		fn := e.onAuthFailure
		e.mu.Unlock()
		if fn != nil {
			fn(channelID)
		}
		return
	}
	if !res.OK() {
		reason := res.Description
		if reason == "" {
			reason = "upstream rejected submission"
		}
		job.Fail(reason)
		return
	}

	// The upstream accepted; reassert the baseline in case the closure
	// touched progress, then wait for the correlator to finish the job.
	job.Transition(models.StatusSubmitted)
	job.SetProgress("0%")
	e.persistNotify(job)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()
	for {
		st := job.CurrentStatus()
		if models.IsTerminal(st) {
			break
		}
		if time.Now().After(deadline) {
			job.Fail("job timed out waiting for upstream result")
			return
		}
		select {
		case <-ctx.Done():
			job.Fail("forced cancellation")
			return
		case <-ticker.C:
		}
	}

	if job.CurrentStatus() == models.StatusSuccess && e.transport != nil {
		// best effort; unread buildup is cosmetic
		meta := job.MetaSnapshot()
		if meta.MessageID != "" {
			ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = e.transport.MarkRead(ackCtx, channelID, meta.MessageID)
			cancel()
		}
	}
}

// ExitTask removes a job from this executor: running entry dropped, pending
// queue rebuilt without it. The caller settles the job's status first.
func (e *Executor) ExitTask(job *models.Job) {
	e.mu.Lock()
	delete(e.running, job.ID)
	if len(e.pending) > 0 {
		kept := e.pending[:0]
		for _, it := range e.pending {
			if it.job.ID != job.ID {
				kept = append(kept, it)
			}
		}
		e.pending = kept
	}
	e.mu.Unlock()
	e.persistNotify(job)
}

// Dispose shuts the executor down: the pump stops, every queued and running
// job fails with a forced-cancellation reason, and the transport is closed.
// Idempotent.
func (e *Executor) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	if e.cancel != nil {
		e.cancel()
	}
	orphans := make([]*models.Job, 0, len(e.pending)+len(e.running))
	for _, it := range e.pending {
		orphans = append(orphans, it.job)
	}
	e.pending = nil
	for _, j := range e.running {
		orphans = append(orphans, j)
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	for _, j := range orphans {
		if j.Fail("forced cancellation") {
			e.persistNotify(j)
		}
	}
	if e.transport != nil {
		e.transport.Close()
	}
}

func (e *Executor) persistNotify(job *models.Job) {
	if err := e.store.SaveJob(job); err != nil {
		e.log.Error("persist job", map[string]interface{}{
			"task_id": job.ID,
			"error":   err.Error(),
		})
	}
	if e.notifier != nil {
		e.notifier.NotifyTaskChange(job)
	}
}
