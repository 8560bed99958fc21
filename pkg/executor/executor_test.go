package executor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/promptmux/promptmux/pkg/logging"
	"github.com/promptmux/promptmux/pkg/models"
	"github.com/promptmux/promptmux/pkg/store"
)

type fakeTransport struct {
	connected atomic.Bool
	closed    atomic.Bool
}

func (f *fakeTransport) Connected() bool { return f.connected.Load() }
func (f *fakeTransport) MarkRead(ctx context.Context, channelID, messageID string) error {
	return nil
}
func (f *fakeTransport) Close() { f.closed.Store(true) }

func testAccount() *models.Account {
	return &models.Account{
		ChannelID:      "chan-1",
		GuildID:        "guild-1",
		Enabled:        true,
		EnableMJ:       true,
		CoreSize:       1,
		MaxQueueSize:   0,
		TimeoutMinutes: 1,
	}
}

func newTestExecutor(t *testing.T, account *models.Account) (*Executor, *fakeTransport) {
	t.Helper()
	st, err := store.New(store.Config{Type: "memory"})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	tr := &fakeTransport{}
	tr.connected.Store(true)
	log := logging.NewLogger(logging.ERROR, false)
	e := New(account, tr, st, nil, log)
	e.pacingFloor = time.Millisecond
	e.pollEvery = 2 * time.Millisecond
	e.Start()
	t.Cleanup(e.Dispose)
	return e, tr
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// TestEnqueueQueueFull verifies the queue cap rejects without persisting.
func TestEnqueueQueueFull(t *testing.T) {
	account := testAccount()
	account.MaxQueueSize = 2

	st, _ := store.New(store.Config{Type: "memory"})
	log := logging.NewLogger(logging.ERROR, false)
	tr := &fakeTransport{}
	tr.connected.Store(true)
	e := New(account, tr, st, nil, log)
	// pump not started, so the queue fills deterministically

	block := func() models.UpstreamResult { return models.UpstreamResult{Code: 204} }
	for i := 0; i < 2; i++ {
		if r := e.Enqueue(models.NewJob(models.ActionImagine), block); r.Code == models.SubmitQueueFull {
			t.Fatalf("enqueue %d rejected early", i)
		}
	}
	r := e.Enqueue(models.NewJob(models.ActionImagine), block)
	if r.Code != models.SubmitQueueFull {
		t.Fatalf("expected QUEUE_FULL, got code %d", r.Code)
	}
	if n := st.CountJobs(); n != 2 {
		t.Errorf("rejected job was persisted: %d jobs in store", n)
	}
}

// TestDayDrawCounted verifies fresh generations bump the account's daily
// draw counter and persist it, while derived actions leave it alone.
func TestDayDrawCounted(t *testing.T) {
	account := testAccount()
	st, _ := store.New(store.Config{Type: "memory"})
	log := logging.NewLogger(logging.ERROR, false)
	tr := &fakeTransport{}
	tr.connected.Store(true)
	e := New(account, tr, st, nil, log)
	// pump not started, so the counter is observable deterministically

	block := func() models.UpstreamResult { return models.UpstreamResult{Code: 204} }
	e.Enqueue(models.NewJob(models.ActionImagine), block)
	e.Enqueue(models.NewJob(models.ActionBlend), block)
	e.Enqueue(models.NewJob(models.ActionUpscale), block)

	if got := e.Account().DayDrawCount; got != 2 {
		t.Fatalf("day draw count = %d, want 2", got)
	}
	saved, err := st.GetAccount(account.ChannelID)
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	if saved.DayDrawCount != 2 {
		t.Errorf("persisted day draw count = %d, want 2", saved.DayDrawCount)
	}
}

// TestEnqueueImmediateVsQueued verifies the SUCCESS / IN_QUEUE(1) split on
// an idle executor receiving two jobs back to back.
func TestEnqueueImmediateVsQueued(t *testing.T) {
	e, _ := newTestExecutor(t, testAccount())

	release := make(chan struct{})
	closure := func() models.UpstreamResult {
		<-release
		return models.UpstreamResult{Code: 204}
	}

	j1 := models.NewJob(models.ActionImagine)
	j2 := models.NewJob(models.ActionImagine)

	r1 := e.Enqueue(j1, closure)
	if r1.Code != models.SubmitSuccess {
		t.Fatalf("first enqueue: expected SUCCESS, got %d", r1.Code)
	}
	r2 := e.Enqueue(j2, closure)
	if r2.Code != models.SubmitInQueue {
		t.Fatalf("second enqueue: expected IN_QUEUE, got %d", r2.Code)
	}
	if r2.NumberInQueue != 1 {
		t.Errorf("expected 1 job ahead, got %d", r2.NumberInQueue)
	}

	close(release)
	j1.Succeed()
	j2.Succeed()
}

// TestFIFOOrder verifies submission closures run in enqueue order.
func TestFIFOOrder(t *testing.T) {
	e, _ := newTestExecutor(t, testAccount())

	var mu sync.Mutex
	var order []string
	mk := func(name string, job *models.Job) SubmitClosure {
		return func() models.UpstreamResult {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			job.Succeed()
			return models.UpstreamResult{Code: 204}
		}
	}

	j1 := models.NewJob(models.ActionImagine)
	j2 := models.NewJob(models.ActionImagine)
	j3 := models.NewJob(models.ActionImagine)
	e.Enqueue(j1, mk("j1", j1))
	e.Enqueue(j2, mk("j2", j2))
	e.Enqueue(j3, mk("j3", j3))

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"j1", "j2", "j3"} {
		if order[i] != want {
			t.Fatalf("execution order %v, want [j1 j2 j3]", order)
		}
	}
}

// TestCoreSizeBound verifies no more than CoreSize closures run at once.
func TestCoreSizeBound(t *testing.T) {
	account := testAccount()
	account.CoreSize = 2
	e, _ := newTestExecutor(t, account)

	var current, peak int64
	var jobs []*models.Job
	closure := func(job *models.Job) SubmitClosure {
		return func() models.UpstreamResult {
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			job.Succeed()
			return models.UpstreamResult{Code: 204}
		}
	}
	for i := 0; i < 5; i++ {
		j := models.NewJob(models.ActionImagine)
		jobs = append(jobs, j)
		e.Enqueue(j, closure(j))
	}

	waitUntil(t, 5*time.Second, func() bool {
		for _, j := range jobs {
			if !models.IsTerminal(j.CurrentStatus()) {
				return false
			}
		}
		return true
	})
	if p := atomic.LoadInt64(&peak); p > 2 {
		t.Errorf("observed %d concurrent closures, CoreSize is 2", p)
	}
}

// TestAuthFailureDisablesAccount verifies the 403 path: job fails with a
// reason naming the disable, and later direct submissions see the executor
// as unavailable.
func TestAuthFailureDisablesAccount(t *testing.T) {
	account := testAccount()
	e, _ := newTestExecutor(t, account)

	disabled := make(chan string, 1)
	e.OnAuthFailure(func(channelID string) {
		account.Enabled = false
		e.Dispose()
		disabled <- channelID
	})

	j := models.NewJob(models.ActionImagine)
	e.Enqueue(j, func() models.UpstreamResult {
		return models.UpstreamResult{Code: 403, Description: "forbidden"}
	})

	waitUntil(t, 2*time.Second, func() bool {
		return j.CurrentStatus() == models.StatusFailure
	})
	if got := j.Clone().FailReason; got == "" || !contains(got, "disable") {
		t.Errorf("fail reason %q does not mention the disable", got)
	}
	select {
	case ch := <-disabled:
		if ch != "chan-1" {
			t.Errorf("auth failure reported for %q", ch)
		}
	case <-time.After(time.Second):
		t.Fatal("auth failure hook never fired")
	}

	j2 := models.NewJob(models.ActionImagine)
	r := e.Enqueue(j2, func() models.UpstreamResult { return models.UpstreamResult{Code: 204} })
	if r.Code != models.SubmitFailure {
		t.Errorf("expected failure result after dispose, got code %d", r.Code)
	}
}

// TestNotAliveFailsJob verifies jobs dispatched while the gateway is down
// fail with an unavailable reason instead of hitting the upstream.
func TestNotAliveFailsJob(t *testing.T) {
	e, tr := newTestExecutor(t, testAccount())
	tr.connected.Store(false)

	called := atomic.Bool{}
	j := models.NewJob(models.ActionImagine)
	e.Enqueue(j, func() models.UpstreamResult {
		called.Store(true)
		return models.UpstreamResult{Code: 204}
	})

	waitUntil(t, 2*time.Second, func() bool {
		return j.CurrentStatus() == models.StatusFailure
	})
	if called.Load() {
		t.Error("submission closure ran against a dead session")
	}
	if got := j.Clone().FailReason; !contains(got, "unavailable") {
		t.Errorf("fail reason %q does not mention unavailability", got)
	}
}

// TestDisposeFailsQueuedJobs verifies disposal cancels everything with a
// forced-cancellation reason and is idempotent.
func TestDisposeFailsQueuedJobs(t *testing.T) {
	st, _ := store.New(store.Config{Type: "memory"})
	log := logging.NewLogger(logging.ERROR, false)
	tr := &fakeTransport{}
	tr.connected.Store(true)
	e := New(testAccount(), tr, st, nil, log)
	// pump not started so both jobs stay queued

	j1 := models.NewJob(models.ActionImagine)
	j2 := models.NewJob(models.ActionImagine)
	block := func() models.UpstreamResult { return models.UpstreamResult{Code: 204} }
	e.Enqueue(j1, block)
	e.Enqueue(j2, block)

	e.Dispose()
	e.Dispose()

	for _, j := range []*models.Job{j1, j2} {
		if j.CurrentStatus() != models.StatusFailure {
			t.Errorf("job %s status %s after dispose", j.ID, j.CurrentStatus())
		}
		if got := j.Clone().FailReason; !contains(got, "forced cancellation") {
			t.Errorf("job %s fail reason %q", j.ID, got)
		}
	}
	if !tr.closed.Load() {
		t.Error("transport not closed on dispose")
	}
}

// TestExitTaskRemovesQueued verifies ExitTask rebuilds the pending queue
// without the cancelled job.
func TestExitTaskRemovesQueued(t *testing.T) {
	st, _ := store.New(store.Config{Type: "memory"})
	log := logging.NewLogger(logging.ERROR, false)
	tr := &fakeTransport{}
	tr.connected.Store(true)
	e := New(testAccount(), tr, st, nil, log)

	block := func() models.UpstreamResult { return models.UpstreamResult{Code: 204} }
	j1 := models.NewJob(models.ActionImagine)
	j2 := models.NewJob(models.ActionImagine)
	j3 := models.NewJob(models.ActionImagine)
	e.Enqueue(j1, block)
	e.Enqueue(j2, block)
	e.Enqueue(j3, block)

	j2.Cancel("user cancelled")
	e.ExitTask(j2)

	if e.PendingCount() != 2 {
		t.Fatalf("pending count %d after removal, want 2", e.PendingCount())
	}
	if e.FindRunning(j2.ID) != nil {
		t.Error("cancelled job still findable")
	}
	if e.FindRunning(j1.ID) == nil || e.FindRunning(j3.ID) == nil {
		t.Error("sibling jobs lost during queue rebuild")
	}
}

// TestEndToEndTwoJobs runs the two-job happy path: J1 succeeds via a
// simulated upstream event, then J2 runs and succeeds the same way.
func TestEndToEndTwoJobs(t *testing.T) {
	e, _ := newTestExecutor(t, testAccount())

	mk := func(job *models.Job) SubmitClosure {
		return func() models.UpstreamResult {
			// simulated upstream push events driving the job terminal
			go func() {
				time.Sleep(10 * time.Millisecond)
				job.Transition(models.StatusInProgress)
				job.SetProgress("50%")
				time.Sleep(10 * time.Millisecond)
				job.SetResult("https://cdn.example/1.png", "abcd", nil)
				job.Succeed()
			}()
			return models.UpstreamResult{Code: 204}
		}
	}

	j1 := models.NewJob(models.ActionImagine)
	j2 := models.NewJob(models.ActionImagine)
	r1 := e.Enqueue(j1, mk(j1))
	r2 := e.Enqueue(j2, mk(j2))

	if r1.Code != models.SubmitSuccess || r2.Code != models.SubmitInQueue {
		t.Fatalf("submit codes (%d, %d), want (SUCCESS, IN_QUEUE)", r1.Code, r2.Code)
	}
	waitUntil(t, 5*time.Second, func() bool {
		return j1.CurrentStatus() == models.StatusSuccess &&
			j2.CurrentStatus() == models.StatusSuccess
	})
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }
