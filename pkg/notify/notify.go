// Package notify posts job state changes to a webhook. Posts are
// fire-and-forget; delivery failures are logged and dropped.
package notify

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/promptmux/promptmux/pkg/logging"
	"github.com/promptmux/promptmux/pkg/models"
)

// statusRank orders statuses for the monotonic suppression key. MODAL sits
// below IN_PROGRESS so a modal round trip re-notifies once progress resumes.
var statusRank = map[models.Status]int{
	models.StatusNotStart:   1,
	models.StatusSubmitted:  2,
	models.StatusModal:      3,
	models.StatusInProgress: 4,
	models.StatusFailure:    5,
	models.StatusSuccess:    5,
	models.StatusCancel:     5,
}

// orderKey folds status and progress into one comparable value: equal-status
// notifications only pass when progress advanced.
func orderKey(status models.Status, progress string) int {
	return statusRank[status]*1000 + progressPercent(progress)
}

// progressPercent reads the numeric part of a "37%" style progress string.
func progressPercent(p string) int {
	p = strings.TrimSuffix(strings.TrimSpace(p), "%")
	n, err := strconv.Atoi(p)
	if err != nil || n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// Notifier delivers job snapshots to a webhook URL, suppressing duplicate
// and out-of-order posts per job.
type Notifier struct {
	url    string
	client *resty.Client
	log    *logging.Logger

	mu   sync.Mutex
	sent map[string]int // job id -> last delivered order key
}

// NewNotifier builds a notifier for the global webhook URL. An empty URL
// disables global delivery; per-job URLs still work.
func NewNotifier(url string, log *logging.Logger) *Notifier {
	return &Notifier{
		url: url,
		client: resty.New().
			SetTimeout(10*time.Second).
			SetHeader("Content-Type", "application/json"),
		log:  log,
		sent: make(map[string]int),
	}
}

// NotifyTaskChange posts the job's current snapshot. The per-job URL on the
// job wins over the global one; with neither set this is a no-op. Duplicate
// or regressed (status, progress) keys are dropped.
func (n *Notifier) NotifyTaskChange(job *models.Job) {
	snap := job.Clone()
	url := snap.WebhookURL
	if url == "" {
		url = n.url
	}
	if url == "" {
		return
	}

	key := orderKey(snap.Status, snap.Progress)
	n.mu.Lock()
	last, seen := n.sent[snap.ID]
	if seen && key <= last {
		n.mu.Unlock()
		return
	}
	n.sent[snap.ID] = key
	n.mu.Unlock()

	if models.IsTerminal(snap.Status) {
		// terminal key recorded above blocks late duplicates; the entry
		// itself is pruned to keep the map bounded
		n.prune(snap.ID, 5*time.Minute)
	}

	go n.post(url, snap)
}

func (n *Notifier) post(url string, snap *models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := n.client.R().SetContext(ctx).SetBody(snap).Post(url)
	if err != nil {
		n.log.Warn("webhook delivery failed", map[string]interface{}{
			"task_id": snap.ID,
			"error":   err.Error(),
		})
		return
	}
	if resp.StatusCode() >= 300 {
		n.log.Warn("webhook rejected", map[string]interface{}{
			"task_id": snap.ID,
			"status":  resp.StatusCode(),
		})
	}
}

func (n *Notifier) prune(jobID string, after time.Duration) {
	time.AfterFunc(after, func() {
		n.mu.Lock()
		delete(n.sent, jobID)
		n.mu.Unlock()
	})
}
