// Package lifecycle owns account instances end to end: building the
// session + executor + correlator trio for each account, reconnecting and
// disposing them, and running the periodic maintenance sweeps.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/promptmux/promptmux/pkg/balancer"
	"github.com/promptmux/promptmux/pkg/correlator"
	"github.com/promptmux/promptmux/pkg/discord"
	"github.com/promptmux/promptmux/pkg/executor"
	"github.com/promptmux/promptmux/pkg/logging"
	"github.com/promptmux/promptmux/pkg/metrics"
	"github.com/promptmux/promptmux/pkg/models"
	"github.com/promptmux/promptmux/pkg/notify"
	"github.com/promptmux/promptmux/pkg/orchestrator"
	"github.com/promptmux/promptmux/pkg/store"
)

// Instance bundles everything one live account runs on.
type Instance struct {
	Account    *models.Account
	Session    *discord.Session
	Executor   *executor.Executor
	Correlator *correlator.Correlator
}

// Options tunes the manager's sweeps.
type Options struct {
	// Terminal jobs older than this are pruned; zero disables pruning.
	Retention time.Duration
	// Sweep cadence; defaults to one minute.
	SweepEvery time.Duration
	// Grace before an account flagged for disable actually goes dark.
	DisableGrace time.Duration
}

// Manager initializes, reconnects and disposes account instances, and runs
// the maintenance loops.
type Manager struct {
	bal      *balancer.LoadBalancer
	store    store.Store
	notifier *notify.Notifier
	log      *logging.Logger
	opts     Options

	mu        sync.Mutex
	instances map[string]*Instance
	lastReset time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds the lifecycle manager.
func NewManager(bal *balancer.LoadBalancer, st store.Store, notifier *notify.Notifier, log *logging.Logger, opts Options) *Manager {
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = time.Minute
	}
	if opts.DisableGrace <= 0 {
		opts.DisableGrace = 30 * time.Second
	}
	return &Manager{
		bal:       bal,
		store:     st,
		notifier:  notifier,
		log:       log,
		opts:      opts,
		instances: make(map[string]*Instance),
		lastReset: time.Now(),
	}
}

// Start loads persisted accounts, brings up the enabled ones, and launches
// the sweep loop.
func (m *Manager) Start(ctx context.Context) error {
	for _, a := range m.store.ListAccounts() {
		if !a.Enabled {
			continue
		}
		if err := m.InitAccount(ctx, a); err != nil {
			m.log.Error("account bringup failed", map[string]interface{}{
				"channel_id": a.ChannelID,
				"error":      err.Error(),
			})
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.sweepLoop(loopCtx)
	return nil
}

// Stop disposes every instance and halts the sweeps.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.DisposeAccount(id)
	}
	m.wg.Wait()
}

// SessionFor exposes live sessions to the orchestrator.
func (m *Manager) SessionFor(channelID string) orchestrator.Upstream {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[channelID]
	if !ok {
		return nil
	}
	return inst.Session
}

// InitAccount connects the account's session, wires the correlator into the
// event feed, starts the executor and registers it with the balancer.
func (m *Manager) InitAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	if _, exists := m.instances[account.ChannelID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("account %s already initialized", account.ChannelID)
	}
	m.mu.Unlock()

	session := discord.NewSession(discord.SessionConfig{
		UserToken: account.UserToken,
		BotToken:  account.BotToken,
		GuildID:   account.GuildID,
		ChannelID: account.ChannelID,
	}, m.log)

	exec := executor.New(account, session, m.store, m.notifier, m.log)
	corr := correlator.New(exec, m.controlFor(account.ChannelID), m, m.log)
	corr.OnToSRequired(func(messageID, customID string) {
		tosCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		res := session.Component(tosCtx, models.BotMidJourney, account.ChannelID, messageID, customID, 0, "")
		if !res.OK() {
			m.log.Warn("terms acknowledgement failed", map[string]interface{}{
				"channel_id": account.ChannelID,
				"code":       res.Code,
			})
		}
	})
	session.OnMessage(corr.HandleMessage)
	session.OnRaw(corr.HandleRaw)
	session.OnClose(func(code int, reason string) {
		m.log.Warn("session dropped, scheduling reconnect", map[string]interface{}{
			"channel_id": account.ChannelID,
			"code":       code,
		})
	})

	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("connect account %s: %w", account.ChannelID, err)
	}

	exec.OnAuthFailure(func(channelID string) {
		m.DisableAccountWithReason(channelID, "upstream rejected credentials")
	})
	exec.Start()

	m.mu.Lock()
	m.instances[account.ChannelID] = &Instance{
		Account:    account,
		Session:    session,
		Executor:   exec,
		Correlator: corr,
	}
	m.mu.Unlock()
	m.bal.Add(exec)

	m.log.Info("account initialized", map[string]interface{}{
		"channel_id": account.ChannelID,
		"token":      models.MaskedToken(account.UserToken),
	})
	return nil
}

// DisposeAccount tears one instance down and unregisters it.
func (m *Manager) DisposeAccount(channelID string) {
	m.mu.Lock()
	inst, ok := m.instances[channelID]
	delete(m.instances, channelID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.bal.Remove(channelID)
	inst.Executor.Dispose()
	inst.Session.Close()
}

// ReconnectAccount disposes and re-initializes an account, picking up
// credential or pacing changes.
func (m *Manager) ReconnectAccount(ctx context.Context, channelID string) error {
	account, err := m.store.GetAccount(channelID)
	if err != nil {
		return err
	}
	m.DisposeAccount(channelID)
	if !account.Enabled {
		return nil
	}
	return m.InitAccount(ctx, account)
}

// DisableAccountWithReason persists the disable and disposes the instance.
func (m *Manager) DisableAccountWithReason(channelID, reason string) {
	account, err := m.store.GetAccount(channelID)
	if err == nil {
		account.Enabled = false
		account.Remark = reason
		account.UpdatedAt = time.Now()
		if err := m.store.SaveAccount(account); err != nil {
			m.log.Error("persist disabled account", map[string]interface{}{
				"channel_id": channelID,
				"error":      err.Error(),
			})
		}
	}
	m.log.Warn("account disabled", map[string]interface{}{
		"channel_id": channelID,
		"reason":     reason,
	})
	m.DisposeAccount(channelID)
}

// TaskChanged implements correlator.Sink: persist plus webhook.
func (m *Manager) TaskChanged(job *models.Job) {
	snap := job.Clone()
	if models.IsTerminal(snap.Status) {
		metrics.JobsCompleted.WithLabelValues(string(snap.Status)).Inc()
		if snap.SubmitTime != nil && snap.FinishTime != nil {
			metrics.JobDuration.Observe(snap.FinishTime.Sub(*snap.SubmitTime).Seconds())
		}
	}
	if err := m.store.SaveJob(job); err != nil {
		m.log.Error("persist job", map[string]interface{}{
			"task_id": job.ID,
			"error":   err.Error(),
		})
	}
	if m.notifier != nil {
		m.notifier.NotifyTaskChange(job)
	}
}

// accountControl adapts per-account embed signals onto the manager.
type accountControl struct {
	m         *Manager
	channelID string
}

func (m *Manager) controlFor(channelID string) correlator.AccountControl {
	return &accountControl{m: m, channelID: channelID}
}

func (c *accountControl) LockAccount(captchaURL string) {
	c.m.updateAccount(c.channelID, func(a *models.Account) {
		a.Locked = true
		a.CaptchaURL = captchaURL
	})
}

func (c *accountControl) MarkFastExhausted() {
	c.m.updateAccount(c.channelID, func(a *models.Account) {
		a.FastExhausted = true
		// fall back to relaxed throughput if the plan allows it
		if a.AllowsMode(models.ModeRelax) {
			a.Mode = models.ModeRelax
		}
	})
}

func (c *accountControl) DisableAccount(reason string) {
	grace := c.m.opts.DisableGrace
	channelID := c.channelID
	time.AfterFunc(grace, func() {
		c.m.DisableAccountWithReason(channelID, reason)
	})
}

// updateAccount applies a mutation to the live account record and persists
// it. The executor shares the pointer, so the change is visible to the
// alive gate immediately.
func (m *Manager) updateAccount(channelID string, fn func(*models.Account)) {
	m.mu.Lock()
	inst, ok := m.instances[channelID]
	m.mu.Unlock()
	if !ok {
		return
	}
	fn(inst.Account)
	inst.Account.UpdatedAt = time.Now()
	if err := m.store.SaveAccount(inst.Account); err != nil {
		m.log.Error("persist account update", map[string]interface{}{
			"channel_id": channelID,
			"error":      err.Error(),
		})
	}
}
