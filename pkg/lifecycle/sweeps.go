package lifecycle

import (
	"context"
	"time"

	"github.com/promptmux/promptmux/pkg/metrics"
	"github.com/promptmux/promptmux/pkg/models"
)

// sweepLoop drives the periodic maintenance passes until the manager stops.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.sweepSpeedModes(now)
			m.sweepDayDrawReset(now)
			m.sweepRetention(now)
			m.sweepGauges()
		}
	}
}

// sweepGauges refreshes the per-account load gauges.
func (m *Manager) sweepGauges() {
	live := 0
	for _, e := range m.bal.All() {
		if e.Alive() {
			live++
		}
		metrics.QueueDepth.WithLabelValues(e.ChannelID()).Set(float64(e.Load()))
	}
	metrics.AccountsLive.Set(float64(live))
}

// sweepSpeedModes applies the fishing-time windows: inside the window an
// account runs relaxed, outside it returns to its configured tier once the
// fast quota recovers.
func (m *Manager) sweepSpeedModes(now time.Time) {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.mu.Unlock()

	for _, inst := range instances {
		a := inst.Account
		if a.FishingTime == "" {
			continue
		}
		inFishing := a.InFishingTime(now)
		switch {
		case inFishing && a.Mode != models.ModeRelax:
			m.updateAccount(a.ChannelID, func(acc *models.Account) {
				acc.Mode = models.ModeRelax
			})
			m.log.Info("account entered relax window", map[string]interface{}{
				"channel_id": a.ChannelID,
			})
		case !inFishing && a.Mode == models.ModeRelax && !a.FastExhausted && a.AllowsMode(models.ModeFast):
			m.updateAccount(a.ChannelID, func(acc *models.Account) {
				acc.Mode = models.ModeFast
			})
		}
	}
}

// sweepDayDrawReset zeroes the per-day draw counters and the fast-quota
// flag once per local calendar day.
func (m *Manager) sweepDayDrawReset(now time.Time) {
	m.mu.Lock()
	last := m.lastReset
	if now.YearDay() == last.YearDay() && now.Year() == last.Year() {
		m.mu.Unlock()
		return
	}
	m.lastReset = now
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.updateAccount(id, func(a *models.Account) {
			a.DayDrawCount = 0
			a.FastExhausted = false
		})
	}
	m.log.Info("daily draw counters reset", map[string]interface{}{
		"accounts": len(ids),
	})
}

// sweepRetention prunes terminal jobs past the retention window.
func (m *Manager) sweepRetention(now time.Time) {
	if m.opts.Retention <= 0 {
		return
	}
	n, err := m.store.DeleteJobsBefore(now.Add(-m.opts.Retention))
	if err != nil {
		m.log.Error("retention prune failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if n > 0 {
		m.log.Info("pruned finished jobs", map[string]interface{}{
			"count": n,
		})
	}
}
