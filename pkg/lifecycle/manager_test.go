package lifecycle

import (
	"testing"
	"time"

	"github.com/promptmux/promptmux/pkg/balancer"
	"github.com/promptmux/promptmux/pkg/logging"
	"github.com/promptmux/promptmux/pkg/models"
	"github.com/promptmux/promptmux/pkg/store"
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	st, err := store.New(store.Config{Type: "memory"})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	log := logging.NewLogger(logging.ERROR, false)
	m := NewManager(balancer.New(nil), st, nil, log, Options{Retention: time.Hour})
	return m, st
}

func injectAccount(m *Manager, st store.Store, account *models.Account) {
	st.SaveAccount(account)
	m.instances[account.ChannelID] = &Instance{Account: account}
}

// TestLockAccountStoresCaptcha verifies the CAPTCHA signal locks the live
// account record and persists the challenge URL.
func TestLockAccountStoresCaptcha(t *testing.T) {
	m, st := newTestManager(t)
	account := &models.Account{ChannelID: "a", Enabled: true}
	injectAccount(m, st, account)

	m.controlFor("a").LockAccount("https://verify.example/ch")

	if !account.Locked {
		t.Fatal("live account not locked")
	}
	stored, err := st.GetAccount("a")
	if err != nil {
		t.Fatalf("account not persisted: %v", err)
	}
	if !stored.Locked || stored.CaptchaURL != "https://verify.example/ch" {
		t.Errorf("persisted state locked=%v url=%q", stored.Locked, stored.CaptchaURL)
	}
}

// TestMarkFastExhaustedFallsBackToRelax verifies quota exhaustion flips the
// account to relaxed mode when the plan allows it.
func TestMarkFastExhaustedFallsBackToRelax(t *testing.T) {
	m, st := newTestManager(t)
	account := &models.Account{
		ChannelID:  "a",
		Enabled:    true,
		Mode:       models.ModeFast,
		AllowModes: []models.SpeedMode{models.ModeFast, models.ModeRelax},
	}
	injectAccount(m, st, account)

	m.controlFor("a").MarkFastExhausted()

	if !account.FastExhausted {
		t.Error("fast quota not marked exhausted")
	}
	if account.Mode != models.ModeRelax {
		t.Errorf("mode %s, want RELAX", account.Mode)
	}
}

// TestSweepDayDrawReset verifies counters reset on day rollover only.
func TestSweepDayDrawReset(t *testing.T) {
	m, st := newTestManager(t)
	account := &models.Account{ChannelID: "a", Enabled: true, DayDrawCount: 7, FastExhausted: true}
	injectAccount(m, st, account)

	// same day: nothing happens
	m.sweepDayDrawReset(m.lastReset)
	if account.DayDrawCount != 7 {
		t.Fatal("counter reset within the same day")
	}

	m.lastReset = time.Now().AddDate(0, 0, -1)
	m.sweepDayDrawReset(time.Now())
	if account.DayDrawCount != 0 || account.FastExhausted {
		t.Errorf("counters not reset: count=%d exhausted=%v", account.DayDrawCount, account.FastExhausted)
	}
}

// TestSweepSpeedModes verifies the fishing window forces relaxed mode.
func TestSweepSpeedModes(t *testing.T) {
	m, st := newTestManager(t)
	account := &models.Account{
		ChannelID:   "a",
		Enabled:     true,
		Mode:        models.ModeFast,
		FishingTime: "00:00-23:59",
	}
	injectAccount(m, st, account)

	m.sweepSpeedModes(time.Now())
	if account.Mode != models.ModeRelax {
		t.Errorf("mode %s inside fishing window, want RELAX", account.Mode)
	}
}

// TestSweepRetention verifies old terminal jobs are pruned and fresh ones
// kept.
func TestSweepRetention(t *testing.T) {
	m, st := newTestManager(t)

	old := models.NewJob(models.ActionImagine)
	old.Transition(models.StatusSubmitted)
	old.Fail("old failure")
	past := time.Now().Add(-2 * time.Hour)
	old.FinishTime = &past
	st.SaveJob(old)

	fresh := models.NewJob(models.ActionImagine)
	fresh.Transition(models.StatusSubmitted)
	fresh.Succeed()
	st.SaveJob(fresh)

	m.sweepRetention(time.Now())

	if _, err := st.GetJob(old.ID); err == nil {
		t.Error("expired job survived the prune")
	}
	if _, err := st.GetJob(fresh.ID); err != nil {
		t.Error("fresh job pruned")
	}
}
