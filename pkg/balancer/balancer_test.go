package balancer

import (
	"context"
	"testing"
	"time"

	"github.com/promptmux/promptmux/pkg/executor"
	"github.com/promptmux/promptmux/pkg/logging"
	"github.com/promptmux/promptmux/pkg/models"
	"github.com/promptmux/promptmux/pkg/store"
)

type fakeTransport struct{ up bool }

func (f *fakeTransport) Connected() bool { return f.up }
func (f *fakeTransport) MarkRead(ctx context.Context, channelID, messageID string) error {
	return nil
}
func (f *fakeTransport) Close() {}

func newExec(t *testing.T, account *models.Account) *executor.Executor {
	t.Helper()
	st, err := store.New(store.Config{Type: "memory"})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	log := logging.NewLogger(logging.ERROR, false)
	e := executor.New(account, &fakeTransport{up: true}, st, nil, log)
	e.Start()
	t.Cleanup(e.Dispose)
	return e
}

func enabledAccount(channelID string) *models.Account {
	return &models.Account{
		ChannelID: channelID,
		Enabled:   true,
		EnableMJ:  true,
		CoreSize:  3,
	}
}

func addLoad(e *executor.Executor, n int) {
	closure := func() models.UpstreamResult { return models.UpstreamResult{Code: 204} }
	for i := 0; i < n; i++ {
		e.Enqueue(models.NewJob(models.ActionImagine), closure)
	}
}

// TestBestIdlePicksLowestLoad verifies the default rule over loads [3,1,2].
func TestBestIdlePicksLowestLoad(t *testing.T) {
	b := New(BestIdleRule{})
	loads := map[string]int{"a": 3, "b": 1, "c": 2}
	for id, n := range loads {
		e := newExec(t, enabledAccount(id))
		addLoad(e, n)
		b.Add(e)
	}

	chosen := b.ChooseInstance(Criteria{BotType: models.BotMidJourney, NewTask: true})
	if chosen == nil {
		t.Fatal("no instance chosen")
	}
	if chosen.ChannelID() != "b" {
		t.Errorf("chose %q (load %d), want the load-1 candidate", chosen.ChannelID(), chosen.Load())
	}
}

// TestRoundRobinCycles verifies each of two candidates is visited exactly
// once per cycle.
func TestRoundRobinCycles(t *testing.T) {
	b := New(&RoundRobinRule{})
	b.Add(newExec(t, enabledAccount("a")))
	b.Add(newExec(t, enabledAccount("b")))

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		e := b.ChooseInstance(Criteria{BotType: models.BotMidJourney})
		if e == nil {
			t.Fatal("no instance chosen")
		}
		seen[e.ChannelID()]++
	}
	if seen["a"] != 2 || seen["b"] != 2 {
		t.Errorf("round robin distribution %v, want 2/2", seen)
	}
}

// TestPinnedCapabilityGate verifies a pinned account failing one predicate
// yields nil rather than falling back to other accounts.
func TestPinnedCapabilityGate(t *testing.T) {
	b := New(BestIdleRule{})
	pinned := enabledAccount("pin")
	pinned.EnableNiji = false
	b.Add(newExec(t, pinned))
	other := enabledAccount("other")
	other.EnableNiji = true
	b.Add(newExec(t, other))

	chosen := b.ChooseInstance(Criteria{
		Filter:  &models.AccountFilter{InstanceID: "pin"},
		BotType: models.BotNiji,
	})
	if chosen != nil {
		t.Errorf("pinned selection fell through to %q", chosen.ChannelID())
	}
}

// TestLockedAccountExcluded verifies a CAPTCHA-locked account is never
// chosen until the lock clears.
func TestLockedAccountExcluded(t *testing.T) {
	b := New(BestIdleRule{})
	account := enabledAccount("a")
	e := newExec(t, account)
	b.Add(e)

	account.Locked = true
	if got := b.ChooseInstance(Criteria{BotType: models.BotMidJourney}); got != nil {
		t.Fatal("locked account was chosen")
	}
	account.Locked = false
	if got := b.ChooseInstance(Criteria{BotType: models.BotMidJourney}); got == nil {
		t.Fatal("unlocked account not chosen")
	}
}

// TestDomainRestriction verifies domain criteria only match tagged accounts.
func TestDomainRestriction(t *testing.T) {
	b := New(BestIdleRule{})
	tagged := enabledAccount("tagged")
	tagged.IsDomain = true
	tagged.Domains = []string{"anime"}
	b.Add(newExec(t, tagged))
	plain := enabledAccount("plain")
	b.Add(newExec(t, plain))

	chosen := b.ChooseInstance(Criteria{BotType: models.BotMidJourney, Domains: []string{"anime"}})
	if chosen == nil || chosen.ChannelID() != "tagged" {
		t.Errorf("domain selection chose %v, want tagged", chosen)
	}
	if got := b.ChooseInstance(Criteria{BotType: models.BotMidJourney, Domains: []string{"arch"}}); got != nil {
		t.Errorf("unmatched domain chose %q", got.ChannelID())
	}
}

// TestFullQueueSkipped verifies selection passes over an account whose
// submission queue is at its cap while a sibling still has headroom.
func TestFullQueueSkipped(t *testing.T) {
	full := enabledAccount("full")
	full.CoreSize = 1
	full.MaxQueueSize = 1
	fe := newExec(t, full)
	addLoad(fe, 1)
	waitForDispatch(t, fe)
	addLoad(fe, 1) // takes the single queue slot behind the running job

	roomy := enabledAccount("roomy")
	roomy.MaxQueueSize = 1
	b := New(&RoundRobinRule{})
	b.Add(fe)
	b.Add(newExec(t, roomy))

	for i := 0; i < 4; i++ {
		chosen := b.ChooseInstance(Criteria{BotType: models.BotMidJourney, NewTask: true})
		if chosen == nil {
			t.Fatal("no instance chosen")
		}
		if chosen.ChannelID() != "roomy" {
			t.Fatalf("pick %d chose %q, want the account with queue headroom", i, chosen.ChannelID())
		}
	}
}

// waitForDispatch blocks until the executor has drained its pending queue
// into running slots.
func waitForDispatch(t *testing.T, e *executor.Executor) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for e.PendingCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("queued job was never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestDomainAccountReserved verifies a domain-tagged account is skipped for
// general traffic but still reachable when named outright.
func TestDomainAccountReserved(t *testing.T) {
	dom := enabledAccount("a-domain")
	dom.IsDomain = true
	dom.Domains = []string{"cars"}
	b := New(BestIdleRule{})
	b.Add(newExec(t, dom))
	b.Add(newExec(t, enabledAccount("b-plain")))

	chosen := b.ChooseInstance(Criteria{BotType: models.BotMidJourney, NewTask: true})
	if chosen == nil {
		t.Fatal("no instance chosen")
	}
	if chosen.ChannelID() != "b-plain" {
		t.Errorf("general traffic chose %q, want the non-domain account", chosen.ChannelID())
	}

	named := b.ChooseInstance(Criteria{
		BotType: models.BotMidJourney,
		Filter:  &models.AccountFilter{InstanceID: "a-domain"},
	})
	if named == nil || named.ChannelID() != "a-domain" {
		t.Error("explicitly named domain account was not selectable")
	}
}

// TestRulesEmptyCandidates verifies every rule returns nil on no input.
func TestRulesEmptyCandidates(t *testing.T) {
	rules := []Rule{BestIdleRule{}, &RoundRobinRule{}, RandomRule{}, WeightedRule{}}
	for _, r := range rules {
		if got := r.Choose(nil); got != nil {
			t.Errorf("%T returned %v on empty candidates", r, got)
		}
	}
}
