package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/promptmux/promptmux/pkg/balancer"
	"github.com/promptmux/promptmux/pkg/banword"
	"github.com/promptmux/promptmux/pkg/discord"
	"github.com/promptmux/promptmux/pkg/executor"
	"github.com/promptmux/promptmux/pkg/logging"
	"github.com/promptmux/promptmux/pkg/models"
	"github.com/promptmux/promptmux/pkg/store"
)

type fakeTransport struct{}

func (fakeTransport) Connected() bool { return true }
func (fakeTransport) MarkRead(ctx context.Context, channelID, messageID string) error {
	return nil
}
func (fakeTransport) Close() {}

type fakeUpstream struct{}

func ok() models.UpstreamResult { return models.UpstreamResult{Code: 204} }

func (fakeUpstream) Imagine(ctx context.Context, bot models.BotType, channelID, prompt, nonce string) models.UpstreamResult {
	return ok()
}
func (fakeUpstream) Component(ctx context.Context, bot models.BotType, channelID, messageID, customID string, flags int64, nonce string) models.UpstreamResult {
	return ok()
}
func (fakeUpstream) SubmitModal(ctx context.Context, bot models.BotType, channelID, interactionID, customID, fieldID, value, nonce string) models.UpstreamResult {
	return ok()
}
func (fakeUpstream) Describe(ctx context.Context, bot models.BotType, channelID, uploadedFilename, displayName, nonce string) models.UpstreamResult {
	return ok()
}
func (fakeUpstream) DescribeByLink(ctx context.Context, bot models.BotType, channelID, link, nonce string) models.UpstreamResult {
	return ok()
}
func (fakeUpstream) Blend(ctx context.Context, bot models.BotType, channelID string, inputs []discord.BlendInput, dimensions, nonce string) models.UpstreamResult {
	return ok()
}
func (fakeUpstream) Shorten(ctx context.Context, bot models.BotType, channelID, prompt, nonce string) models.UpstreamResult {
	return ok()
}
func (fakeUpstream) Show(ctx context.Context, bot models.BotType, channelID, jobID, nonce string) models.UpstreamResult {
	return ok()
}
func (fakeUpstream) SeedReact(ctx context.Context, channelID, messageID string) models.UpstreamResult {
	return ok()
}
func (fakeUpstream) Upload(ctx context.Context, channelID, filename string, data []byte) (string, error) {
	return "uploads/" + filename, nil
}

type testEnv struct {
	svc *Service
	bal *balancer.LoadBalancer
	st  store.Store
}

func newEnv(t *testing.T, banned []string, domains []banword.DomainTag) *testEnv {
	t.Helper()
	st, err := store.New(store.Config{Type: "memory"})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	bal := balancer.New(balancer.BestIdleRule{})
	log := logging.NewLogger(logging.ERROR, false)
	words := banword.NewCache(banned, domains)
	sessions := func(channelID string) Upstream { return fakeUpstream{} }
	return &testEnv{
		svc: New(bal, st, nil, words, sessions, log),
		bal: bal,
		st:  st,
	}
}

func (env *testEnv) addAccount(t *testing.T, account *models.Account) *executor.Executor {
	t.Helper()
	log := logging.NewLogger(logging.ERROR, false)
	e := executor.New(account, fakeTransport{}, env.st, nil, log)
	e.Start()
	t.Cleanup(e.Dispose)
	env.bal.Add(e)
	return e
}

func mjAccount(channelID string) *models.Account {
	return &models.Account{
		ChannelID: channelID,
		Enabled:   true,
		EnableMJ:  true,
		CoreSize:  3,
	}
}

// TestBannedPromptFailsBeforeSelection verifies the banned-word scan
// rejects a prompt before any account is touched.
func TestBannedPromptFailsBeforeSelection(t *testing.T) {
	env := newEnv(t, []string{"bannedword"}, nil)
	e := env.addAccount(t, mjAccount("a"))

	r := env.svc.SubmitImagine(ImagineRequest{Prompt: "a cat in a bannedword hat"})
	if r.Code != models.SubmitValidation {
		t.Fatalf("expected validation failure, got code %d", r.Code)
	}
	if e.Load() != 0 {
		t.Errorf("account touched despite banned prompt: load %d", e.Load())
	}
	if n := env.st.CountJobs(); n != 0 {
		t.Errorf("banned submission persisted %d jobs", n)
	}
}

// TestSubmitImagine verifies the happy path: job persisted with nonce and
// account assignment, submit result SUCCESS.
func TestSubmitImagine(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.addAccount(t, mjAccount("a"))

	r := env.svc.SubmitImagine(ImagineRequest{Prompt: "a red fox"})
	if r.Code != models.SubmitSuccess {
		t.Fatalf("submit failed: code %d %s", r.Code, r.Description)
	}
	job, err := env.st.GetJob(r.JobID)
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if job.InstanceID != "a" {
		t.Errorf("job assigned to %q", job.InstanceID)
	}
	if job.Meta.Nonce == "" {
		t.Error("no nonce recorded for correlation")
	}
	if job.BotType != models.BotMidJourney {
		t.Errorf("bot type %q", job.BotType)
	}
}

// TestSubmitImagineNoAccount covers the empty-pool result code.
func TestSubmitImagineNoAccount(t *testing.T) {
	env := newEnv(t, nil, nil)
	r := env.svc.SubmitImagine(ImagineRequest{Prompt: "anything"})
	if r.Code != models.SubmitNoAccount {
		t.Fatalf("expected no-account code, got %d", r.Code)
	}
}

// TestDomainPreference verifies the two-phase selection: a domain-matched
// prompt prefers tagged accounts and falls back when none qualify.
func TestDomainPreference(t *testing.T) {
	env := newEnv(t, nil, []banword.DomainTag{
		{ID: "anime", Enabled: true, Keywords: []string{"anime"}},
	})
	tagged := mjAccount("tagged")
	tagged.IsDomain = true
	tagged.Domains = []string{"anime"}
	env.addAccount(t, tagged)
	env.addAccount(t, mjAccount("plain"))

	r := env.svc.SubmitImagine(ImagineRequest{Prompt: "anime girl with a sword"})
	if r.Code != models.SubmitSuccess {
		t.Fatalf("submit failed: code %d", r.Code)
	}
	job, _ := env.st.GetJob(r.JobID)
	if job.InstanceID != "tagged" {
		t.Errorf("domain-matched prompt landed on %q, want tagged", job.InstanceID)
	}

	// disable the tagged account; the same prompt must fall back
	tagged.Enabled = false
	r2 := env.svc.SubmitImagine(ImagineRequest{Prompt: "anime girl with a sword"})
	if r2.Code != models.SubmitSuccess {
		t.Fatalf("fallback submit failed: code %d", r2.Code)
	}
	job2, _ := env.st.GetJob(r2.JobID)
	if job2.InstanceID != "plain" {
		t.Errorf("fallback landed on %q, want plain", job2.InstanceID)
	}
}

// TestSubmitBlendValidation covers the image-count bounds.
func TestSubmitBlendValidation(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.addAccount(t, mjAccount("a"))

	r := env.svc.SubmitBlend(BlendRequest{Base64Images: []string{"aGk="}})
	if r.Code != models.SubmitValidation {
		t.Errorf("single-image blend accepted: code %d", r.Code)
	}
}

// TestSubmitDescribeNeedsCapability verifies describe only routes to
// accounts with describe support.
func TestSubmitDescribeNeedsCapability(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.addAccount(t, mjAccount("a")) // CanDescribe false

	r := env.svc.SubmitDescribe(DescribeRequest{Link: "https://example.com/x.png"})
	if r.Code != models.SubmitNoAccount {
		t.Fatalf("expected no-account, got code %d", r.Code)
	}

	capable := mjAccount("b")
	capable.CanDescribe = true
	env.addAccount(t, capable)
	r2 := env.svc.SubmitDescribe(DescribeRequest{Link: "https://example.com/x.png"})
	if r2.Code != models.SubmitSuccess {
		t.Fatalf("describe submit failed: code %d", r2.Code)
	}
}

// TestActionForCustomID classifies component custom ids.
func TestActionForCustomID(t *testing.T) {
	cases := []struct {
		customID string
		want     models.Action
	}{
		{"MJ::JOB::upsample::1::hash", models.ActionUpscale},
		{"MJ::JOB::variation::2::hash", models.ActionVariation},
		{"MJ::JOB::high_variation::1::hash", models.ActionVariation},
		{"MJ::JOB::reroll::0::hash::SOLO", models.ActionReroll},
		{"MJ::JOB::pan_left::1::hash", models.ActionPan},
		{"MJ::Outpaint::50::1::hash", models.ActionButton},
	}
	for _, c := range cases {
		if got := actionForCustomID(c.customID); got != c.want {
			t.Errorf("actionForCustomID(%q) = %s, want %s", c.customID, got, c.want)
		}
	}
}

// TestInjectSpeedFlag covers flag injection and pass-through.
func TestInjectSpeedFlag(t *testing.T) {
	cases := []struct {
		prompt string
		mode   models.SpeedMode
		want   string
	}{
		{"a cat", models.ModeFast, "a cat --fast"},
		{"a cat --relax", models.ModeFast, "a cat --relax"},
		{"a cat", models.ModeRelax, "a cat --relax"},
		{"a cat", "", "a cat"},
	}
	for _, c := range cases {
		if got := injectSpeedFlag(c.prompt, c.mode); got != c.want {
			t.Errorf("injectSpeedFlag(%q, %s) = %q, want %q", c.prompt, c.mode, got, c.want)
		}
	}
}

// TestGetSeed covers the cached-seed path and the pending request path.
func TestGetSeed(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.addAccount(t, mjAccount("a"))

	cached := models.NewJob(models.ActionImagine)
	cached.Seed = "424242"
	if err := env.st.SaveJob(cached); err != nil {
		t.Fatalf("save job: %v", err)
	}
	seed, err := env.svc.GetSeed(cached.ID)
	if err != nil || seed != "424242" {
		t.Fatalf("cached seed: got (%q, %v), want (424242, nil)", seed, err)
	}

	pending := models.NewJob(models.ActionImagine)
	pending.InstanceID = "a"
	pending.UpdateMeta(func(m *models.CorrelationMeta) {
		m.MessageID = "msg-1"
		m.ChannelID = "a"
	})
	if err := env.st.SaveJob(pending); err != nil {
		t.Fatalf("save job: %v", err)
	}
	if _, err := env.svc.GetSeed(pending.ID); !errors.Is(err, ErrSeedPending) {
		t.Fatalf("expected ErrSeedPending, got %v", err)
	}

	noMessage := models.NewJob(models.ActionImagine)
	if err := env.st.SaveJob(noMessage); err != nil {
		t.Fatalf("save job: %v", err)
	}
	if _, err := env.svc.GetSeed(noMessage.ID); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
