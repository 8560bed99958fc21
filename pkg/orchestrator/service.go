// Package orchestrator is the submission façade: it validates and
// post-processes the request, selects an account, builds the upstream
// submission closure and hands the job to the chosen executor.
package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/promptmux/promptmux/pkg/balancer"
	"github.com/promptmux/promptmux/pkg/banword"
	"github.com/promptmux/promptmux/pkg/discord"
	"github.com/promptmux/promptmux/pkg/executor"
	"github.com/promptmux/promptmux/pkg/logging"
	"github.com/promptmux/promptmux/pkg/models"
	"github.com/promptmux/promptmux/pkg/retry"
	"github.com/promptmux/promptmux/pkg/store"
)

// Upstream is the slice of the account session the orchestrator drives.
// Satisfied by *discord.Session.
type Upstream interface {
	Imagine(ctx context.Context, bot models.BotType, channelID, prompt, nonce string) models.UpstreamResult
	Component(ctx context.Context, bot models.BotType, channelID, messageID, customID string, flags int64, nonce string) models.UpstreamResult
	SubmitModal(ctx context.Context, bot models.BotType, channelID, interactionID, customID, fieldID, value, nonce string) models.UpstreamResult
	Describe(ctx context.Context, bot models.BotType, channelID, uploadedFilename, displayName, nonce string) models.UpstreamResult
	DescribeByLink(ctx context.Context, bot models.BotType, channelID, link, nonce string) models.UpstreamResult
	Blend(ctx context.Context, bot models.BotType, channelID string, inputs []discord.BlendInput, dimensions, nonce string) models.UpstreamResult
	Shorten(ctx context.Context, bot models.BotType, channelID, prompt, nonce string) models.UpstreamResult
	Show(ctx context.Context, bot models.BotType, channelID, jobID, nonce string) models.UpstreamResult
	SeedReact(ctx context.Context, channelID, messageID string) models.UpstreamResult
	Upload(ctx context.Context, channelID, filename string, data []byte) (string, error)
}

// SessionLookup resolves the upstream session for an account. Nil means the
// account has no live session.
type SessionLookup func(channelID string) Upstream

// Notifier matches notify.Notifier.
type Notifier interface {
	NotifyTaskChange(job *models.Job)
}

// Service wires submission requests to executors.
type Service struct {
	bal      *balancer.LoadBalancer
	store    store.Store
	notifier Notifier
	banwords *banword.Cache
	sessions SessionLookup
	log      *logging.Logger

	// Ceiling for modal-field convergence waits.
	modalTimeout time.Duration
	modalPoll    time.Duration
}

// New builds the orchestration service.
func New(bal *balancer.LoadBalancer, st store.Store, notifier Notifier, banwords *banword.Cache, sessions SessionLookup, log *logging.Logger) *Service {
	return &Service{
		bal:          bal,
		store:        st,
		notifier:     notifier,
		banwords:     banwords,
		sessions:     sessions,
		log:          log,
		modalTimeout: 5 * time.Minute,
		modalPoll:    time.Second,
	}
}

// newNonce returns a snowflake-shaped numeric nonce for one interaction.
func newNonce() string {
	return strconv.FormatInt(time.Now().UnixMilli()<<18|rand.Int63n(1<<18), 10)
}

// ImagineRequest is a new text-to-image submission.
type ImagineRequest struct {
	Prompt       string
	BotType      models.BotType
	Base64Images []string // prompt image references, uploaded before submit
	WebhookURL   string
	Filter       *models.AccountFilter
}

// SubmitImagine validates, routes, and enqueues an imagine job.
func (s *Service) SubmitImagine(req ImagineRequest) *models.SubmitResult {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return models.SubmitError(models.ErrValidation, "prompt may not be empty")
	}
	if v := s.banwords.CheckPrompt(prompt); v != nil {
		return models.SubmitError(models.ErrBannedPrompt, fmt.Sprintf("prompt contains banned word %q", v.Word))
	}
	bot := req.BotType
	if bot == "" {
		bot = models.BotMidJourney
	}

	exec := s.selectWithDomains(balancer.Criteria{
		Filter:  req.Filter,
		NewTask: true,
		BotType: bot,
	}, prompt)
	if exec == nil {
		return models.SubmitError(models.ErrNoAvailableAccount, "")
	}
	account := exec.Account()
	session := s.sessions(account.ChannelID)
	if session == nil {
		return models.SubmitError(models.ErrInstanceUnavailable, "no live session for account")
	}

	finalPrompt := injectSpeedFlag(prompt, account.Mode)
	nonce := newNonce()

	job := models.NewJob(models.ActionImagine)
	job.Prompt = req.Prompt
	job.PromptEn = finalPrompt
	job.BotType = bot
	job.WebhookURL = req.WebhookURL
	job.Filter = req.Filter
	job.UpdateMeta(func(m *models.CorrelationMeta) {
		m.Nonce = nonce
		m.BotType = bot
		m.ChannelID = account.ChannelID
	})

	images := req.Base64Images
	channelID := account.ChannelID
	return exec.Enqueue(job, func() models.UpstreamResult {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		sendPrompt := finalPrompt
		if len(images) > 0 {
			refs, err := s.uploadImages(ctx, session, channelID, images)
			if err != nil {
				return models.UpstreamResult{Code: 0, Description: err.Error()}
			}
			sendPrompt = strings.Join(refs, " ") + " " + finalPrompt
		}
		return session.Imagine(ctx, bot, channelID, sendPrompt, nonce)
	})
}

// ActionRequest is a derived action on an existing result: a button click
// identified by the parent job and the component custom id.
type ActionRequest struct {
	ParentJobID string
	CustomID    string
	WebhookURL  string
	// Modal content supplied up front for remix flows that would otherwise
	// park in MODAL waiting on a separate call.
	Prompt string
}

// SubmitAction clicks a component on the parent job's result message:
// upscale, variation, reroll, zoom, pan. Remix-enabled variations continue
// through the modal flow when the upstream opens one.
func (s *Service) SubmitAction(req ActionRequest) *models.SubmitResult {
	if req.CustomID == "" {
		return models.SubmitError(models.ErrValidation, "custom id may not be empty")
	}
	parent, err := s.store.GetJob(req.ParentJobID)
	if err != nil {
		return models.SubmitError(models.ErrValidation, "parent job not found")
	}
	if parent.Status != models.StatusSuccess {
		return models.SubmitError(models.ErrValidation, "parent job has no result to act on")
	}

	// A derived job is pinned to the parent's account.
	exec := s.bal.ChooseInstance(balancer.Criteria{
		Filter:  &models.AccountFilter{InstanceID: parent.InstanceID},
		BotType: parent.BotType,
	})
	if exec == nil {
		return models.SubmitError(models.ErrInstanceUnavailable, "parent account unavailable")
	}
	account := exec.Account()
	session := s.sessions(account.ChannelID)
	if session == nil {
		return models.SubmitError(models.ErrInstanceUnavailable, "no live session for account")
	}

	parentMeta := parent.Meta
	nonce := newNonce()
	job := models.NewJob(actionForCustomID(req.CustomID))
	job.ParentID = parent.ID
	job.Prompt = parent.Prompt
	job.PromptEn = parent.PromptEn
	job.BotType = parent.BotType
	job.WebhookURL = req.WebhookURL
	job.UpdateMeta(func(m *models.CorrelationMeta) {
		m.Nonce = nonce
		m.BotType = parent.BotType
		m.ChannelID = account.ChannelID
		m.CustomID = req.CustomID
		m.MessageHash = parent.Hash
	})

	messageID := parentMeta.MessageID
	flags := parentMeta.Flags
	bot := parent.BotType
	channelID := account.ChannelID
	modalPrompt := req.Prompt
	siblings := append([]string(nil), parent.MessageIDs...)

	return exec.Enqueue(job, func() models.UpstreamResult {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		var res models.UpstreamResult
		// 429s are upstream throttling; 404s are usually a message-id race,
		// healed by retrying against a sibling message of the parent.
		// the final verdict lives in res; Do's error only signals exhaustion
		_ = retry.Do(ctx, retry.UpstreamConfig(), func() error {
			res = session.Component(ctx, bot, channelID, messageID, req.CustomID, flags, nonce)
			if retry.IsTransientUpstream(res.Code) {
				if res.Code == 404 {
					if sib := nextSibling(siblings, messageID); sib != "" {
						messageID = sib
					}
				}
				return fmt.Errorf("upstream transient %d: %s", res.Code, res.Description)
			}
			return nil
		})
		if !res.OK() {
			return res
		}
		// If the upstream answers with a modal the correlator parks the
		// job in MODAL; finish the round trip when the content is known.
		if modalPrompt != "" {
			return s.completeModal(session, job, bot, channelID, modalPrompt)
		}
		return res
	})
}

// DescribeRequest is an image-to-text submission, by upload or by link.
type DescribeRequest struct {
	Base64     string
	Link       string
	BotType    models.BotType
	WebhookURL string
}

// SubmitDescribe routes a describe job to an account with describe support.
func (s *Service) SubmitDescribe(req DescribeRequest) *models.SubmitResult {
	if req.Base64 == "" && req.Link == "" {
		return models.SubmitError(models.ErrValidation, "describe needs an image or a link")
	}
	bot := req.BotType
	if bot == "" {
		bot = models.BotMidJourney
	}
	exec := s.bal.ChooseInstance(balancer.Criteria{NewTask: true, BotType: bot, Describe: true})
	if exec == nil {
		return models.SubmitError(models.ErrNoAvailableAccount, "no account with describe support")
	}
	account := exec.Account()
	session := s.sessions(account.ChannelID)
	if session == nil {
		return models.SubmitError(models.ErrInstanceUnavailable, "no live session for account")
	}

	nonce := newNonce()
	job := models.NewJob(models.ActionDescribe)
	job.BotType = bot
	job.WebhookURL = req.WebhookURL
	job.UpdateMeta(func(m *models.CorrelationMeta) {
		m.Nonce = nonce
		m.BotType = bot
		m.ChannelID = account.ChannelID
	})

	channelID := account.ChannelID
	return exec.Enqueue(job, func() models.UpstreamResult {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if req.Link != "" {
			return session.DescribeByLink(ctx, bot, channelID, req.Link, nonce)
		}
		data, name, err := decodeBase64Image(req.Base64, "describe")
		if err != nil {
			return models.UpstreamResult{Code: 0, Description: err.Error()}
		}
		uploaded, err := session.Upload(ctx, channelID, name, data)
		if err != nil {
			return models.UpstreamResult{Code: 0, Description: err.Error()}
		}
		return session.Describe(ctx, bot, channelID, uploaded, name, nonce)
	})
}

// BlendRequest merges 2..5 images into one composition.
type BlendRequest struct {
	Base64Images []string
	Dimensions   string
	BotType      models.BotType
	WebhookURL   string
}

// SubmitBlend routes a blend job to an account with blend support.
func (s *Service) SubmitBlend(req BlendRequest) *models.SubmitResult {
	if len(req.Base64Images) < 2 || len(req.Base64Images) > 5 {
		return models.SubmitError(models.ErrValidation, "blend needs 2 to 5 images")
	}
	bot := req.BotType
	if bot == "" {
		bot = models.BotMidJourney
	}
	exec := s.bal.ChooseInstance(balancer.Criteria{NewTask: true, BotType: bot, Blend: true})
	if exec == nil {
		return models.SubmitError(models.ErrNoAvailableAccount, "no account with blend support")
	}
	account := exec.Account()
	session := s.sessions(account.ChannelID)
	if session == nil {
		return models.SubmitError(models.ErrInstanceUnavailable, "no live session for account")
	}

	nonce := newNonce()
	job := models.NewJob(models.ActionBlend)
	job.BotType = bot
	job.WebhookURL = req.WebhookURL
	job.UpdateMeta(func(m *models.CorrelationMeta) {
		m.Nonce = nonce
		m.BotType = bot
		m.ChannelID = account.ChannelID
	})

	channelID := account.ChannelID
	return exec.Enqueue(job, func() models.UpstreamResult {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		inputs := make([]discord.BlendInput, 0, len(req.Base64Images))
		for i, b64 := range req.Base64Images {
			data, name, err := decodeBase64Image(b64, fmt.Sprintf("blend%d", i+1))
			if err != nil {
				return models.UpstreamResult{Code: 0, Description: err.Error()}
			}
			uploaded, err := session.Upload(ctx, channelID, name, data)
			if err != nil {
				return models.UpstreamResult{Code: 0, Description: err.Error()}
			}
			inputs = append(inputs, discord.BlendInput{UploadedFilename: uploaded, DisplayName: name})
		}
		return session.Blend(ctx, bot, channelID, inputs, req.Dimensions, nonce)
	})
}

// ShortenRequest asks the upstream to analyze and compress a prompt.
type ShortenRequest struct {
	Prompt     string
	BotType    models.BotType
	WebhookURL string
}

// SubmitShorten routes a shorten job.
func (s *Service) SubmitShorten(req ShortenRequest) *models.SubmitResult {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return models.SubmitError(models.ErrValidation, "prompt may not be empty")
	}
	if v := s.banwords.CheckPrompt(prompt); v != nil {
		return models.SubmitError(models.ErrBannedPrompt, fmt.Sprintf("prompt contains banned word %q", v.Word))
	}
	bot := req.BotType
	if bot == "" {
		bot = models.BotMidJourney
	}
	exec := s.bal.ChooseInstance(balancer.Criteria{NewTask: true, BotType: bot, Shorten: true})
	if exec == nil {
		return models.SubmitError(models.ErrNoAvailableAccount, "no account with shorten support")
	}
	account := exec.Account()
	session := s.sessions(account.ChannelID)
	if session == nil {
		return models.SubmitError(models.ErrInstanceUnavailable, "no live session for account")
	}

	nonce := newNonce()
	job := models.NewJob(models.ActionShorten)
	job.Prompt = prompt
	job.BotType = bot
	job.WebhookURL = req.WebhookURL
	job.UpdateMeta(func(m *models.CorrelationMeta) {
		m.Nonce = nonce
		m.BotType = bot
		m.ChannelID = account.ChannelID
	})

	channelID := account.ChannelID
	return exec.Enqueue(job, func() models.UpstreamResult {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		return session.Shorten(ctx, bot, channelID, prompt, nonce)
	})
}

// SubmitShow resurfaces a finished upstream job by its content hash.
func (s *Service) SubmitShow(hash string, bot models.BotType, webhookURL string) *models.SubmitResult {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return models.SubmitError(models.ErrValidation, "job hash may not be empty")
	}
	if bot == "" {
		bot = models.BotMidJourney
	}
	exec := s.bal.ChooseInstance(balancer.Criteria{NewTask: true, BotType: bot})
	if exec == nil {
		return models.SubmitError(models.ErrNoAvailableAccount, "")
	}
	account := exec.Account()
	session := s.sessions(account.ChannelID)
	if session == nil {
		return models.SubmitError(models.ErrInstanceUnavailable, "no live session for account")
	}

	nonce := newNonce()
	job := models.NewJob(models.ActionShow)
	job.BotType = bot
	job.WebhookURL = webhookURL
	job.UpdateMeta(func(m *models.CorrelationMeta) {
		m.Nonce = nonce
		m.BotType = bot
		m.ChannelID = account.ChannelID
		m.MessageHash = hash
	})

	channelID := account.ChannelID
	return exec.Enqueue(job, func() models.UpstreamResult {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		return session.Show(ctx, bot, channelID, hash, nonce)
	})
}

// ErrSeedPending means the seed reaction went out but the upstream has not
// delivered the seed yet; callers should retry the fetch shortly.
var ErrSeedPending = errors.New("seed requested, not yet available")

// GetSeed returns the generation seed of a finished job, requesting it from
// the upstream via an envelope reaction when it is not cached yet.
func (s *Service) GetSeed(jobID string) (string, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return "", err
	}
	if job.Seed != "" {
		return job.Seed, nil
	}
	meta := job.MetaSnapshot()
	if meta.MessageID == "" {
		return "", fmt.Errorf("%w: job has no result message", models.ErrValidation)
	}
	channelID := meta.ChannelID
	if channelID == "" {
		channelID = job.InstanceID
	}
	session := s.sessions(channelID)
	if session == nil {
		return "", fmt.Errorf("%w: no live session for account", models.ErrInstanceUnavailable)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if res := session.SeedReact(ctx, channelID, meta.MessageID); !res.OK() {
		return "", fmt.Errorf("%w: %s", models.ErrUpstreamRejected, res.Description)
	}
	return "", ErrSeedPending
}

// SubmitModalContent completes a job parked in MODAL with client-supplied
// content (remix prompt edit, custom zoom factor).
func (s *Service) SubmitModalContent(jobID, prompt string) *models.SubmitResult {
	exec, job := s.findLiveJob(jobID)
	if job == nil {
		return models.SubmitError(models.ErrValidation, "job not found or already finished")
	}
	account := exec.Account()
	session := s.sessions(account.ChannelID)
	if session == nil {
		return models.SubmitError(models.ErrInstanceUnavailable, "no live session for account")
	}
	bot := job.Clone().BotType
	go func() {
		res := s.completeModal(session, job, bot, account.ChannelID, prompt)
		if !res.OK() {
			job.Fail(res.Description)
			s.persistNotify(job)
		}
	}()
	return models.SubmitOK(jobID)
}

// CancelJob cancels a queued or running job.
func (s *Service) CancelJob(jobID string) error {
	exec, job := s.findLiveJob(jobID)
	if job == nil {
		stored, err := s.store.GetJob(jobID)
		if err != nil {
			return err
		}
		if models.IsTerminal(stored.Status) {
			return fmt.Errorf("job %s already finished", jobID)
		}
		stored.Cancel("cancelled by user")
		s.persistNotify(stored)
		return nil
	}
	job.Cancel("cancelled by user")
	exec.ExitTask(job)
	return nil
}

// findLiveJob locates a non-terminal job on any registered executor.
func (s *Service) findLiveJob(jobID string) (*executor.Executor, *models.Job) {
	for _, e := range s.bal.All() {
		if j := e.FindRunning(jobID); j != nil {
			return e, j
		}
	}
	return nil, nil
}

// selectWithDomains runs the two-phase domain-preference selection: first
// restricted to accounts tagged for a matched domain, then unrestricted.
func (s *Service) selectWithDomains(c balancer.Criteria, prompt string) *executor.Executor {
	if domains := s.banwords.MatchDomains(prompt); len(domains) > 0 {
		restricted := c
		restricted.Domains = domains
		if e := s.bal.ChooseInstance(restricted); e != nil {
			return e
		}
	}
	return s.bal.ChooseInstance(c)
}

func (s *Service) persistNotify(job *models.Job) {
	if err := s.store.SaveJob(job); err != nil {
		s.log.Error("persist job", map[string]interface{}{
			"task_id": job.ID,
			"error":   err.Error(),
		})
	}
	if s.notifier != nil {
		s.notifier.NotifyTaskChange(job)
	}
}

func (s *Service) uploadImages(ctx context.Context, session Upstream, channelID string, base64Images []string) ([]string, error) {
	refs := make([]string, 0, len(base64Images))
	for i, b64 := range base64Images {
		data, name, err := decodeBase64Image(b64, fmt.Sprintf("ref%d", i+1))
		if err != nil {
			return nil, err
		}
		uploaded, err := session.Upload(ctx, channelID, name, data)
		if err != nil {
			return nil, err
		}
		refs = append(refs, uploaded)
	}
	return refs, nil
}

// decodeBase64Image accepts raw or data-URI base64 and returns the bytes
// with a filename carrying the detected extension.
func decodeBase64Image(b64, stem string) ([]byte, string, error) {
	ext := "png"
	if strings.HasPrefix(b64, "data:") {
		semi := strings.Index(b64, ";base64,")
		if semi < 0 {
			return nil, "", fmt.Errorf("%w: malformed data uri", models.ErrValidation)
		}
		mime := b64[len("data:"):semi]
		if slash := strings.Index(mime, "/"); slash >= 0 {
			ext = mime[slash+1:]
		}
		b64 = b64[semi+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, "", fmt.Errorf("%w: invalid base64 image", models.ErrValidation)
	}
	return data, fmt.Sprintf("%s.%s", stem, ext), nil
}

// injectSpeedFlag appends the account's speed-mode flag when the prompt
// does not already carry one.
func injectSpeedFlag(prompt string, mode models.SpeedMode) string {
	for _, f := range []string{"--relax", "--fast", "--turbo"} {
		if strings.Contains(prompt, f) {
			return prompt
		}
	}
	switch mode {
	case models.ModeFast:
		return prompt + " --fast"
	case models.ModeTurbo:
		return prompt + " --turbo"
	case models.ModeRelax:
		return prompt + " --relax"
	}
	return prompt
}
