// Package correlator reconciles asynchronous upstream push events with the
// running-job set of one account: bot-authored messages carry progress and
// final results, raw gateway frames carry interaction acks and modal opens,
// and a handful of embed shapes signal account-wide conditions.
package correlator

import (
	"regexp"
	"strings"
	"time"

	"github.com/promptmux/promptmux/pkg/discord"
	"github.com/promptmux/promptmux/pkg/logging"
	"github.com/promptmux/promptmux/pkg/models"
)

// JobSource exposes the account's in-flight jobs. Satisfied by the
// account's executor.
type JobSource interface {
	RunningJobs() []*models.Job
}

// AccountControl applies account-wide signals extracted from system embeds.
// Bound to one account; the lifecycle manager implements it.
type AccountControl interface {
	LockAccount(captchaURL string)
	MarkFastExhausted()
	DisableAccount(reason string)
}

// Sink receives every job the correlator mutated, for persist + webhook.
type Sink interface {
	TaskChanged(job *models.Job)
}

const dedupTTL = 5 * time.Minute

// Correlator handles the inbound event feed for one account.
type Correlator struct {
	source    JobSource
	control   AccountControl
	sink      Sink
	log       *logging.Logger
	processed *ttlCache

	// Invoked when the upstream demands a terms-of-service acknowledgement;
	// wired to a component click so the flow continues without failing the
	// job.
	onToS func(messageID, customID string)
}

// New builds a correlator for one account's feed.
func New(source JobSource, control AccountControl, sink Sink, log *logging.Logger) *Correlator {
	return &Correlator{
		source:    source,
		control:   control,
		sink:      sink,
		log:       log,
		processed: newTTLCache(dedupTTL),
	}
}

// OnToSRequired registers the auto-accept hook for ToS embeds.
func (c *Correlator) OnToSRequired(fn func(messageID, customID string)) {
	c.onToS = fn
}

// authorBot maps a message author's application id to the bot it speaks
// for. Unknown authors return the empty type and match any job.
func authorBot(authorID string) models.BotType {
	switch authorID {
	case discord.AppIDMidjourney:
		return models.BotMidJourney
	case discord.AppIDNiji:
		return models.BotNiji
	}
	return ""
}

// HandleMessage consumes one bot-message create or update.
func (c *Correlator) HandleMessage(ev *discord.MessageEvent) {
	if ev == nil || ev.ID == "" {
		return
	}
	if c.processed.Seen(ev.ID) {
		return
	}
	if len(ev.Embeds) > 0 && c.handleEmbed(ev) {
		return
	}

	jobs := c.source.RunningJobs()
	imageURL := ""
	if len(ev.Attachments) > 0 {
		imageURL = ev.Attachments[0].URL
	}
	interactionID := ""
	if ev.Interaction != nil {
		interactionID = ev.Interaction.ID
	}
	job := matchJob(jobs, ev.ID, interactionID, ev.Content, imageURL, authorBot(ev.AuthorID))
	if job == nil {
		c.log.Debug("uncorrelated message dropped", map[string]interface{}{
			"message_id": ev.ID,
			"channel_id": ev.ChannelID,
		})
		return
	}

	job.AddMessageID(ev.ID)

	embedDesc := ""
	if len(ev.Embeds) > 0 {
		embedDesc = ev.Embeds[0].Description
	}
	if seed := contentSeed(ev.Content, embedDesc); seed != "" {
		job.SetSeed(seed)
		c.sink.TaskChanged(job)
		return
	}

	if strings.Contains(ev.Content, "Waiting to start") {
		job.SetDescription("Waiting to start")
		c.sink.TaskChanged(job)
		return
	}
	if progress := contentProgress(ev.Content); progress != "" {
		job.Transition(models.StatusInProgress)
		job.SetProgress(progress)
		if imageURL != "" {
			job.SetResult(imageURL, contentHashFromURL(imageURL), nil)
		}
		c.sink.TaskChanged(job)
		return
	}
	if ev.Kind == discord.MessageCreate {
		c.finalize(job, ev, imageURL)
	}
}

// finalize applies a final result message and drives the job to SUCCESS.
func (c *Correlator) finalize(job *models.Job, ev *discord.MessageEvent, imageURL string) {
	job.UpdateMeta(func(m *models.CorrelationMeta) {
		m.MessageID = ev.ID
		m.Flags = ev.Flags
		if p := contentPrompt(ev.Content); p != "" {
			m.FinalPrompt = p
		}
	})
	if imageURL != "" {
		job.SetResult(imageURL, contentHashFromURL(imageURL), toButtons(ev.Buttons))
	} else if len(ev.Embeds) > 0 && ev.Embeds[0].Description != "" {
		// text results (describe, shorten) arrive as an embed
		job.SetDescription(ev.Embeds[0].Description)
	}
	job.SetProgress("100%")
	job.Succeed()
	c.processed.Put(ev.ID)
	c.sink.TaskChanged(job)
}

// HandleRaw consumes one raw gateway frame.
func (c *Correlator) HandleRaw(ev *discord.RawEvent) {
	if ev == nil {
		return
	}
	jobs := c.source.RunningJobs()
	switch ev.Kind {
	case discord.RawInteractionSuccess:
		job := matchByNonce(jobs, ev.Nonce)
		if job == nil {
			job = matchByInteraction(jobs, ev.InteractionID)
		}
		if job == nil {
			return
		}
		job.UpdateMeta(func(m *models.CorrelationMeta) {
			if ev.InteractionID != "" {
				m.InteractionMetadataID = ev.InteractionID
			}
			if ev.MessageID != "" {
				m.MessageID = ev.MessageID
			}
		})
		if ev.MessageID != "" {
			job.AddMessageID(ev.MessageID)
		}
		c.sink.TaskChanged(job)

	case discord.RawModalCreate:
		job := matchByNonce(jobs, ev.Nonce)
		if job == nil {
			return
		}
		job.UpdateMeta(func(m *models.CorrelationMeta) {
			if ev.InteractionID != "" {
				m.InteractionMetadataID = ev.InteractionID
			}
			m.RemixCustomID = ev.CustomID
		})
		job.Transition(models.StatusModal)
		c.sink.TaskChanged(job)

	case discord.RawInteractionFailure:
		job := matchByNonce(jobs, ev.Nonce)
		if job == nil {
			return
		}
		job.Fail("upstream rejected the interaction")
		c.sink.TaskChanged(job)
	}
}

// System embed vocabulary.
var (
	captchaTitles = []string{
		"Action needed to continue",
		"Action required to continue",
	}
	quotaTitles = []string{
		"Credits exhausted",
		"Out of fast hours",
	}
	disableTitles = []string{
		"Blocked",
		"Subscription paused",
		"Subscription cancelled",
		"Plan Cancelled",
	}
	errorTitles = []string{
		"Invalid prompt",
		"Banned prompt",
		"Banned prompt detected",
		"Invalid parameter",
		"Invalid link",
		"Request cancelled",
		"Queue full",
		"Job action restricted",
		"Empty prompt",
		"Pending mod message",
	}
	tosTitles = []string{
		"Tos not accepted",
		"ToS not accepted",
	}

	urlRe = regexp.MustCompile(`https?://\S+`)
)

const embedColorError = 16711680

func titleIn(title string, set []string) bool {
	for _, t := range set {
		if strings.EqualFold(strings.TrimSpace(title), t) {
			return true
		}
	}
	return false
}

// handleEmbed intercepts account-wide and error embeds before job
// correlation. Returns true when the event is fully consumed.
func (c *Correlator) handleEmbed(ev *discord.MessageEvent) bool {
	embed := ev.Embeds[0]
	title := embed.Title

	switch {
	case titleIn(title, captchaTitles):
		captchaURL := urlRe.FindString(embed.Description)
		c.control.LockAccount(captchaURL)
		c.log.Warn("account locked pending verification", map[string]interface{}{
			"channel_id": ev.ChannelID,
		})
		return true

	case titleIn(title, quotaTitles):
		c.control.MarkFastExhausted()
		return true

	case titleIn(title, disableTitles):
		c.control.DisableAccount(title)
		return true

	case titleIn(title, tosTitles):
		if c.onToS != nil {
			for _, b := range ev.Buttons {
				if strings.Contains(strings.ToLower(b.Label), "accept") {
					c.onToS(ev.ID, b.CustomID)
					break
				}
			}
		}
		return true

	case strings.EqualFold(title, "Job queued"):
		if job := c.matchEmbedJob(ev); job != nil {
			job.SetDescription(embed.Description)
			c.sink.TaskChanged(job)
		}
		return true

	case titleIn(title, errorTitles) || embed.Color == embedColorError:
		job := c.matchEmbedJob(ev)
		if job == nil {
			c.log.Warn("error embed without a matching job", map[string]interface{}{
				"title":      title,
				"channel_id": ev.ChannelID,
			})
			return true
		}
		reason := title
		if embed.Description != "" {
			reason = title + ": " + embed.Description
		}
		job.Fail(reason)
		c.sink.TaskChanged(job)
		return true
	}
	return false
}

// matchEmbedJob resolves the job an embed refers to: nonce, then stored
// interaction metadata id, then the referenced message id.
func (c *Correlator) matchEmbedJob(ev *discord.MessageEvent) *models.Job {
	jobs := c.source.RunningJobs()
	if job := matchByNonce(jobs, ev.Nonce); job != nil {
		return job
	}
	if ev.Interaction != nil {
		if job := matchByInteraction(jobs, ev.Interaction.ID); job != nil {
			return job
		}
	}
	for _, j := range jobs {
		if !models.IsTerminal(j.CurrentStatus()) && j.HasMessageID(ev.ID) {
			return j
		}
	}
	return nil
}

func toButtons(in []discord.Button) []models.ComponentButton {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.ComponentButton, 0, len(in))
	for _, b := range in {
		out = append(out, models.ComponentButton{
			CustomID: b.CustomID,
			Label:    b.Label,
			Emoji:    b.Emoji,
			Style:    b.Style,
			Type:     b.Type,
		})
	}
	return out
}
