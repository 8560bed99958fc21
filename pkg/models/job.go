package models

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action identifies the kind of upstream operation a job performs.
type Action string

const (
	ActionImagine       Action = "IMAGINE"
	ActionUpscale       Action = "UPSCALE"
	ActionVariation     Action = "VARIATION"
	ActionReroll        Action = "REROLL"
	ActionPan           Action = "PAN"
	ActionDescribe      Action = "DESCRIBE"
	ActionBlend         Action = "BLEND"
	ActionShorten       Action = "SHORTEN"
	ActionSwapFace      Action = "SWAP_FACE"
	ActionSwapVideoFace Action = "SWAP_VIDEO_FACE"
	ActionShow          Action = "SHOW"
	ActionButton        Action = "ACTION" // generic component button click
)

// NewGeneration reports whether the action starts a fresh generation rather
// than deriving from an existing message. Only these count against an
// account's daily draw budget.
func (a Action) NewGeneration() bool {
	switch a {
	case ActionImagine, ActionDescribe, ActionBlend, ActionShorten, ActionShow:
		return true
	}
	return false
}

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusNotStart   Status = "NOT_START"
	StatusSubmitted  Status = "SUBMITTED"
	StatusModal      Status = "MODAL"
	StatusInProgress Status = "IN_PROGRESS"
	StatusFailure    Status = "FAILURE"
	StatusSuccess    Status = "SUCCESS"
	StatusCancel     Status = "CANCEL"
)

// CorrelationMeta holds the optional, action-dependent metadata used to match
// asynchronous upstream events back to a job. Typed fields instead of a
// string-keyed bag so a misspelled key doesn't compile.
type CorrelationMeta struct {
	Nonce                 string  `json:"nonce,omitempty"`
	MessageID             string  `json:"message_id,omitempty"`
	MessageHash           string  `json:"message_hash,omitempty"`
	Flags                 int64   `json:"flags,omitempty"`
	InteractionMetadataID string  `json:"interaction_metadata_id,omitempty"`
	CustomID              string  `json:"custom_id,omitempty"`
	ChannelID             string  `json:"channel_id,omitempty"`
	FinalPrompt           string  `json:"final_prompt,omitempty"`
	ModalMessageID        string  `json:"modal_message_id,omitempty"`
	RemixCustomID         string  `json:"remix_custom_id,omitempty"`
	RemixModal            string  `json:"remix_modal,omitempty"`
	BotType               BotType `json:"bot_type,omitempty"`
}

// ComponentButton describes an actionable component carried on an upstream
// message (upscale/vary/reroll buttons).
type ComponentButton struct {
	CustomID string `json:"custom_id"`
	Emoji    string `json:"emoji,omitempty"`
	Label    string `json:"label,omitempty"`
	Style    int    `json:"style,omitempty"`
	Type     int    `json:"type,omitempty"`
}

// Job is one unit of requested work, tracked from submission through the
// upstream round trip to a terminal state. All mutation goes through the
// methods below; once a job is terminal every further write is a no-op.
type Job struct {
	mu sync.Mutex

	ID            string  `json:"id"`
	Action        Action  `json:"action"`
	Status        Status  `json:"status"`
	Progress      string  `json:"progress,omitempty"`
	Prompt        string  `json:"prompt,omitempty"`
	PromptEn      string  `json:"prompt_en,omitempty"`
	Description   string  `json:"description,omitempty"`
	InstanceID    string  `json:"instance_id,omitempty"`
	SubInstanceID string  `json:"sub_instance_id,omitempty"`
	ParentID      string  `json:"parent_id,omitempty"`
	BotType       BotType `json:"bot_type,omitempty"`

	Meta       CorrelationMeta   `json:"meta"`
	MessageIDs []string          `json:"message_ids,omitempty"`
	Buttons    []ComponentButton `json:"buttons,omitempty"`

	ImageURL string `json:"image_url,omitempty"`
	Hash     string `json:"hash,omitempty"`
	Seed     string `json:"seed,omitempty"`

	SubmitTime *time.Time `json:"submit_time,omitempty"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	FinishTime *time.Time `json:"finish_time,omitempty"`

	FailReason string `json:"fail_reason,omitempty"`

	// Filter captures the account constraints requested at creation time.
	// Immutable after NewJob.
	Filter *AccountFilter `json:"filter,omitempty"`

	WebhookURL string `json:"webhook_url,omitempty"`
}

// NewJob creates a job with a time-ordered id and a random suffix.
func NewJob(action Action) *Job {
	now := time.Now()
	return &Job{
		ID:         newJobID(now),
		Action:     action,
		Status:     StatusNotStart,
		SubmitTime: &now,
	}
}

func newJobID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%d%s", t.UnixMilli(), suffix)
}

// Transition moves the job to the given status if the state machine allows it.
// Returns false (and leaves the job untouched) on invalid transitions,
// including any write after a terminal state.
func (j *Job) Transition(to Status) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := ValidateTransition(j.Status, to); err != nil {
		return false
	}
	j.Status = to
	now := time.Now()
	switch to {
	case StatusInProgress:
		if j.StartTime == nil {
			j.StartTime = &now
		}
	case StatusSuccess, StatusFailure, StatusCancel:
		j.FinishTime = &now
	}
	return true
}

// Fail marks the job failed with the given reason. No-op once terminal.
func (j *Job) Fail(reason string) bool {
	j.mu.Lock()
	if IsTerminal(j.Status) {
		j.mu.Unlock()
		return false
	}
	j.FailReason = reason
	j.mu.Unlock()
	return j.Transition(StatusFailure)
}

// Succeed marks the job finished successfully. No-op once terminal.
func (j *Job) Succeed() bool {
	return j.Transition(StatusSuccess)
}

// Cancel marks the job canceled with the given reason. No-op once terminal.
func (j *Job) Cancel(reason string) bool {
	j.mu.Lock()
	if IsTerminal(j.Status) {
		j.mu.Unlock()
		return false
	}
	j.FailReason = reason
	j.mu.Unlock()
	return j.Transition(StatusCancel)
}

// SetProgress updates the human-readable progress. Rejected once terminal.
func (j *Job) SetProgress(progress string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if IsTerminal(j.Status) {
		return false
	}
	j.Progress = progress
	return true
}

// SetDescription updates the display description. Rejected once terminal.
func (j *Job) SetDescription(desc string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if IsTerminal(j.Status) {
		return false
	}
	j.Description = desc
	return true
}

// AddMessageID records an upstream message id on the job. One job can touch
// several messages (progress update, then final). Duplicates are ignored.
// Rejected once terminal.
func (j *Job) AddMessageID(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if IsTerminal(j.Status) {
		return false
	}
	for _, existing := range j.MessageIDs {
		if existing == id {
			return true
		}
	}
	j.MessageIDs = append(j.MessageIDs, id)
	return true
}

// HasMessageID reports whether the job has observed the given message id.
func (j *Job) HasMessageID(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, existing := range j.MessageIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// UpdateMeta applies fn to the correlation metadata under the job lock.
// Rejected once terminal.
func (j *Job) UpdateMeta(fn func(*CorrelationMeta)) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if IsTerminal(j.Status) {
		return false
	}
	fn(&j.Meta)
	return true
}

// MetaSnapshot returns a copy of the correlation metadata.
func (j *Job) MetaSnapshot() CorrelationMeta {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Meta
}

// CurrentStatus returns the job status under the lock.
func (j *Job) CurrentStatus() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status
}

// SetResult records the rendered image URL, its content hash and the message
// components in one write. Rejected once terminal.
func (j *Job) SetResult(imageURL, hash string, buttons []ComponentButton) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if IsTerminal(j.Status) {
		return false
	}
	if imageURL != "" {
		j.ImageURL = imageURL
	}
	if hash != "" {
		j.Hash = hash
	}
	if len(buttons) > 0 {
		j.Buttons = buttons
	}
	return true
}

// SetSeed records the generation seed. Seeds arrive after the result, so
// this write is allowed even on terminal jobs.
func (j *Job) SetSeed(seed string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Seed = seed
}

// IsRunning reports whether the job is waiting on the upstream round trip.
func (j *Job) IsRunning() bool {
	s := j.CurrentStatus()
	return s == StatusSubmitted || s == StatusInProgress || s == StatusModal
}

// Clone returns a consistent copy of the job taken under its lock. Used by
// persistence and notification so serialization never races a mutation.
func (j *Job) Clone() *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := Job{
		ID:            j.ID,
		Action:        j.Action,
		Status:        j.Status,
		Progress:      j.Progress,
		Prompt:        j.Prompt,
		PromptEn:      j.PromptEn,
		Description:   j.Description,
		InstanceID:    j.InstanceID,
		SubInstanceID: j.SubInstanceID,
		ParentID:      j.ParentID,
		BotType:       j.BotType,
		Meta:          j.Meta,
		ImageURL:      j.ImageURL,
		Hash:          j.Hash,
		Seed:          j.Seed,
		SubmitTime:    j.SubmitTime,
		StartTime:     j.StartTime,
		FinishTime:    j.FinishTime,
		FailReason:    j.FailReason,
		Filter:        j.Filter,
		WebhookURL:    j.WebhookURL,
	}
	cp.MessageIDs = append([]string(nil), j.MessageIDs...)
	cp.Buttons = append([]ComponentButton(nil), j.Buttons...)
	return &cp
}
