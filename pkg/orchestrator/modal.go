package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/promptmux/promptmux/pkg/models"
)

// nextSibling returns another message id of the same parent job, used to
// retry a component click when the first message id 404s.
func nextSibling(ids []string, current string) string {
	for _, id := range ids {
		if id != current {
			return id
		}
	}
	return ""
}

// actionForCustomID classifies a component custom id into the job action it
// produces.
func actionForCustomID(customID string) models.Action {
	switch {
	case strings.Contains(customID, "::upsample"):
		return models.ActionUpscale
	case strings.Contains(customID, "::variation"), strings.Contains(customID, "::low_variation"),
		strings.Contains(customID, "::high_variation"):
		return models.ActionVariation
	case strings.Contains(customID, "::reroll"):
		return models.ActionReroll
	case strings.Contains(customID, "::pan_"):
		return models.ActionPan
	default:
		return models.ActionButton
	}
}

// Modal text-field custom ids keyed by the modal's custom-id prefix. The
// upstream keeps one free-text field per modal, named per flow.
var modalFieldIDs = map[string]string{
	"MJ::RemixModal":              "MJ::RemixModal::new_prompt",
	"MJ::OutpaintCustomZoomModal": "MJ::OutpaintCustomZoomModal::prompt",
	"MJ::Picreader::Modal":        "MJ::Picreader::Modal::PromptField",
	"MJ::ImagineModal":            "MJ::ImagineModal::new_prompt",
	"MJ::PanModal":                "MJ::PanModal::prompt",
}

// modalFieldFor resolves the text-field id for a captured modal custom id.
func modalFieldFor(modalCustomID string) string {
	for prefix, field := range modalFieldIDs {
		if strings.HasPrefix(modalCustomID, prefix) {
			return field
		}
	}
	return "MJ::RemixModal::new_prompt"
}

// completeModal waits for the correlator to capture the modal's interaction
// id and custom id, then submits the modal with the given content. The wait
// is bounded; a job that never receives its modal fails with a timeout.
func (s *Service) completeModal(session Upstream, job *models.Job, bot models.BotType, channelID, prompt string) models.UpstreamResult {
	deadline := time.Now().Add(s.modalTimeout)
	for {
		meta := job.MetaSnapshot()
		if meta.InteractionMetadataID != "" && meta.RemixCustomID != "" {
			break
		}
		if models.IsTerminal(job.CurrentStatus()) {
			return models.UpstreamResult{Code: 0, Description: "job finished before the modal opened"}
		}
		if time.Now().After(deadline) {
			return models.UpstreamResult{Code: 0, Description: "timed out waiting for the modal to open"}
		}
		time.Sleep(s.modalPoll)
	}

	meta := job.MetaSnapshot()
	nonce := newNonce()
	job.UpdateMeta(func(m *models.CorrelationMeta) { m.Nonce = nonce })
	job.Transition(models.StatusInProgress)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return session.SubmitModal(ctx, bot, channelID,
		meta.InteractionMetadataID, meta.RemixCustomID, modalFieldFor(meta.RemixCustomID), prompt, nonce)
}
