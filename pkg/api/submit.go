package api

import (
	"encoding/json"
	"net/http"

	"github.com/promptmux/promptmux/pkg/models"
	"github.com/promptmux/promptmux/pkg/orchestrator"
)

// ImagineRequest is the wire form of an imagine submission.
type ImagineRequest struct {
	Prompt        string                `json:"prompt"`
	BotType       models.BotType        `json:"bot_type,omitempty"`
	Base64Array   []string              `json:"base64_array,omitempty"`
	NotifyHook    string                `json:"notify_hook,omitempty"`
	AccountFilter *models.AccountFilter `json:"account_filter,omitempty"`
}

// SubmitImagine handles imagine submissions.
func (h *Handler) SubmitImagine(w http.ResponseWriter, r *http.Request) {
	var req ImagineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res := h.orch.SubmitImagine(orchestrator.ImagineRequest{
		Prompt:       req.Prompt,
		BotType:      req.BotType,
		Base64Images: req.Base64Array,
		WebhookURL:   req.NotifyHook,
		Filter:       req.AccountFilter,
	})
	writeSubmit(w, "imagine", res)
}

// ChangeRequest is the wire form of a component action: upscale, variation,
// reroll, zoom, pan. CustomID comes from a parent job's buttons.
type ChangeRequest struct {
	TaskID     string `json:"task_id"`
	CustomID   string `json:"custom_id"`
	Prompt     string `json:"prompt,omitempty"` // optional remix content
	NotifyHook string `json:"notify_hook,omitempty"`
}

// SubmitChange handles component actions against a finished parent job.
func (h *Handler) SubmitChange(w http.ResponseWriter, r *http.Request) {
	var req ChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res := h.orch.SubmitAction(orchestrator.ActionRequest{
		ParentJobID: req.TaskID,
		CustomID:    req.CustomID,
		Prompt:      req.Prompt,
		WebhookURL:  req.NotifyHook,
	})
	writeSubmit(w, "change", res)
}

// DescribeRequest is the wire form of a describe submission.
type DescribeRequest struct {
	Base64     string         `json:"base64,omitempty"`
	Link       string         `json:"link,omitempty"`
	BotType    models.BotType `json:"bot_type,omitempty"`
	NotifyHook string         `json:"notify_hook,omitempty"`
}

// SubmitDescribe handles describe submissions.
func (h *Handler) SubmitDescribe(w http.ResponseWriter, r *http.Request) {
	var req DescribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res := h.orch.SubmitDescribe(orchestrator.DescribeRequest{
		Base64:     req.Base64,
		Link:       req.Link,
		BotType:    req.BotType,
		WebhookURL: req.NotifyHook,
	})
	writeSubmit(w, "describe", res)
}

// BlendRequest is the wire form of a blend submission.
type BlendRequest struct {
	Base64Array []string       `json:"base64_array"`
	Dimensions  string         `json:"dimensions,omitempty"` // PORTRAIT, SQUARE, LANDSCAPE
	BotType     models.BotType `json:"bot_type,omitempty"`
	NotifyHook  string         `json:"notify_hook,omitempty"`
}

// SubmitBlend handles blend submissions.
func (h *Handler) SubmitBlend(w http.ResponseWriter, r *http.Request) {
	var req BlendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res := h.orch.SubmitBlend(orchestrator.BlendRequest{
		Base64Images: req.Base64Array,
		Dimensions:   req.Dimensions,
		BotType:      req.BotType,
		WebhookURL:   req.NotifyHook,
	})
	writeSubmit(w, "blend", res)
}

// ShortenRequest is the wire form of a shorten submission.
type ShortenRequest struct {
	Prompt     string         `json:"prompt"`
	BotType    models.BotType `json:"bot_type,omitempty"`
	NotifyHook string         `json:"notify_hook,omitempty"`
}

// SubmitShorten handles shorten submissions.
func (h *Handler) SubmitShorten(w http.ResponseWriter, r *http.Request) {
	var req ShortenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res := h.orch.SubmitShorten(orchestrator.ShortenRequest{
		Prompt:     req.Prompt,
		BotType:    req.BotType,
		WebhookURL: req.NotifyHook,
	})
	writeSubmit(w, "shorten", res)
}

// ShowRequest recovers a job from an upstream content hash.
type ShowRequest struct {
	Hash       string         `json:"hash"`
	BotType    models.BotType `json:"bot_type,omitempty"`
	NotifyHook string         `json:"notify_hook,omitempty"`
}

// SubmitShow handles show submissions.
func (h *Handler) SubmitShow(w http.ResponseWriter, r *http.Request) {
	var req ShowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Hash == "" {
		writeError(w, http.StatusBadRequest, "hash may not be empty")
		return
	}
	res := h.orch.SubmitShow(req.Hash, req.BotType, req.NotifyHook)
	writeSubmit(w, "show", res)
}

// ModalRequest supplies the content for a job parked in MODAL.
type ModalRequest struct {
	TaskID string `json:"task_id"`
	Prompt string `json:"prompt"`
}

// SubmitModal handles modal content submissions.
func (h *Handler) SubmitModal(w http.ResponseWriter, r *http.Request) {
	var req ModalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res := h.orch.SubmitModalContent(req.TaskID, req.Prompt)
	writeSubmit(w, "modal", res)
}
