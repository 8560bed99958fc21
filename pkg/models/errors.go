package models

import (
	"errors"
	"fmt"
)

// Failure taxonomy. Validation and selection failures surface synchronously
// from the submit boundary; everything after enqueue is recorded on the job
// and surfaced through notification/polling.
var (
	ErrValidation          = errors.New("validation failed")
	ErrBannedPrompt        = errors.New("prompt contains banned words")
	ErrNoAvailableAccount  = errors.New("no account available")
	ErrQueueFull           = errors.New("account queue is full")
	ErrUpstreamRejected    = errors.New("upstream rejected submission")
	ErrInstanceUnavailable = errors.New("account instance unavailable")
	ErrTimeout             = errors.New("operation timed out")
	ErrAccountAuthFailure  = errors.New("account authentication failed")
	ErrAccountBanned       = errors.New("account banned")
	ErrQuotaExhausted      = errors.New("account quota exhausted")
)

// SubmitCode classifies the synchronous outcome of a submit call.
type SubmitCode int

const (
	SubmitSuccess    SubmitCode = 1  // queue was empty, submission dispatched
	SubmitInQueue    SubmitCode = 2  // queued behind other jobs
	SubmitExists     SubmitCode = 21 // duplicate of a known job
	SubmitQueueFull  SubmitCode = 23
	SubmitValidation SubmitCode = 24
	SubmitNoAccount  SubmitCode = 3
	SubmitFailure    SubmitCode = 9
)

// SubmitResult is the synchronous answer to a job submission.
type SubmitResult struct {
	Code        SubmitCode `json:"code"`
	Description string     `json:"description"`
	JobID       string     `json:"job_id,omitempty"`
	// NumberInQueue is how many jobs are ahead when Code is SubmitInQueue.
	NumberInQueue int `json:"number_in_queue,omitempty"`
}

// SubmitOK builds a success result for a dispatched job.
func SubmitOK(jobID string) *SubmitResult {
	return &SubmitResult{Code: SubmitSuccess, Description: "submitted", JobID: jobID}
}

// SubmitQueued builds an in-queue result with the position ahead.
func SubmitQueued(jobID string, ahead int) *SubmitResult {
	return &SubmitResult{
		Code:          SubmitInQueue,
		Description:   fmt.Sprintf("in queue, %d ahead", ahead),
		JobID:         jobID,
		NumberInQueue: ahead,
	}
}

// SubmitError builds a failure result from a taxonomy error.
func SubmitError(err error, detail string) *SubmitResult {
	code := SubmitFailure
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrBannedPrompt):
		code = SubmitValidation
	case errors.Is(err, ErrNoAvailableAccount):
		code = SubmitNoAccount
	case errors.Is(err, ErrQueueFull):
		code = SubmitQueueFull
	}
	desc := err.Error()
	if detail != "" {
		desc = fmt.Sprintf("%s: %s", desc, detail)
	}
	return &SubmitResult{Code: code, Description: desc}
}

// UpstreamResult is what a submission closure returns after the actual
// upstream call: the platform's status code plus its description.
type UpstreamResult struct {
	Code        int
	Description string
}

// OK reports whether the upstream accepted the submission.
func (r UpstreamResult) OK() bool {
	return r.Code >= 200 && r.Code < 300
}
