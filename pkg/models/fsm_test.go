package models

import (
	"testing"
)

// TestValidTransitions verifies the forward path of the job state machine
func TestValidTransitions(t *testing.T) {
	valid := []struct {
		from, to Status
	}{
		{StatusNotStart, StatusSubmitted},
		{StatusNotStart, StatusFailure},
		{StatusNotStart, StatusCancel},
		{StatusSubmitted, StatusInProgress},
		{StatusSubmitted, StatusModal},
		{StatusSubmitted, StatusSuccess},
		{StatusModal, StatusInProgress},
		{StatusInProgress, StatusModal},
		{StatusInProgress, StatusSuccess},
		{StatusInProgress, StatusFailure},
	}

	for _, tc := range valid {
		if err := ValidateTransition(tc.from, tc.to); err != nil {
			t.Errorf("Expected %s -> %s to be valid, got %v", tc.from, tc.to, err)
		}
	}
}

// TestInvalidTransitions verifies backward and out-of-terminal transitions are rejected
func TestInvalidTransitions(t *testing.T) {
	invalid := []struct {
		from, to Status
	}{
		{StatusSuccess, StatusInProgress},
		{StatusSuccess, StatusFailure},
		{StatusFailure, StatusSubmitted},
		{StatusCancel, StatusSuccess},
		{StatusInProgress, StatusSubmitted},
		{StatusInProgress, StatusNotStart},
		{StatusSubmitted, StatusNotStart},
	}

	for _, tc := range invalid {
		if err := ValidateTransition(tc.from, tc.to); err == nil {
			t.Errorf("Expected %s -> %s to be invalid", tc.from, tc.to)
		}
	}
}

// TestJobWriteAfterTerminal verifies no field mutation lands after a terminal state
func TestJobWriteAfterTerminal(t *testing.T) {
	job := NewJob(ActionImagine)
	if !job.Transition(StatusSubmitted) {
		t.Fatal("Failed to submit job")
	}
	if !job.Succeed() {
		t.Fatal("Failed to complete job")
	}

	if job.SetProgress("50%") {
		t.Error("Expected SetProgress to be rejected after SUCCESS")
	}
	if job.AddMessageID("m-1") {
		t.Error("Expected AddMessageID to be rejected after SUCCESS")
	}
	if job.Fail("late failure") {
		t.Error("Expected Fail to be rejected after SUCCESS")
	}
	if job.UpdateMeta(func(m *CorrelationMeta) { m.MessageID = "m-1" }) {
		t.Error("Expected UpdateMeta to be rejected after SUCCESS")
	}
	if job.CurrentStatus() != StatusSuccess {
		t.Errorf("Expected status SUCCESS, got %s", job.CurrentStatus())
	}
	if job.FailReason != "" {
		t.Errorf("Expected empty fail reason, got %q", job.FailReason)
	}
}

// TestModalRoundTrip verifies the MODAL interstitial can return to IN_PROGRESS
func TestModalRoundTrip(t *testing.T) {
	job := NewJob(ActionVariation)
	job.Transition(StatusSubmitted)

	if !job.Transition(StatusModal) {
		t.Fatal("Expected SUBMITTED -> MODAL to be allowed")
	}
	if !job.Transition(StatusInProgress) {
		t.Fatal("Expected MODAL -> IN_PROGRESS to be allowed")
	}
	if !job.Succeed() {
		t.Fatal("Expected IN_PROGRESS -> SUCCESS to be allowed")
	}
}

// TestJobIDOrdering verifies ids are time-ordered by prefix
func TestJobIDOrdering(t *testing.T) {
	a := NewJob(ActionImagine)
	b := NewJob(ActionImagine)
	if len(a.ID) < 13 || len(b.ID) < 13 {
		t.Fatalf("Unexpected id lengths: %q %q", a.ID, b.ID)
	}
	if a.ID[:13] > b.ID[:13] {
		t.Errorf("Expected time-ordered ids, got %q before %q", a.ID, b.ID)
	}
}

// TestAddMessageIDDedup verifies duplicate message ids collapse
func TestAddMessageIDDedup(t *testing.T) {
	job := NewJob(ActionImagine)
	job.Transition(StatusSubmitted)
	job.AddMessageID("m-1")
	job.AddMessageID("m-1")
	job.AddMessageID("m-2")
	if len(job.MessageIDs) != 2 {
		t.Errorf("Expected 2 message ids, got %d", len(job.MessageIDs))
	}
}
