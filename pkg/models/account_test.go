package models

import (
	"testing"
	"time"
)

func TestConcurrencySizeClamp(t *testing.T) {
	cases := []struct {
		core, want int
	}{
		{0, 1},
		{-3, 1},
		{1, 1},
		{5, 5},
		{12, 12},
		{40, 12},
	}
	for _, tc := range cases {
		a := &Account{CoreSize: tc.core}
		if got := a.ConcurrencySize(); got != tc.want {
			t.Errorf("CoreSize %d: expected %d, got %d", tc.core, tc.want, got)
		}
	}
}

func TestInTimeSlots(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2025, 3, 1, h, m, 0, 0, time.UTC)
	}

	a := &Account{WorkTime: "09:00-18:00"}
	if !a.InWorkTime(at(12, 0)) {
		t.Error("Expected 12:00 inside 09:00-18:00")
	}
	if a.InWorkTime(at(20, 0)) {
		t.Error("Expected 20:00 outside 09:00-18:00")
	}

	// Empty window means always on duty.
	b := &Account{}
	if !b.InWorkTime(at(3, 0)) {
		t.Error("Expected empty work time to always match")
	}

	// Slot wrapping midnight.
	c := &Account{WorkTime: "23:00-02:00"}
	if !c.InWorkTime(at(0, 30)) {
		t.Error("Expected 00:30 inside 23:00-02:00")
	}
	if c.InWorkTime(at(12, 0)) {
		t.Error("Expected 12:00 outside 23:00-02:00")
	}

	// Multiple slots.
	d := &Account{WorkTime: "08:00-10:00, 20:00-22:00"}
	if !d.InWorkTime(at(21, 0)) {
		t.Error("Expected 21:00 inside second slot")
	}
	if d.InWorkTime(at(15, 0)) {
		t.Error("Expected 15:00 outside both slots")
	}
}

func TestResolveChannel(t *testing.T) {
	a := &Account{
		ChannelID:     "chan-main",
		SubChannelMap: map[string]string{"sub-1": "chan-main"},
	}
	if got := a.ResolveChannel("sub-1"); got != "chan-main" {
		t.Errorf("Expected sub channel to resolve to chan-main, got %s", got)
	}
	if got := a.ResolveChannel("chan-main"); got != "chan-main" {
		t.Errorf("Expected identity resolve, got %s", got)
	}
	if got := a.ResolveChannel("other"); got != "other" {
		t.Errorf("Expected unknown id passthrough, got %s", got)
	}
}

func TestMaskedToken(t *testing.T) {
	if got := MaskedToken("abcd1234efgh"); got != "abcd****efgh" {
		t.Errorf("Unexpected mask: %s", got)
	}
	if got := MaskedToken("short"); got != "****" {
		t.Errorf("Expected short token fully masked, got %s", got)
	}
}

func TestAllowsMode(t *testing.T) {
	a := &Account{AllowModes: []SpeedMode{ModeRelax, ModeFast}}
	if !a.AllowsMode(ModeFast) {
		t.Error("Expected FAST allowed")
	}
	if a.AllowsMode(ModeTurbo) {
		t.Error("Expected TURBO not allowed")
	}
	b := &Account{}
	if !b.AllowsMode(ModeTurbo) {
		t.Error("Expected empty allow list to allow everything")
	}
}
