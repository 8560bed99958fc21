package banword

import "testing"

// TestCheckPrompt verifies case-insensitive substring matching against the
// banned word list.
func TestCheckPrompt(t *testing.T) {
	c := NewCache([]string{"blood", " Gore "}, nil)

	if v := c.CheckPrompt("a peaceful meadow"); v != nil {
		t.Errorf("expected no violation, got %q", v.Word)
	}
	v := c.CheckPrompt("BLOODY battlefield")
	if v == nil {
		t.Fatal("expected violation for banned substring")
	}
	if v.Word != "blood" {
		t.Errorf("expected matched word 'blood', got %q", v.Word)
	}
	if v := c.CheckPrompt("gore scene"); v == nil {
		t.Error("expected violation after whitespace normalization")
	}
}

// TestMatchDomains verifies only enabled tags match and each tag matches at
// most once.
func TestMatchDomains(t *testing.T) {
	c := NewCache(nil, []DomainTag{
		{ID: "anime", Enabled: true, Keywords: []string{"manga", "anime"}},
		{ID: "arch", Enabled: true, Keywords: []string{"building"}},
		{ID: "off", Enabled: false, Keywords: []string{"manga"}},
	})

	ids := c.MatchDomains("Anime girl reading MANGA")
	if len(ids) != 1 || ids[0] != "anime" {
		t.Errorf("expected [anime], got %v", ids)
	}
	if ids := c.MatchDomains("a red car"); len(ids) != 0 {
		t.Errorf("expected no matches, got %v", ids)
	}
}

// TestReload verifies the cache swaps word sets atomically on edit.
func TestReload(t *testing.T) {
	c := NewCache([]string{"old"}, nil)
	c.Reload([]string{"new"}, nil)

	if v := c.CheckPrompt("old prompt"); v != nil {
		t.Errorf("stale word still matching after reload: %q", v.Word)
	}
	if v := c.CheckPrompt("new prompt"); v == nil {
		t.Error("reloaded word not matching")
	}
}
