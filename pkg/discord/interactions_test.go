package discord

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/promptmux/promptmux/pkg/logging"
	"github.com/promptmux/promptmux/pkg/models"
)

func testSession() *Session {
	return NewSession(SessionConfig{
		UserToken: "tok",
		GuildID:   "g1",
		ChannelID: "c1",
	}, logging.NewLogger(logging.ERROR, false))
}

// TestFillCommonSubstitution verifies the shared placeholders resolve and an
// explicit channel overrides the session default.
func TestFillCommonSubstitution(t *testing.T) {
	s := testSession()
	s.dispatch("READY", json.RawMessage(`{"session_id":"sess-9"}`))

	body := s.fillCommon(imagineTemplate, models.BotMidJourney, "", "n-1")
	for _, want := range []string{`"guild_id":"g1"`, `"channel_id":"c1"`, `"session_id":"sess-9"`, `"nonce":"n-1"`, AppIDMidjourney} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %s", want)
		}
	}

	body = s.fillCommon(imagineTemplate, models.BotNiji, "c2", "n-2")
	if !strings.Contains(body, `"channel_id":"c2"`) {
		t.Error("explicit channel not substituted")
	}
	if !strings.Contains(body, AppIDNiji) {
		t.Error("niji bot did not switch the application id")
	}
}

// TestImagineBodyIsValidJSON verifies prompt escaping survives quotes and
// backslashes, the usual way user prompts break naive templating.
func TestImagineBodyIsValidJSON(t *testing.T) {
	s := testSession()
	prompt := `a "quoted" prompt \ with --ar 16:9`

	body := s.fillCommon(imagineTemplate, models.BotMidJourney, "", "n")
	body = strings.Replace(body, "$prompt", jsonString(prompt), 1)

	var parsed struct {
		Data struct {
			Options []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"options"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		t.Fatalf("body is not valid JSON: %v\n%s", err, body)
	}
	if len(parsed.Data.Options) != 1 || parsed.Data.Options[0].Value != prompt {
		t.Errorf("prompt did not round-trip: %+v", parsed.Data.Options)
	}
}

// TestSubmitHeldUntilReady verifies interactions are rejected locally until
// the gateway READY delivers a session id, and that the id READY carries is
// the one substituted afterwards.
func TestSubmitHeldUntilReady(t *testing.T) {
	s := testSession()

	res := s.postInteraction(context.Background(), "{}")
	if res.Code != 0 {
		t.Fatalf("pre-ready submit returned code %d, want local rejection", res.Code)
	}
	if !strings.Contains(res.Description, "not ready") {
		t.Errorf("pre-ready rejection description = %q", res.Description)
	}
	if s.Ready() {
		t.Error("session reported ready before READY arrived")
	}

	s.dispatch("READY", json.RawMessage(`{"session_id":"sess-42"}`))
	if !s.Ready() {
		t.Error("session not ready after READY")
	}
	if got := s.currentSessionID(); got != "sess-42" {
		t.Errorf("session id = %q, want sess-42", got)
	}
}

// TestJSONString verifies the literal escaping used by every template.
func TestJSONString(t *testing.T) {
	cases := map[string]string{
		"plain":       `"plain"`,
		`"q"`:         `"\"q\""`,
		"a\nb":        `"a\nb"`,
		`back\slash`:  `"back\\slash"`,
		"tab\tinside": `"tab\tinside"`,
	}
	for in, want := range cases {
		if got := jsonString(in); got != want {
			t.Errorf("jsonString(%q) = %s, want %s", in, got, want)
		}
	}
}
