package correlator

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/promptmux/promptmux/pkg/models"
)

var (
	boldPromptRe = regexp.MustCompile(`\*\*(.+?)\*\*`)
	progressRe   = regexp.MustCompile(`\((\d{1,3}%)\)`)
	// Leading boundary excludes the "--seed" prompt parameter.
	seedRe       = regexp.MustCompile(`(?i)(?:^|[^-\w])seed[:\s]+(\d+)`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// contentPrompt extracts the echoed prompt between ** markers.
func contentPrompt(content string) string {
	m := boldPromptRe.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return m[1]
}

// contentProgress extracts a "(37%)" style progress marker.
func contentProgress(content string) string {
	m := progressRe.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return m[1]
}

// contentSeed extracts a "seed 1234" marker from the message content or its
// first embed description.
func contentSeed(content, embedDescription string) string {
	for _, s := range []string{content, embedDescription} {
		if m := seedRe.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	return ""
}

// normalize flattens a prompt for comparison: lowercase, angle-bracket URL
// wrappers removed, whitespace collapsed.
func normalize(prompt string) string {
	s := strings.ToLower(strings.TrimSpace(prompt))
	s = strings.NewReplacer("<", "", ">", "").Replace(s)
	return whitespaceRe.ReplaceAllString(s, " ")
}

// stripParams removes the trailing "--flag value" parameter block.
func stripParams(prompt string) string {
	if i := strings.Index(prompt, " --"); i >= 0 {
		return strings.TrimSpace(prompt[:i])
	}
	return strings.TrimSpace(prompt)
}

// contentHashFromURL derives the upstream job hash from a rendered image
// URL: the final underscore-separated segment of the filename.
func contentHashFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if dot := strings.LastIndex(base, "."); dot > 0 {
		base = base[:dot]
	}
	if i := strings.LastIndex(base, "_"); i >= 0 && i+1 < len(base) {
		return base[i+1:]
	}
	return base
}

// jobPrompt is the prompt a job expects the upstream to echo back.
func jobPrompt(j *models.Job) string {
	meta := j.MetaSnapshot()
	if meta.FinalPrompt != "" {
		return meta.FinalPrompt
	}
	snap := j.Clone()
	if snap.PromptEn != "" {
		return snap.PromptEn
	}
	return snap.Prompt
}

// matchJob walks the correlation ladder over the candidate jobs. Terminal
// jobs never match. Best effort by construction: with near-identical
// concurrent prompts the prompt rungs may pick either job.
func matchJob(jobs []*models.Job, messageID string, interactionID string, content string, imageURL string, bot models.BotType) *models.Job {
	active := jobs[:0:0]
	for _, j := range jobs {
		if !models.IsTerminal(j.CurrentStatus()) {
			active = append(active, j)
		}
	}
	if len(active) == 0 {
		return nil
	}

	// 1. known message id
	if messageID != "" {
		for _, j := range active {
			if j.HasMessageID(messageID) || j.MetaSnapshot().MessageID == messageID {
				return j
			}
		}
	}
	// 2. interaction metadata id
	if interactionID != "" {
		for _, j := range active {
			if j.MetaSnapshot().InteractionMetadataID == interactionID {
				return j
			}
		}
	}

	prompt := normalize(contentPrompt(content))
	if prompt != "" {
		// Prompt rungs only compare against jobs aimed at the bot that
		// authored the message; the same prompt may be in flight on both
		// bots at once.
		for _, j := range active {
			if !sameBot(j, bot) {
				continue
			}
			// 3. full prompt
			if normalize(jobPrompt(j)) == prompt {
				return j
			}
		}
		// 4. prefix/containment, upstream may append suffix flags
		for _, j := range active {
			if !sameBot(j, bot) {
				continue
			}
			want := normalize(jobPrompt(j))
			if want != "" && (strings.HasPrefix(prompt, want) || strings.Contains(prompt, want)) {
				return j
			}
		}
		// 5. parameter-stripped comparison
		stripped := stripParams(prompt)
		for _, j := range active {
			if !sameBot(j, bot) {
				continue
			}
			if want := stripParams(normalize(jobPrompt(j))); want != "" && want == stripped {
				return j
			}
		}
	}

	// 6. SHOW jobs match by content hash of the rendered image
	if imageURL != "" {
		hash := contentHashFromURL(imageURL)
		for _, j := range active {
			if j.Clone().Action != models.ActionShow {
				continue
			}
			meta := j.MetaSnapshot()
			if meta.MessageHash != "" && meta.MessageHash == hash {
				return j
			}
		}
	}
	return nil
}

// sameBot reports whether the job targets the bot that authored the
// message. An unknown sender or an untyped job matches anything.
func sameBot(j *models.Job, bot models.BotType) bool {
	if bot == "" {
		return true
	}
	jb := j.Clone().BotType
	return jb == "" || jb == bot
}

// matchByNonce finds the non-terminal job carrying the given nonce.
func matchByNonce(jobs []*models.Job, nonce string) *models.Job {
	if nonce == "" {
		return nil
	}
	for _, j := range jobs {
		if models.IsTerminal(j.CurrentStatus()) {
			continue
		}
		if j.MetaSnapshot().Nonce == nonce {
			return j
		}
	}
	return nil
}

// matchByInteraction finds the non-terminal job with the given stored
// interaction metadata id.
func matchByInteraction(jobs []*models.Job, id string) *models.Job {
	if id == "" {
		return nil
	}
	for _, j := range jobs {
		if models.IsTerminal(j.CurrentStatus()) {
			continue
		}
		if j.MetaSnapshot().InteractionMetadataID == id {
			return j
		}
	}
	return nil
}
