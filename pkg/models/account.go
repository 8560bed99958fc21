package models

import (
	"strings"
	"time"
)

// BotType identifies which upstream sub-bot a job targets.
type BotType string

const (
	BotMidJourney BotType = "MID_JOURNEY"
	BotNiji       BotType = "NIJI_JOURNEY"
)

// SpeedMode is the upstream throughput tier.
type SpeedMode string

const (
	ModeRelax SpeedMode = "RELAX"
	ModeFast  SpeedMode = "FAST"
	ModeTurbo SpeedMode = "TURBO"
)

// Account represents one upstream bot identity: its session credentials,
// capability flags and per-account pacing configuration. Persisted; mutated
// both by the executor (quota flags, counters) and by admin edits, so every
// multi-field update goes through the owning executor or the store's
// account lock.
type Account struct {
	ChannelID string `json:"channel_id" yaml:"channel_id"` // primary upstream channel, account identity
	GuildID   string `json:"guild_id" yaml:"guild_id"`

	// Opaque secrets. Never logged unmasked; use MaskedToken for display.
	UserToken string `json:"user_token" yaml:"user_token"`
	BotToken  string `json:"bot_token,omitempty" yaml:"bot_token"`

	// Capability flags.
	EnableMJ        bool `json:"enable_mj" yaml:"enable_mj"`
	EnableNiji      bool `json:"enable_niji" yaml:"enable_niji"`
	CanBlend        bool `json:"can_blend" yaml:"can_blend"`
	CanDescribe     bool `json:"can_describe" yaml:"can_describe"`
	CanShorten      bool `json:"can_shorten" yaml:"can_shorten"`
	RemixOn         bool `json:"remix_on" yaml:"remix_on"`
	NijiRemixOn     bool `json:"niji_remix_on" yaml:"niji_remix_on"`
	RemixAutoSubmit bool `json:"remix_auto_submit" yaml:"remix_auto_submit"`

	// Runtime flags.
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Locked        bool   `json:"locked" yaml:"locked"` // CAPTCHA wall, cleared out of band
	CaptchaURL    string `json:"captcha_url,omitempty" yaml:"captcha_url"`
	FastExhausted bool   `json:"fast_exhausted" yaml:"fast_exhausted"`
	DayDrawCount  int    `json:"day_draw_count" yaml:"day_draw_count"`
	DayDrawLimit  int    `json:"day_draw_limit" yaml:"day_draw_limit"` // <=0 means unlimited

	// Speed mode configuration.
	Mode       SpeedMode   `json:"mode" yaml:"mode"`
	AllowModes []SpeedMode `json:"allow_modes,omitempty" yaml:"allow_modes"`

	// Pacing configuration (seconds).
	Interval         float64 `json:"interval" yaml:"interval"`
	AfterIntervalMin float64 `json:"after_interval_min" yaml:"after_interval_min"`
	AfterIntervalMax float64 `json:"after_interval_max" yaml:"after_interval_max"`

	CoreSize       int `json:"core_size" yaml:"core_size"`
	QueueSize      int `json:"queue_size" yaml:"queue_size"`
	MaxQueueSize   int `json:"max_queue_size" yaml:"max_queue_size"` // <=0 means uncapped
	TimeoutMinutes int `json:"timeout_minutes" yaml:"timeout_minutes"`
	Weight         int `json:"weight" yaml:"weight"`

	// Cron-like time-slot strings, e.g. "09:00-23:00".
	WorkTime    string `json:"work_time,omitempty" yaml:"work_time"`
	FishingTime string `json:"fishing_time,omitempty" yaml:"fishing_time"`

	// Vertical-domain routing.
	IsDomain bool     `json:"is_domain" yaml:"is_domain"`
	Domains  []string `json:"domains,omitempty" yaml:"domains"`

	// Auxiliary channels sharing this session, sub-channel id -> channel id.
	SubChannels   []string          `json:"sub_channels,omitempty" yaml:"sub_channels"`
	SubChannelMap map[string]string `json:"sub_channel_map,omitempty" yaml:"sub_channel_map"`

	Remark    string    `json:"remark,omitempty" yaml:"remark"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// AccountFilter carries the account constraints a job was created with.
// Set once at job creation, immutable afterwards.
type AccountFilter struct {
	InstanceID  string      `json:"instance_id,omitempty"`  // pin to one account
	InstanceIDs []string    `json:"instance_ids,omitempty"` // explicit allowlist
	Modes       []SpeedMode `json:"modes,omitempty"`
	Remix       *bool       `json:"remix,omitempty"`
}

const (
	minCoreSize = 1
	maxCoreSize = 12
)

// ConcurrencySize returns CoreSize clamped to the supported range.
func (a *Account) ConcurrencySize() int {
	if a.CoreSize < minCoreSize {
		return minCoreSize
	}
	if a.CoreSize > maxCoreSize {
		return maxCoreSize
	}
	return a.CoreSize
}

// Timeout returns the job execution ceiling for this account.
func (a *Account) Timeout() time.Duration {
	if a.TimeoutMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(a.TimeoutMinutes) * time.Minute
}

// BotEnabled reports whether the given sub-bot is enabled on this account.
func (a *Account) BotEnabled(bot BotType) bool {
	switch bot {
	case BotNiji:
		return a.EnableNiji
	default:
		return a.EnableMJ
	}
}

// RemixEnabled reports the remix flag for the given sub-bot.
func (a *Account) RemixEnabled(bot BotType) bool {
	if bot == BotNiji {
		return a.NijiRemixOn
	}
	return a.RemixOn
}

// AllowsMode reports whether the account may run in the given speed mode.
func (a *Account) AllowsMode(mode SpeedMode) bool {
	if len(a.AllowModes) == 0 {
		return true
	}
	for _, m := range a.AllowModes {
		if m == mode {
			return true
		}
	}
	return false
}

// DayDrawExceeded reports whether the account used up its daily draw budget.
func (a *Account) DayDrawExceeded() bool {
	return a.DayDrawLimit > 0 && a.DayDrawCount >= a.DayDrawLimit
}

// HasDomain reports whether the account is tagged for the given vertical.
func (a *Account) HasDomain(domain string) bool {
	for _, d := range a.Domains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// ResolveChannel maps a sub-channel id back to this account's primary
// channel. Returns the input unchanged when it is not a known sub-channel.
func (a *Account) ResolveChannel(id string) string {
	if id == a.ChannelID {
		return id
	}
	if _, ok := a.SubChannelMap[id]; ok {
		return a.ChannelID
	}
	return id
}

// InWorkTime reports whether t falls inside the account's work window.
// An empty window means always on duty.
func (a *Account) InWorkTime(t time.Time) bool {
	return inTimeSlots(a.WorkTime, t)
}

// InFishingTime reports whether t falls inside the account's relax-only
// window.
func (a *Account) InFishingTime(t time.Time) bool {
	if a.FishingTime == "" {
		return false
	}
	return inTimeSlots(a.FishingTime, t)
}

// inTimeSlots parses comma-separated "HH:MM-HH:MM" slots. Malformed slots
// are skipped. Slots wrapping midnight ("23:00-02:00") are honored.
func inTimeSlots(spec string, t time.Time) bool {
	if spec == "" {
		return true
	}
	minutes := t.Hour()*60 + t.Minute()
	for _, slot := range strings.Split(spec, ",") {
		parts := strings.SplitN(strings.TrimSpace(slot), "-", 2)
		if len(parts) != 2 {
			continue
		}
		start, ok1 := parseClock(parts[0])
		end, ok2 := parseClock(parts[1])
		if !ok1 || !ok2 {
			continue
		}
		if start <= end {
			if minutes >= start && minutes <= end {
				return true
			}
		} else if minutes >= start || minutes <= end {
			return true
		}
	}
	return false
}

func parseClock(s string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, m := atoi(parts[0]), atoi(parts[1])
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	if s == "" {
		return -1
	}
	return n
}

// MaskedToken returns a token safe for logs: first 4 and last 4 characters.
func MaskedToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}
