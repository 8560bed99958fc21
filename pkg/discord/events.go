package discord

// MessageKind distinguishes create from update on the bot-message feed.
type MessageKind int

const (
	MessageCreate MessageKind = iota
	MessageUpdate
)

// RawKind is the closed set of gateway frame shapes the core reacts to.
// Explicit variants instead of a priority-ordered handler chain: each event
// is dispatched to exactly one handler by kind.
type RawKind int

const (
	RawInteractionSuccess RawKind = iota // interaction ack carrying the response message id
	RawInteractionFailure
	RawModalCreate // upstream opened a modal for an interaction
)

// Embed is the subset of an upstream embed the core inspects.
type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Footer      string `json:"footer,omitempty"`
	Color       int    `json:"color,omitempty"`
}

// Attachment is a rendered file carried on a message.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Button is an actionable component on a message.
type Button struct {
	CustomID string `json:"custom_id"`
	Label    string `json:"label,omitempty"`
	Emoji    string `json:"emoji,omitempty"`
	Style    int    `json:"style,omitempty"`
	Type     int    `json:"type,omitempty"`
}

// InteractionMetadata identifies the user interaction that triggered a bot
// response; used to correlate the first response before the message id is
// otherwise known.
type InteractionMetadata struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// MessageEvent is one bot-authored message create or update.
type MessageEvent struct {
	Kind        MessageKind
	ID          string
	ChannelID   string
	Nonce       string
	Content     string
	AuthorID    string
	AuthorBot   bool
	Flags       int64
	Embeds      []Embed
	Attachments []Attachment
	Buttons     []Button
	Interaction *InteractionMetadata
}

// RawEvent is a low-level gateway frame: interaction acks and modal opens.
type RawEvent struct {
	Kind          RawKind
	Nonce         string
	MessageID     string
	ChannelID     string
	InteractionID string
	CustomID      string
}

// MessageHandler consumes bot-message events.
type MessageHandler func(*MessageEvent)

// RawHandler consumes raw gateway frames.
type RawHandler func(*RawEvent)
