// Package discord implements the upstream transport for a single account:
// a gateway websocket feed for push events and a REST surface for
// interactions and uploads.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/promptmux/promptmux/pkg/logging"
	"github.com/promptmux/promptmux/pkg/ratelimit"
)

const (
	defaultRESTBase    = "https://discord.com/api/v9"
	defaultGatewayURL  = "wss://gateway.discord.gg/?v=9&encoding=json"
	defaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	defaultDialTimeout = 15 * time.Second

	// REST pacing per channel; the upstream throttles user accounts well
	// below this, the limiter just smooths bursts before they hit the wire.
	restRPS   = 2
	restBurst = 4
)

// SessionConfig carries everything a single account session needs to talk
// upstream. Tokens are never logged; use logging with masked values only.
type SessionConfig struct {
	UserToken  string
	BotToken   string
	GuildID    string
	ChannelID  string
	UserAgent  string
	RESTBase   string
	GatewayURL string
}

// Session is one account's connection to the upstream service. REST calls
// are safe for concurrent use; the gateway feed runs on its own goroutine
// once Connect succeeds.
type Session struct {
	cfg     SessionConfig
	rest    *resty.Client
	limiter *ratelimit.Limiter
	log     *logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	connected atomic.Bool
	seq       atomic.Int64
	sessionID string

	handlerMu  sync.RWMutex
	onMessage  []MessageHandler
	onRaw      []RawHandler
	onClose    func(code int, reason string)
	authorized atomic.Bool
}

// NewSession builds a session; it does not connect.
func NewSession(cfg SessionConfig, log *logging.Logger) *Session {
	if cfg.RESTBase == "" {
		cfg.RESTBase = defaultRESTBase
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = defaultGatewayURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	rest := resty.New().
		SetBaseURL(cfg.RESTBase).
		SetTimeout(30*time.Second).
		SetHeader("Authorization", cfg.UserToken).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Content-Type", "application/json")
	return &Session{
		cfg:     cfg,
		rest:    rest,
		limiter: ratelimit.NewLimiter(restRPS, restBurst),
		log:     log,
	}
}

// OnMessage registers a handler for bot-message create/update events.
// Register before Connect.
func (s *Session) OnMessage(fn MessageHandler) {
	s.handlerMu.Lock()
	s.onMessage = append(s.onMessage, fn)
	s.handlerMu.Unlock()
}

// OnRaw registers a handler for raw gateway frames.
func (s *Session) OnRaw(fn RawHandler) {
	s.handlerMu.Lock()
	s.onRaw = append(s.onRaw, fn)
	s.handlerMu.Unlock()
}

// OnClose registers a callback invoked when the gateway drops.
func (s *Session) OnClose(fn func(code int, reason string)) {
	s.handlerMu.Lock()
	s.onClose = fn
	s.handlerMu.Unlock()
}

// Connected reports whether the gateway feed is live.
func (s *Session) Connected() bool { return s.connected.Load() }

// Ready reports whether the gateway has acknowledged the identify. REST
// interactions need the session id from READY, so submissions are held
// until this flips.
func (s *Session) Ready() bool { return s.authorized.Load() }

// currentSessionID returns the gateway session id. The read loop rewrites
// it on every READY, so callers must not cache it.
func (s *Session) currentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// ChannelID returns the primary channel this session posts to.
func (s *Session) ChannelID() string { return s.cfg.ChannelID }

// gateway wire frames

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string         `json:"token"`
	Properties map[string]any `json:"properties"`
	Intents    int64          `json:"intents,omitempty"`
}

// Connect dials the gateway, identifies, and starts the read and heartbeat
// loops. It returns once the socket is established; READY is handled
// asynchronously.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected.Load() {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.GatewayURL, nil)
	if err != nil {
		return fmt.Errorf("gateway dial: %w", err)
	}

	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("gateway hello: %w", err)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil || hd.HeartbeatInterval <= 0 {
		conn.Close()
		return fmt.Errorf("gateway hello: bad heartbeat interval")
	}

	identify := gatewayPayload{Op: 2}
	identify.D, _ = json.Marshal(identifyData{
		Token: s.cfg.UserToken,
		Properties: map[string]any{
			"os":      "windows",
			"browser": "chrome",
			"device":  "",
		},
	})
	if err := conn.WriteJSON(identify); err != nil {
		conn.Close()
		return fmt.Errorf("gateway identify: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.cancel = cancel
	s.connected.Store(true)

	go s.heartbeatLoop(loopCtx, conn, time.Duration(hd.HeartbeatInterval)*time.Millisecond)
	go s.readLoop(loopCtx, conn)
	return nil
}

// Close tears down the gateway feed. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected.Store(false)
}

func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat := gatewayPayload{Op: 1}
			seq := s.seq.Load()
			beat.D, _ = json.Marshal(seq)
			s.mu.Lock()
			err := conn.WriteJSON(beat)
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		s.connected.Store(false)
	}()
	for {
		var frame gatewayPayload
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				code, reason := closeDetails(err)
				s.log.Warn("gateway connection dropped", map[string]interface{}{
					"channel_id": s.cfg.ChannelID,
					"code":       code,
					"reason":     reason,
				})
				s.handlerMu.RLock()
				fn := s.onClose
				s.handlerMu.RUnlock()
				if fn != nil {
					fn(code, reason)
				}
			}
			return
		}
		if frame.S != nil {
			s.seq.Store(*frame.S)
		}
		if frame.Op != 0 {
			continue
		}
		s.dispatch(frame.T, frame.D)
	}
}

func closeDetails(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	return -1, err.Error()
}

// dispatch translates a gateway dispatch frame into one event variant and
// fans it out to the registered handlers.
func (s *Session) dispatch(t string, data json.RawMessage) {
	switch t {
	case "READY":
		var d struct {
			SessionID string `json:"session_id"`
		}
		_ = json.Unmarshal(data, &d)
		s.mu.Lock()
		s.sessionID = d.SessionID
		s.mu.Unlock()
		s.authorized.Store(true)
		s.log.Info("gateway ready", map[string]interface{}{"channel_id": s.cfg.ChannelID})
	case "MESSAGE_CREATE", "MESSAGE_UPDATE":
		ev := parseMessage(data)
		if ev == nil {
			return
		}
		if t == "MESSAGE_UPDATE" {
			ev.Kind = MessageUpdate
		}
		s.fanoutMessage(ev)
	case "INTERACTION_SUCCESS":
		var d struct {
			Nonce     string `json:"nonce"`
			ID        string `json:"id"`
			MessageID string `json:"message_id"`
		}
		if json.Unmarshal(data, &d) != nil {
			return
		}
		s.fanoutRaw(&RawEvent{
			Kind:          RawInteractionSuccess,
			Nonce:         d.Nonce,
			InteractionID: d.ID,
			MessageID:     d.MessageID,
		})
	case "INTERACTION_IFRAME_MODAL_CREATE", "INTERACTION_MODAL_CREATE":
		var d struct {
			Nonce    string `json:"nonce"`
			ID       string `json:"id"`
			CustomID string `json:"custom_id"`
		}
		if json.Unmarshal(data, &d) != nil {
			return
		}
		s.fanoutRaw(&RawEvent{Kind: RawModalCreate, Nonce: d.Nonce, InteractionID: d.ID, CustomID: d.CustomID})
	case "INTERACTION_FAILURE":
		var d struct {
			Nonce string `json:"nonce"`
		}
		if json.Unmarshal(data, &d) != nil {
			return
		}
		s.fanoutRaw(&RawEvent{Kind: RawInteractionFailure, Nonce: d.Nonce})
	}
}

func (s *Session) fanoutMessage(ev *MessageEvent) {
	s.handlerMu.RLock()
	handlers := s.onMessage
	s.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (s *Session) fanoutRaw(ev *RawEvent) {
	s.handlerMu.RLock()
	handlers := s.onRaw
	s.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// parseMessage flattens an upstream message frame into a MessageEvent.
func parseMessage(data json.RawMessage) *MessageEvent {
	var m struct {
		ID        string `json:"id"`
		ChannelID string `json:"channel_id"`
		Nonce     string `json:"nonce"`
		Content   string `json:"content"`
		Flags     int64  `json:"flags"`
		Author    struct {
			ID  string `json:"id"`
			Bot bool   `json:"bot"`
		} `json:"author"`
		Embeds []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Color       int    `json:"color"`
			Footer      struct {
				Text string `json:"text"`
			} `json:"footer"`
		} `json:"embeds"`
		Attachments []Attachment `json:"attachments"`
		Components  []struct {
			Components []struct {
				CustomID string `json:"custom_id"`
				Label    string `json:"label"`
				Style    int    `json:"style"`
				Type     int    `json:"type"`
				Emoji    struct {
					Name string `json:"name"`
				} `json:"emoji"`
			} `json:"components"`
		} `json:"components"`
		InteractionMetadata *struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"interaction_metadata"`
	}
	if json.Unmarshal(data, &m) != nil || m.ID == "" {
		return nil
	}
	ev := &MessageEvent{
		Kind:        MessageCreate,
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		Nonce:       m.Nonce,
		Content:     m.Content,
		AuthorID:    m.Author.ID,
		AuthorBot:   m.Author.Bot,
		Flags:       m.Flags,
		Attachments: m.Attachments,
	}
	for _, e := range m.Embeds {
		ev.Embeds = append(ev.Embeds, Embed{
			Title:       e.Title,
			Description: e.Description,
			Footer:      e.Footer.Text,
			Color:       e.Color,
		})
	}
	for _, row := range m.Components {
		for _, c := range row.Components {
			ev.Buttons = append(ev.Buttons, Button{
				CustomID: c.CustomID,
				Label:    c.Label,
				Emoji:    c.Emoji.Name,
				Style:    c.Style,
				Type:     c.Type,
			})
		}
	}
	if m.InteractionMetadata != nil {
		ev.Interaction = &InteractionMetadata{ID: m.InteractionMetadata.ID, Name: m.InteractionMetadata.Name}
	}
	return ev
}
