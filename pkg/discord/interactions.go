package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/promptmux/promptmux/pkg/models"
)

// Application ids of the two supported upstream bots.
const (
	AppIDMidjourney = "936929561302675456"
	AppIDNiji       = "1022952195194359889"
)

// Slash-command versions. These change rarely but do change; keep them in
// one place.
const (
	imagineCommandID       = "938956540159881230"
	imagineCommandVersion  = "1237876415471554623"
	describeCommandID      = "1092492867185950852"
	describeCommandVersion = "1237876415471554625"
	blendCommandID         = "1062880104792997970"
	blendCommandVersion    = "1237876415471554624"
	shortenCommandID       = "1121575339396734998"
	shortenCommandVersion  = "1237876415471554626"
	showCommandID          = "1092492867185950853"
	showCommandVersion     = "1166847114203123797"
	infoCommandID          = "972289487818334209"
	infoCommandVersion     = "1237876415471554618"
	settingsCommandID      = "972289487818334210"
	settingsCommandVersion = "1237876415471554619"
)

// Interaction payload templates. $placeholders are substituted with
// JSON-escaped values before POST; the structure itself never varies per
// call.
const (
	imagineTemplate = `{"type":2,"application_id":"$application_id","guild_id":"$guild_id","channel_id":"$channel_id","session_id":"$session_id","nonce":"$nonce","data":{"version":"` + imagineCommandVersion + `","id":"` + imagineCommandID + `","name":"imagine","type":1,"options":[{"type":3,"name":"prompt","value":$prompt}]}}`

	componentTemplate = `{"type":3,"application_id":"$application_id","guild_id":"$guild_id","channel_id":"$channel_id","session_id":"$session_id","nonce":"$nonce","message_flags":$flags,"message_id":"$message_id","data":{"component_type":2,"custom_id":$custom_id}}`

	modalTemplate = `{"type":5,"application_id":"$application_id","guild_id":"$guild_id","channel_id":"$channel_id","session_id":"$session_id","nonce":"$nonce","data":{"id":"$interaction_id","custom_id":$custom_id,"components":[{"type":1,"components":[{"type":4,"custom_id":$field_id,"value":$value}]}]}}`

	describeTemplate = `{"type":2,"application_id":"$application_id","guild_id":"$guild_id","channel_id":"$channel_id","session_id":"$session_id","nonce":"$nonce","data":{"version":"` + describeCommandVersion + `","id":"` + describeCommandID + `","name":"describe","type":1,"options":[{"type":11,"name":"image","value":0}],"attachments":[{"id":"0","uploaded_filename":$filename,"filename":$display_name}]}}`

	describeLinkTemplate = `{"type":2,"application_id":"$application_id","guild_id":"$guild_id","channel_id":"$channel_id","session_id":"$session_id","nonce":"$nonce","data":{"version":"` + describeCommandVersion + `","id":"` + describeCommandID + `","name":"describe","type":1,"options":[{"type":3,"name":"link","value":$link}]}}`

	blendTemplate = `{"type":2,"application_id":"$application_id","guild_id":"$guild_id","channel_id":"$channel_id","session_id":"$session_id","nonce":"$nonce","data":{"version":"` + blendCommandVersion + `","id":"` + blendCommandID + `","name":"blend","type":1,"options":$options,"attachments":$attachments}}`

	shortenTemplate = `{"type":2,"application_id":"$application_id","guild_id":"$guild_id","channel_id":"$channel_id","session_id":"$session_id","nonce":"$nonce","data":{"version":"` + shortenCommandVersion + `","id":"` + shortenCommandID + `","name":"shorten","type":1,"options":[{"type":3,"name":"prompt","value":$prompt}]}}`

	showTemplate = `{"type":2,"application_id":"$application_id","guild_id":"$guild_id","channel_id":"$channel_id","session_id":"$session_id","nonce":"$nonce","data":{"version":"` + showCommandVersion + `","id":"` + showCommandID + `","name":"show","type":1,"options":[{"type":3,"name":"job_id","value":$job_id}]}}`

	infoTemplate = `{"type":2,"application_id":"$application_id","guild_id":"$guild_id","channel_id":"$channel_id","session_id":"$session_id","nonce":"$nonce","data":{"version":"` + infoCommandVersion + `","id":"` + infoCommandID + `","name":"info","type":1,"options":[]}}`

	settingsTemplate = `{"type":2,"application_id":"$application_id","guild_id":"$guild_id","channel_id":"$channel_id","session_id":"$session_id","nonce":"$nonce","data":{"version":"` + settingsCommandVersion + `","id":"` + settingsCommandID + `","name":"settings","type":1,"options":[]}}`
)

func appID(bot models.BotType) string {
	if bot == models.BotNiji {
		return AppIDNiji
	}
	return AppIDMidjourney
}

// jsonString escapes v as a JSON string literal including quotes, so it can
// be substituted directly into a template.
func jsonString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func (s *Session) fillCommon(template string, bot models.BotType, channelID, nonce string) string {
	if channelID == "" {
		channelID = s.cfg.ChannelID
	}
	return strings.NewReplacer(
		"$application_id", appID(bot),
		"$guild_id", s.cfg.GuildID,
		"$channel_id", channelID,
		"$session_id", s.currentSessionID(),
		"$nonce", nonce,
	).Replace(template)
}

// postInteraction sends one interaction payload. A 204 means the upstream
// accepted the command; everything async arrives on the gateway feed.
func (s *Session) postInteraction(ctx context.Context, body string) models.UpstreamResult {
	if !s.authorized.Load() {
		return models.UpstreamResult{Code: 0, Description: "gateway session not ready"}
	}
	if err := s.limiter.Wait(ctx, s.cfg.ChannelID); err != nil {
		return models.UpstreamResult{Code: 0, Description: err.Error()}
	}
	resp, err := s.rest.R().
		SetContext(ctx).
		SetBody(body).
		Post("/interactions")
	if err != nil {
		return models.UpstreamResult{Code: 0, Description: err.Error()}
	}
	code := resp.StatusCode()
	desc := ""
	if code >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(resp.Body(), &e) == nil && e.Message != "" {
			desc = e.Message
		} else {
			desc = resp.Status()
		}
	}
	return models.UpstreamResult{Code: code, Description: desc}
}

// Imagine submits an /imagine slash command.
func (s *Session) Imagine(ctx context.Context, bot models.BotType, channelID, prompt, nonce string) models.UpstreamResult {
	body := s.fillCommon(imagineTemplate, bot, channelID, nonce)
	body = strings.Replace(body, "$prompt", jsonString(prompt), 1)
	return s.postInteraction(ctx, body)
}

// Component clicks a button on an existing bot message: upscale, variation,
// reroll, zoom, pan, remix toggle, custom action custom ids.
func (s *Session) Component(ctx context.Context, bot models.BotType, channelID, messageID, customID string, flags int64, nonce string) models.UpstreamResult {
	body := s.fillCommon(componentTemplate, bot, channelID, nonce)
	body = strings.NewReplacer(
		"$flags", fmt.Sprintf("%d", flags),
		"$message_id", messageID,
		"$custom_id", jsonString(customID),
	).Replace(body)
	return s.postInteraction(ctx, body)
}

// SubmitModal completes a single-field modal (remix prompt edit, pic-reader
// prompt, custom zoom factor).
func (s *Session) SubmitModal(ctx context.Context, bot models.BotType, channelID, interactionID, customID, fieldID, value, nonce string) models.UpstreamResult {
	body := s.fillCommon(modalTemplate, bot, channelID, nonce)
	body = strings.NewReplacer(
		"$interaction_id", interactionID,
		"$custom_id", jsonString(customID),
		"$field_id", jsonString(fieldID),
		"$value", jsonString(value),
	).Replace(body)
	return s.postInteraction(ctx, body)
}

// Describe submits a /describe for a previously uploaded attachment.
func (s *Session) Describe(ctx context.Context, bot models.BotType, channelID, uploadedFilename, displayName, nonce string) models.UpstreamResult {
	body := s.fillCommon(describeTemplate, bot, channelID, nonce)
	body = strings.NewReplacer(
		"$filename", jsonString(uploadedFilename),
		"$display_name", jsonString(displayName),
	).Replace(body)
	return s.postInteraction(ctx, body)
}

// DescribeByLink submits a /describe pointing at an image URL instead of an
// upload.
func (s *Session) DescribeByLink(ctx context.Context, bot models.BotType, channelID, link, nonce string) models.UpstreamResult {
	body := s.fillCommon(describeLinkTemplate, bot, channelID, nonce)
	body = strings.Replace(body, "$link", jsonString(link), 1)
	return s.postInteraction(ctx, body)
}

// BlendInput is one uploaded image for a /blend command.
type BlendInput struct {
	UploadedFilename string
	DisplayName      string
}

// Blend submits a /blend across 2..5 uploaded images.
func (s *Session) Blend(ctx context.Context, bot models.BotType, channelID string, inputs []BlendInput, dimensions string, nonce string) models.UpstreamResult {
	type option struct {
		Type  int         `json:"type"`
		Name  string      `json:"name"`
		Value interface{} `json:"value"`
	}
	type attachment struct {
		ID               string `json:"id"`
		UploadedFilename string `json:"uploaded_filename"`
		Filename         string `json:"filename"`
	}
	options := make([]option, 0, len(inputs)+1)
	attachments := make([]attachment, 0, len(inputs))
	for i, in := range inputs {
		name := "image1"
		if i > 0 {
			name = fmt.Sprintf("image%d", i+1)
		}
		options = append(options, option{Type: 11, Name: name, Value: i})
		attachments = append(attachments, attachment{
			ID:               fmt.Sprintf("%d", i),
			UploadedFilename: in.UploadedFilename,
			Filename:         in.DisplayName,
		})
	}
	if dimensions != "" {
		options = append(options, option{Type: 3, Name: "dimensions", Value: dimensions})
	}
	optJSON, _ := json.Marshal(options)
	attJSON, _ := json.Marshal(attachments)

	body := s.fillCommon(blendTemplate, bot, channelID, nonce)
	body = strings.NewReplacer(
		"$options", string(optJSON),
		"$attachments", string(attJSON),
	).Replace(body)
	return s.postInteraction(ctx, body)
}

// Shorten submits a /shorten prompt analysis command.
func (s *Session) Shorten(ctx context.Context, bot models.BotType, channelID, prompt, nonce string) models.UpstreamResult {
	body := s.fillCommon(shortenTemplate, bot, channelID, nonce)
	body = strings.Replace(body, "$prompt", jsonString(prompt), 1)
	return s.postInteraction(ctx, body)
}

// Show resurfaces a historical job by its upstream job id.
func (s *Session) Show(ctx context.Context, bot models.BotType, channelID, jobID, nonce string) models.UpstreamResult {
	body := s.fillCommon(showTemplate, bot, channelID, nonce)
	body = strings.Replace(body, "$job_id", jsonString(jobID), 1)
	return s.postInteraction(ctx, body)
}

// Info submits an /info account status command.
func (s *Session) Info(ctx context.Context, bot models.BotType, nonce string) models.UpstreamResult {
	body := s.fillCommon(infoTemplate, bot, "", nonce)
	return s.postInteraction(ctx, body)
}

// Settings submits a /settings command; the response carries the remix and
// speed toggles as buttons.
func (s *Session) Settings(ctx context.Context, bot models.BotType, nonce string) models.UpstreamResult {
	body := s.fillCommon(settingsTemplate, bot, "", nonce)
	return s.postInteraction(ctx, body)
}

// SeedReact puts an envelope reaction on a result message; the upstream bot
// answers with a DM carrying the seed.
func (s *Session) SeedReact(ctx context.Context, channelID, messageID string) models.UpstreamResult {
	if err := s.limiter.Wait(ctx, s.cfg.ChannelID); err != nil {
		return models.UpstreamResult{Code: 0, Description: err.Error()}
	}
	resp, err := s.rest.R().
		SetContext(ctx).
		Put(fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/%%40me", channelID, messageID, "%E2%9C%89%EF%B8%8F"))
	if err != nil {
		return models.UpstreamResult{Code: 0, Description: err.Error()}
	}
	return models.UpstreamResult{Code: resp.StatusCode(), Description: resp.Status()}
}

// MarkRead acks a message so the account does not accumulate unread state.
// Best effort; callers ignore the result.
func (s *Session) MarkRead(ctx context.Context, channelID, messageID string) error {
	_, err := s.rest.R().
		SetContext(ctx).
		SetBody(`{"token":null,"last_viewed":null}`).
		Post(fmt.Sprintf("/channels/%s/messages/%s/ack", channelID, messageID))
	return err
}
