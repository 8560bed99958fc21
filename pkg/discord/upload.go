package discord

import (
	"context"
	"encoding/json"
	"fmt"
)

// Upload pushes raw image bytes to the upstream CDN with the two-step
// reserve-then-PUT flow and returns the uploaded filename to reference in a
// follow-up interaction.
func (s *Session) Upload(ctx context.Context, channelID, filename string, data []byte) (string, error) {
	if channelID == "" {
		channelID = s.cfg.ChannelID
	}

	reserve := map[string]any{
		"files": []map[string]any{
			{"filename": filename, "file_size": len(data), "id": "0"},
		},
	}
	resp, err := s.rest.R().
		SetContext(ctx).
		SetBody(reserve).
		Post(fmt.Sprintf("/channels/%s/attachments", channelID))
	if err != nil {
		return "", fmt.Errorf("reserve attachment slot: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return "", fmt.Errorf("reserve attachment slot: %s", resp.Status())
	}

	var out struct {
		Attachments []struct {
			UploadURL      string `json:"upload_url"`
			UploadFilename string `json:"upload_filename"`
		} `json:"attachments"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil || len(out.Attachments) == 0 {
		return "", fmt.Errorf("reserve attachment slot: malformed response")
	}
	slot := out.Attachments[0]

	put, err := s.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(data).
		Put(slot.UploadURL)
	if err != nil {
		return "", fmt.Errorf("upload attachment: %w", err)
	}
	if put.StatusCode() >= 300 {
		return "", fmt.Errorf("upload attachment: %s", put.Status())
	}
	return slot.UploadFilename, nil
}
