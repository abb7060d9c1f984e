package llm

import (
	"context"
)

// ModerationRequest is the request body for the moderations endpoint.
type ModerationRequest struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
}

// ModerationResult is one result of a moderation call.
type ModerationResult struct {
	Flagged        bool               `json:"flagged"`
	Categories     map[string]bool    `json:"categories"`
	CategoryScores map[string]float64 `json:"category_scores"`
}

// ModerationResponse is the response from the moderations endpoint.
type ModerationResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Results []ModerationResult `json:"results"`
}

// Moderator is implemented by Client and by test fakes.
type Moderator interface {
	Moderate(ctx context.Context, input string) (*ModerationResponse, error)
}

// Moderate classifies input with the moderations endpoint.
func (c *Client) Moderate(ctx context.Context, input string) (*ModerationResponse, error) {
	var resp ModerationResponse
	if err := c.post(ctx, "/moderations", &ModerationRequest{Model: c.model, Input: input}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
