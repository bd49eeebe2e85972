package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// SlackClient is a thin wrapper around the slack-go SDK.
type SlackClient struct {
	api    *goslack.Client
	logger *slog.Logger
}

// NewSlackClient creates a new Slack API client.
func NewSlackClient(token string) *SlackClient {
	return &SlackClient{
		api:    goslack.New(token),
		logger: slog.Default().With("component", "slack_client"),
	}
}

// NewSlackClientWithAPIURL creates a Slack API client targeting a custom
// API URL. Useful for testing with a mock server.
func NewSlackClientWithAPIURL(token, apiURL string) *SlackClient {
	return &SlackClient{
		api:    goslack.New(token, goslack.OptionAPIURL(apiURL)),
		logger: slog.Default().With("component", "slack_client"),
	}
}

// PostMessage sends blocks to the given channel.
func (c *SlackClient) PostMessage(ctx context.Context, channel string, blocks []goslack.Block, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, _, err := c.api.PostMessageContext(ctx, channel, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}
