package rest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shardline/shardline/internal/gateway"
)

// GatewayBot fetches the gateway URL, recommended shard count and session
// start limit. It satisfies gateway.BotGatewayFetcher.
func (c *Client) GatewayBot(ctx context.Context) (*gateway.BotGateway, error) {
	resp, err := c.Request(ctx, http.MethodGet, "/gateway/bot", nil)
	if err != nil {
		return nil, err
	}
	var bot gateway.BotGateway
	if err := resp.Decode(&bot); err != nil {
		return nil, fmt.Errorf("rest: decode gateway bot: %w", err)
	}
	if bot.URL == "" {
		return nil, fmt.Errorf("rest: gateway bot response has no url")
	}
	return &bot, nil
}

var _ gateway.BotGatewayFetcher = (*Client)(nil)
