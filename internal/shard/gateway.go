package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"shardfleet/internal/logging"
)

// DefaultGatewayURL is the gateway-info endpoint queried for the recommended
// shard count when no explicit total is configured.
const DefaultGatewayURL = "https://discord.com/api/gateway/bot"

type gatewayInfo struct {
	URL    string `json:"url"`
	Shards int    `json:"shards"`
}

// FetchTotalShards asks the gateway-info endpoint for the recommended shard
// count. A nil client uses http.DefaultClient.
func FetchTotalShards(ctx context.Context, client *http.Client, url, token string) (int, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if url == "" {
		url = DefaultGatewayURL
	}
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bot "))
	if token == "" {
		return 0, fmt.Errorf("%w: cannot fetch total shards without a token", ErrInvalidPlan)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+token)
	req.Header.Set("Accept", "application/json")

	timer := logging.StartTimer(logging.CategoryPlanner, "FetchTotalShards")
	resp, err := client.Do(req)
	timer.Stop()
	if err != nil {
		return 0, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info gatewayInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, fmt.Errorf("failed to parse gateway response: %w", err)
	}
	if info.Shards < 1 {
		return 0, fmt.Errorf("gateway returned invalid shard count %d", info.Shards)
	}

	logging.Planner("gateway recommends %d shards", info.Shards)
	return info.Shards, nil
}
