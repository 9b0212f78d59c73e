package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/luxury-yacht/pulse/backend/capabilities"
	"github.com/luxury-yacht/pulse/backend/internal/config"
	"github.com/luxury-yacht/pulse/backend/timeseries"
)

// SnapshotResult is the REST fallback payload: the series data a websocket
// init would carry plus the capability flags from hello.
type SnapshotResult struct {
	Series       map[string][]timeseries.Point `json:"series"`
	Capabilities capabilities.Capabilities     `json:"capabilities"`
}

// FetchSnapshot retrieves cluster series over plain HTTP for callers that
// cannot hold a websocket open. baseURL is the server root, e.g.
// http://host:9090.
func FetchSnapshot(ctx context.Context, httpClient *http.Client, baseURL string, series []string, res, since string) (*SnapshotResult, error) {
	if len(series) == 0 {
		return nil, errors.New("at least one series key is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.ClientRequestTimeout}
	}

	query := url.Values{}
	query.Set("series", strings.Join(series, ","))
	if res != "" {
		query.Set("res", res)
	}
	if since != "" {
		query.Set("since", since)
	}

	endpoint := strings.TrimRight(baseURL, "/") + "/api/v1/timeseries/cluster?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("snapshot request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var result SnapshotResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &result, nil
}
