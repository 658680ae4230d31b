package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/soundchain/notifier/pkg/config"
	"github.com/soundchain/notifier/pkg/logging"
	"github.com/soundchain/notifier/pkg/telemetry"
)

// maxBodySize caps the response body read from upstream
const maxBodySize = 64 << 20

// UpstreamError reports a transient failure talking to the discovery service
type UpstreamError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("discovery %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("discovery %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Client talks to the discovery service notifications endpoint
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a new discovery client
func New(cfg *config.DiscoveryConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("discovery_url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid discovery_url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	logger := logging.WithComponent("discovery-client")
	logger.Info("Discovery client initialized", zap.String("url", cfg.URL))

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}, nil
}

// GetNotifications fetches events from minBlock (inclusive) and resolves owners of trackIDs
func (c *Client) GetNotifications(ctx context.Context, minBlock int64, trackIDs []int64) (page *Page, err error) {
	ctx, span := telemetry.StartSpan(ctx, "discovery.get_notifications")
	span.SetAttributes(attribute.Int64("min_block_number", minBlock), attribute.Int("track_ids", len(trackIDs)))
	defer func() { telemetry.EndSpan(span, err) }()

	query := url.Values{}
	query.Set("min_block_number", strconv.FormatInt(minBlock, 10))
	for _, id := range trackIDs {
		query.Add("track_id", strconv.FormatInt(id, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/notifications?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build notifications request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Op: "get_notifications", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &UpstreamError{Op: "get_notifications", StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{
			Op:         "get_notifications",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", truncate(body, 256)),
		}
	}

	page, err = decodePage(body, minBlock)
	if err != nil {
		return nil, &UpstreamError{Op: "get_notifications", StatusCode: resp.StatusCode, Err: err}
	}

	c.logger.Debug("Fetched notifications",
		zap.Int64("min_block_number", minBlock),
		zap.Int64("max_block_number", page.MaxBlockNumber),
		zap.Int("events", len(page.Events)))

	return page, nil
}

func decodePage(body []byte, minBlock int64) (*Page, error) {
	var resp notificationsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode notifications response: %w", err)
	}

	info := resp.Data.Info
	if info.MaxBlockNumber == nil {
		return nil, fmt.Errorf("response is missing max_block_number")
	}
	if *info.MaxBlockNumber < minBlock {
		return nil, fmt.Errorf("max_block_number %d is below min_block_number %d", *info.MaxBlockNumber, minBlock)
	}

	page := &Page{
		MaxBlockNumber: *info.MaxBlockNumber,
		Events:         resp.Data.Notifications,
		FollowerCounts: resp.Data.Milestones.FollowerCounts,
		TrackOwners:    resp.Data.Owners.Tracks,
	}
	if page.FollowerCounts == nil {
		page.FollowerCounts = map[int64]int64{}
	}
	if page.TrackOwners == nil {
		page.TrackOwners = map[int64]int64{}
	}
	return page, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
