// Package media is the HTTP client for the external media store. It fetches
// raw image bytes by media id and, when result sync is enabled, confirms
// finished results back to the media-metadata service.
//
// Failure classification is the whole point of this adapter: a definitive
// "no such media" is non-retryable, while network trouble, timeouts and 5xx
// responses are retryable. The worker relies on that split.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medialens/inference/internal/domain"
	"github.com/medialens/inference/internal/observability"
)

// maxMediaBytes caps a single fetch; anything larger is not a valid image
// for the inference pipeline.
const maxMediaBytes = 64 << 20

// Client implements domain.MediaFetcher and domain.ResultConfirmer against
// the media store's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a media store client. timeout bounds each call end to end;
// a tighter per-call deadline on the context still wins.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Fetch retrieves the raw bytes for a media id. No caching: freshness is the
// media store's concern.
func (c *Client) Fetch(ctx context.Context, mediaID string) (domain.Media, error) {
	tracer := otel.Tracer("media.client")
	ctx, span := tracer.Start(ctx, "media.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("media.id", mediaID))

	start := time.Now()
	defer func() { observability.ObserveMediaFetch(time.Since(start)) }()

	url := fmt.Sprintf("%s/api/media/%s/file", c.baseURL, mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Media{}, fmt.Errorf("op=media.fetch: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Media{}, fmt.Errorf("op=media.fetch: media=%s: %v: %w", mediaID, err, domain.ErrMediaUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return domain.Media{}, fmt.Errorf("op=media.fetch: media=%s: status %d: %w", mediaID, resp.StatusCode, domain.ErrMediaMissing)
	default:
		return domain.Media{}, fmt.Errorf("op=media.fetch: media=%s: status %d: %w", mediaID, resp.StatusCode, domain.ErrMediaUnavailable)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return domain.Media{}, fmt.Errorf("op=media.fetch: media=%s: %v: %w", mediaID, err, domain.ErrMediaUnavailable)
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		ct = mimetype.Detect(b).String()
	}
	span.SetAttributes(attribute.Int("media.bytes", len(b)), attribute.String("media.content_type", ct))
	return domain.Media{Bytes: b, ContentType: ct}, nil
}

// ConfirmResult pushes a finished job's result summary to the media-metadata
// service. Only called on the sync path; any non-2xx is a sync failure for
// the syncer to retry.
func (c *Client) ConfirmResult(ctx context.Context, j domain.Job) error {
	tracer := otel.Tracer("media.client")
	ctx, span := tracer.Start(ctx, "media.ConfirmResult")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", j.ID), attribute.String("media.id", j.MediaID))

	summary := map[string]any{}
	if j.Result != nil {
		summary = j.Result.Summary()
	}
	body, err := json.Marshal(map[string]any{
		"job_id":         j.ID,
		"task_type":      string(j.TaskType),
		"status":         string(domain.JobCompleted),
		"result_summary": summary,
	})
	if err != nil {
		return fmt.Errorf("op=media.confirm: %w", err)
	}

	url := fmt.Sprintf("%s/api/media/%s/inference", c.baseURL, j.MediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=media.confirm: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=media.confirm: job=%s: %v: %w", j.ID, err, domain.ErrSyncFailed)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=media.confirm: job=%s: status %d: %w", j.ID, resp.StatusCode, domain.ErrSyncFailed)
	}
	return nil
}

// Healthcheck probes the media store, used by readiness.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("op=media.health: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=media.health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=media.health: status %d", resp.StatusCode)
	}
	return nil
}
