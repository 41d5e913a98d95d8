// Package remote is the HTTP client for the model-serving backend. It posts
// raw image bytes and decodes the task-shaped result.
//
// The backend's failure surface maps onto the worker's retry taxonomy:
// responses saying the input itself is bad (400/415/422) are non-retryable
// ErrMalformedImage, everything else (5xx, network, timeout) is retryable
// ErrModelTransient.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medialens/inference/internal/domain"
	"github.com/medialens/inference/internal/observability"
)

// maxFaces bounds reported faces so face point ids stay collision-free
// within one media id.
const maxFaces = 1000

// Client implements domain.InferenceEngine against a model-serving sidecar.
type Client struct {
	baseURL    string
	dim        int
	httpClient *http.Client
}

// New constructs a remote engine client. dim is the embedding width the
// backend is serving; collections are created to match.
func New(baseURL string, dim int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		dim:     dim,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// EmbeddingDim reports the vector width of embedding results.
func (c *Client) EmbeddingDim() int { return c.dim }

// Infer runs one task against one media item.
func (c *Client) Infer(ctx context.Context, task domain.TaskType, m domain.Media) (domain.JobResult, error) {
	tracer := otel.Tracer("inference.remote")
	ctx, span := tracer.Start(ctx, "inference.Infer")
	defer span.End()
	span.SetAttributes(attribute.String("job.task_type", string(task)))

	start := time.Now()
	defer func() { observability.ObserveInference(string(task), time.Since(start)) }()

	// Reject obvious non-images before spending model time on them.
	ct := m.ContentType
	if ct == "" {
		ct = mimetype.Detect(m.Bytes).String()
	}
	if len(m.Bytes) == 0 || !strings.HasPrefix(ct, "image/") {
		return domain.JobResult{}, fmt.Errorf("op=inference.infer: content type %q: %w", ct, domain.ErrMalformedImage)
	}

	url := fmt.Sprintf("%s/v1/infer/%s", c.baseURL, task)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(m.Bytes))
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("op=inference.infer: %w", err)
	}
	req.Header.Set("Content-Type", ct)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("op=inference.infer: %v: %w", err, domain.ErrModelTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnsupportedMediaType,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return domain.JobResult{}, fmt.Errorf("op=inference.infer: status %d: %w", resp.StatusCode, domain.ErrMalformedImage)
	default:
		return domain.JobResult{}, fmt.Errorf("op=inference.infer: status %d: %w", resp.StatusCode, domain.ErrModelTransient)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("op=inference.infer: %v: %w", err, domain.ErrModelTransient)
	}
	var result domain.JobResult
	if err := json.Unmarshal(body, &result); err != nil {
		return domain.JobResult{}, fmt.Errorf("op=inference.infer: decode: %v: %w", err, domain.ErrModelTransient)
	}
	if result.TaskType != task {
		return domain.JobResult{}, fmt.Errorf("op=inference.infer: backend answered for %q: %w", result.TaskType, domain.ErrModelTransient)
	}
	capFaces(&result)
	return result, nil
}

func capFaces(r *domain.JobResult) {
	if r.Faces == nil || len(r.Faces.Faces) <= maxFaces {
		return
	}
	r.Faces.Faces = r.Faces.Faces[:maxFaces]
	r.Faces.FaceCount = maxFaces
}

// Healthcheck probes the model backend, used by readiness.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("op=inference.health: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=inference.health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=inference.health: status %d", resp.StatusCode)
	}
	return nil
}
