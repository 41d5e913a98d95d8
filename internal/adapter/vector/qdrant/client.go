// Package qdrant implements the vector sink on Qdrant's HTTP API.
//
// Only the two operations the worker needs are exposed: ensuring a
// collection exists and upserting points. Upserts are idempotent per point
// id, which is what lets a retried job attempt overwrite its own partial
// writes instead of duplicating them.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medialens/inference/internal/domain"
	"github.com/medialens/inference/internal/observability"
)

// Client is a minimal Qdrant HTTP client implementing domain.VectorSink.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New constructs a Qdrant client with baseURL and optional apiKey.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// EnsureCollection creates the collection with the given vector size if it
// does not exist. Distance is always cosine; embedding similarity is the
// only consumer of these collections.
func (c *Client) EnsureCollection(ctx context.Context, name string, dim int) error {
	tracer := otel.Tracer("vector.qdrant")
	ctx, span := tracer.Start(ctx, "qdrant.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("vector.collection", name), attribute.Int("vector.dim", dim))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/collections/%s", c.baseURL, name), nil)
	if err != nil {
		return fmt.Errorf("op=vector.ensure: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=vector.ensure: %v: %w", err, domain.ErrVectorUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	payload := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}
	b, _ := json.Marshal(payload)
	req, err = http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s", c.baseURL, name), bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("op=vector.ensure: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err = c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=vector.ensure: %v: %w", err, domain.ErrVectorUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=vector.ensure: create status %d: %w", resp.StatusCode, domain.ErrVectorUnavailable)
	}
	return nil
}

type wirePoint struct {
	ID      uint64         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// UpsertPoints inserts or updates points in a collection. Re-upserting the
// same ids with identical content is a no-op on the Qdrant side;
// last-write-wins otherwise.
func (c *Client) UpsertPoints(ctx context.Context, collection string, points []domain.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	tracer := otel.Tracer("vector.qdrant")
	ctx, span := tracer.Start(ctx, "qdrant.UpsertPoints")
	defer span.End()
	span.SetAttributes(
		attribute.String("vector.collection", collection),
		attribute.Int("vector.points", len(points)),
	)
	start := time.Now()
	defer func() { observability.ObserveVectorUpsert(collection, time.Since(start)) }()

	wire := make([]wirePoint, 0, len(points))
	for _, p := range points {
		wire = append(wire, wirePoint{ID: p.ID, Vector: p.Vector, Payload: p.Payload})
	}
	b, err := json.Marshal(map[string]any{"points": wire})
	if err != nil {
		return fmt.Errorf("op=vector.upsert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/collections/%s/points?wait=true", c.baseURL, collection), bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("op=vector.upsert: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=vector.upsert: %v: %w", err, domain.ErrVectorUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=vector.upsert: status %d: %w", resp.StatusCode, domain.ErrVectorUnavailable)
	}
	return nil
}

// Healthcheck probes the Qdrant server, used by readiness.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/collections", nil)
	if err != nil {
		return fmt.Errorf("op=vector.health: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=vector.health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=vector.health: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
}
