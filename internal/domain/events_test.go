package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletedPayload(t *testing.T) {
	t.Parallel()
	res := NewImageEmbeddingResult(make([]float32, 512))
	now := time.UnixMilli(1724500000000)
	j := Job{ID: "01J5ZX", TaskType: TaskImageEmbedding, Status: JobCompleted, Result: &res}

	p := CompletedPayload(j, now)
	assert.Equal(t, "01J5ZX", p["job_id"])
	assert.Equal(t, "image_embedding", p["task_type"])
	assert.Equal(t, "completed", p["status"])
	assert.Equal(t, int64(1724500000000), p["timestamp_ms"])
	require.IsType(t, map[string]any{}, p["result_summary"])
	assert.Equal(t, 512, p["result_summary"].(map[string]any)["dim"])
}

func TestCompletedPayloadNilResult(t *testing.T) {
	t.Parallel()
	p := CompletedPayload(Job{ID: "x"}, time.Now())
	assert.Equal(t, map[string]any{}, p["result_summary"])
}

func TestFailedPayload(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1724500000500)
	j := Job{ID: "01J5ZY", Status: JobError, ErrorMessage: "malformed image", RetryCount: 3}

	p := FailedPayload(j, now)
	assert.Equal(t, "01J5ZY", p["job_id"])
	assert.Equal(t, "error", p["status"])
	assert.Equal(t, "malformed image", p["error_message"])
	assert.Equal(t, 3, p["retry_count"])
	assert.Equal(t, int64(1724500000500), p["timestamp_ms"])
}

func TestIdentityCapabilities(t *testing.T) {
	t.Parallel()
	user := Identity{Subject: "svc-gallery", Capabilities: []string{CapabilityInference}}
	assert.True(t, user.HasCapability(CapabilityInference))
	assert.False(t, user.HasCapability("admin-only"))

	admin := Identity{Subject: "ops", Admin: true}
	assert.True(t, admin.HasCapability(CapabilityInference))
	assert.True(t, admin.HasCapability("anything"))

	assert.False(t, Identity{}.HasCapability(CapabilityInference))
}
