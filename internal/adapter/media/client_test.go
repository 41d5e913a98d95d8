package media_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medialens/inference/internal/adapter/media"
	"github.com/medialens/inference/internal/domain"
)

// pngHeader is enough for mimetype sniffing to call the bytes image/png.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13}

func TestFetchOK(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/media/m-1/file", r.URL.Path)
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpegbytes"))
	}))
	defer ts.Close()

	got, err := media.New(ts.URL, time.Second).Fetch(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpegbytes"), got.Bytes)
	assert.Equal(t, "image/jpeg", got.ContentType)
}

func TestFetchSniffsMissingContentType(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(pngHeader)
	}))
	defer ts.Close()

	got, err := media.New(ts.URL, time.Second).Fetch(context.Background(), "m-2")
	require.NoError(t, err)
	assert.Equal(t, "image/png", got.ContentType)
}

func TestFetchMissingIsNonRetryable(t *testing.T) {
	t.Parallel()
	for _, status := range []int{http.StatusNotFound, http.StatusGone} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		_, err := media.New(ts.URL, time.Second).Fetch(context.Background(), "gone")
		ts.Close()
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrMediaMissing)
		assert.False(t, domain.IsRetryable(err))
	}
}

func TestFetchServerErrorIsRetryable(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := media.New(ts.URL, time.Second).Fetch(context.Background(), "m-3")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)
	assert.True(t, domain.IsRetryable(err))
}

func TestFetchNetworkErrorIsRetryable(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	ts.Close() // connection refused from here on

	_, err := media.New(ts.URL, time.Second).Fetch(context.Background(), "m-4")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)
}

func TestFetchHonoursContextDeadline(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := media.New(ts.URL, 10*time.Second).Fetch(ctx, "m-5")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)
}

func TestConfirmResult(t *testing.T) {
	t.Parallel()
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/media/m-6/inference", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	result := domain.NewImageEmbeddingResult([]float32{1, 2, 3})
	j := domain.Job{ID: "job-6", MediaID: "m-6", TaskType: domain.TaskImageEmbedding, Result: &result}
	require.NoError(t, media.New(ts.URL, time.Second).ConfirmResult(context.Background(), j))

	assert.Equal(t, "job-6", body["job_id"])
	assert.Equal(t, "completed", body["status"])
	summary := body["result_summary"].(map[string]any)
	assert.EqualValues(t, 3, summary["dim"])
}

func TestConfirmResultNon2xx(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	err := media.New(ts.URL, time.Second).ConfirmResult(context.Background(), domain.Job{ID: "j", MediaID: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSyncFailed)
}
