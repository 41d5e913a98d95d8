// Package stub is a fast, deterministic inference engine for development
// and tests. No model, no GPU: vectors are derived from an FNV hash of the
// image bytes, so the same input always yields the same output.
//
// Face detection counts occurrences of the literal marker "face" in the
// input bytes, which lets tests script any face count including zero.
package stub

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"

	"github.com/medialens/inference/internal/domain"
)

// maxFaces keeps stub results inside the same per-media face budget the
// real engine enforces.
const maxFaces = 16

// Engine implements domain.InferenceEngine deterministically.
type Engine struct {
	dim int
}

// New constructs a stub engine producing vectors of the given width.
func New(dim int) *Engine {
	if dim <= 0 {
		dim = 512
	}
	return &Engine{dim: dim}
}

// EmbeddingDim reports the vector width of embedding results.
func (e *Engine) EmbeddingDim() int { return e.dim }

// Infer produces a deterministic result for the task. Empty input is the
// stub's only malformed image.
func (e *Engine) Infer(_ context.Context, task domain.TaskType, m domain.Media) (domain.JobResult, error) {
	if len(m.Bytes) == 0 {
		return domain.JobResult{}, fmt.Errorf("op=inference.stub: empty input: %w", domain.ErrMalformedImage)
	}
	switch task {
	case domain.TaskImageEmbedding:
		return domain.NewImageEmbeddingResult(e.vectorFor(m.Bytes, 0)), nil
	case domain.TaskFaceDetection:
		return domain.NewFaceAnalysisResult(task, e.facesFor(m.Bytes, false)), nil
	case domain.TaskFaceEmbedding:
		return domain.NewFaceAnalysisResult(task, e.facesFor(m.Bytes, true)), nil
	default:
		return domain.JobResult{}, fmt.Errorf("op=inference.stub: unknown task_type %q: %w", task, domain.ErrInvalidArgument)
	}
}

// vectorFor spreads an FNV-1a hash of the input across the vector, salted
// by seed so per-face vectors differ.
func (e *Engine) vectorFor(b []byte, seed uint64) []float32 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	state := h.Sum64() ^ seed
	v := make([]float32, e.dim)
	for i := range v {
		state = state*6364136223846793005 + 1442695040888963407
		v[i] = float32(state%2000)/1000 - 1 // [-1, 1)
	}
	return v
}

func (e *Engine) facesFor(b []byte, withVectors bool) []domain.Face {
	n := bytes.Count(b, []byte("face"))
	if n > maxFaces {
		n = maxFaces
	}
	faces := make([]domain.Face, 0, n)
	for i := 0; i < n; i++ {
		f := domain.Face{
			FaceIndex: i,
			BBox: domain.BBox{
				X: float64(10 * (i + 1)),
				Y: float64(10 * (i + 1)),
				W: 64,
				H: 64,
			},
			Landmarks: []domain.Landmark{
				{20, 30}, {40, 30}, {30, 40}, {22, 52}, {38, 52},
			},
			Confidence: 0.99 - float64(i)*0.01,
		}
		if withVectors {
			f.Vector = e.vectorFor(b, uint64(i)+1)
		}
		faces = append(faces, f)
	}
	return faces
}
