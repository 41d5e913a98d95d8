package domain

import (
	"encoding/json"
	"fmt"
)

// BBox is a face bounding box in pixel coordinates.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Landmark is one (x, y) facial keypoint.
type Landmark [2]float64

// Face is a single detected face. Vector is populated only for
// face_embedding results.
type Face struct {
	FaceIndex  int        `json:"face_index"`
	BBox       BBox       `json:"bbox"`
	Landmarks  []Landmark `json:"landmarks,omitempty"`
	Confidence float64    `json:"confidence"`
	Vector     []float32  `json:"vector,omitempty"`
}

// ImageEmbedding is the payload of an image_embedding result.
type ImageEmbedding struct {
	Dim    int       `json:"dim"`
	Vector []float32 `json:"vector"`
}

// FaceAnalysis is the payload shared by face_detection and face_embedding
// results. FaceCount always equals len(Faces); zero faces is a valid,
// successful outcome.
type FaceAnalysis struct {
	Faces     []Face `json:"faces"`
	FaceCount int    `json:"face_count"`
}

// JobResult is a tagged variant over the closed task set: exactly one of
// Image or Faces is set, selected by TaskType. It marshals to the tagged
// wire object {"task_type": ..., <payload fields>} used both in job rows
// and in API responses.
type JobResult struct {
	TaskType TaskType
	Image    *ImageEmbedding
	Faces    *FaceAnalysis
}

// NewImageEmbeddingResult builds an image_embedding result.
func NewImageEmbeddingResult(vector []float32) JobResult {
	return JobResult{
		TaskType: TaskImageEmbedding,
		Image:    &ImageEmbedding{Dim: len(vector), Vector: vector},
	}
}

// NewFaceAnalysisResult builds a face_detection or face_embedding result.
// FaceCount is derived, never trusted from the caller.
func NewFaceAnalysisResult(task TaskType, faces []Face) JobResult {
	if faces == nil {
		faces = []Face{}
	}
	return JobResult{
		TaskType: task,
		Faces:    &FaceAnalysis{Faces: faces, FaceCount: len(faces)},
	}
}

// Summary is the compact form broadcast in completed events.
func (r JobResult) Summary() map[string]any {
	switch r.TaskType {
	case TaskImageEmbedding:
		if r.Image == nil {
			return map[string]any{}
		}
		return map[string]any{"dim": r.Image.Dim}
	case TaskFaceDetection, TaskFaceEmbedding:
		if r.Faces == nil {
			return map[string]any{}
		}
		return map[string]any{"face_count": r.Faces.FaceCount}
	}
	return map[string]any{}
}

type imageEmbeddingWire struct {
	TaskType TaskType  `json:"task_type"`
	Dim      int       `json:"dim"`
	Vector   []float32 `json:"vector"`
}

type faceAnalysisWire struct {
	TaskType  TaskType `json:"task_type"`
	Faces     []Face   `json:"faces"`
	FaceCount int      `json:"face_count"`
}

// MarshalJSON emits the tagged wire object for the variant's task type.
func (r JobResult) MarshalJSON() ([]byte, error) {
	switch r.TaskType {
	case TaskImageEmbedding:
		if r.Image == nil {
			return nil, fmt.Errorf("op=result.marshal: image payload missing: %w", ErrInternal)
		}
		return json.Marshal(imageEmbeddingWire{TaskType: r.TaskType, Dim: r.Image.Dim, Vector: r.Image.Vector})
	case TaskFaceDetection, TaskFaceEmbedding:
		if r.Faces == nil {
			return nil, fmt.Errorf("op=result.marshal: face payload missing: %w", ErrInternal)
		}
		return json.Marshal(faceAnalysisWire{TaskType: r.TaskType, Faces: r.Faces.Faces, FaceCount: r.Faces.FaceCount})
	}
	return nil, fmt.Errorf("op=result.marshal: unknown task_type %q: %w", r.TaskType, ErrInvalidArgument)
}

// UnmarshalJSON dispatches on the task_type tag.
func (r *JobResult) UnmarshalJSON(b []byte) error {
	var probe struct {
		TaskType TaskType `json:"task_type"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return fmt.Errorf("op=result.unmarshal: %w", err)
	}
	switch probe.TaskType {
	case TaskImageEmbedding:
		var w imageEmbeddingWire
		if err := json.Unmarshal(b, &w); err != nil {
			return fmt.Errorf("op=result.unmarshal: %w", err)
		}
		*r = JobResult{TaskType: w.TaskType, Image: &ImageEmbedding{Dim: w.Dim, Vector: w.Vector}}
	case TaskFaceDetection, TaskFaceEmbedding:
		var w faceAnalysisWire
		if err := json.Unmarshal(b, &w); err != nil {
			return fmt.Errorf("op=result.unmarshal: %w", err)
		}
		if w.Faces == nil {
			w.Faces = []Face{}
		}
		*r = JobResult{TaskType: w.TaskType, Faces: &FaceAnalysis{Faces: w.Faces, FaceCount: len(w.Faces)}}
	default:
		return fmt.Errorf("op=result.unmarshal: unknown task_type %q: %w", probe.TaskType, ErrInvalidArgument)
	}
	return nil
}
