package qdrant

import (
	"hash/fnv"

	"github.com/medialens/inference/internal/domain"
)

// MediaPointID derives the deterministic point id for a media item's image
// embedding. Same media id, same point, so re-runs overwrite.
func MediaPointID(mediaID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(mediaID))
	return h.Sum64()
}

// faceIDSpread keeps face points of one media item collision-free for up to
// 1000 faces per image; the inference engine caps reported faces below that.
const faceIDSpread = 1000

// FacePointID derives the point id for one face of a media item.
func FacePointID(mediaID string, faceIndex int) uint64 {
	return MediaPointID(mediaID)*faceIDSpread + uint64(faceIndex)
}

// ImagePoint builds the upsert row for an image embedding result.
func ImagePoint(j domain.Job, vector []float32) domain.VectorPoint {
	return domain.VectorPoint{
		ID:     MediaPointID(j.MediaID),
		Vector: vector,
		Payload: map[string]any{
			"job_id":    j.ID,
			"media_id":  j.MediaID,
			"task_type": string(j.TaskType),
		},
	}
}

// FacePoints builds the upsert rows for a face embedding result. Faces
// without a vector (plain detection) produce no points.
func FacePoints(j domain.Job, faces []domain.Face) []domain.VectorPoint {
	points := make([]domain.VectorPoint, 0, len(faces))
	for _, f := range faces {
		if len(f.Vector) == 0 {
			continue
		}
		points = append(points, domain.VectorPoint{
			ID:     FacePointID(j.MediaID, f.FaceIndex),
			Vector: f.Vector,
			Payload: map[string]any{
				"job_id":     j.ID,
				"media_id":   j.MediaID,
				"face_index": f.FaceIndex,
				"bbox":       f.BBox,
				"confidence": f.Confidence,
			},
		})
	}
	return points
}
