package app

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/medialens/inference/internal/config"
	"github.com/medialens/inference/internal/domain"
)

// collectionsManifest is the optional {DATA_DIR}/collections.yaml shape.
// It may add collections or override the dimension of the core two.
type collectionsManifest struct {
	Collections []manifestEntry `yaml:"collections"`
}

type manifestEntry struct {
	Name string `yaml:"name"`
	Dim  int    `yaml:"dim"`
}

// loadManifest reads the manifest when present; a missing file is not an
// error.
func loadManifest(path string) (collectionsManifest, error) {
	var m collectionsManifest
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return m, fmt.Errorf("op=collections.manifest: %w", err)
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("op=collections.manifest: parse %s: %w", path, err)
	}
	for _, e := range m.Collections {
		if e.Name == "" || e.Dim <= 0 {
			return m, fmt.Errorf("op=collections.manifest: entry needs name and positive dim")
		}
	}
	return m, nil
}

// EnsureCollections creates the two core embedding collections plus any
// manifest additions at startup. Manifest entries win on dimension so a
// deployment can pin a different model width without a rebuild.
func EnsureCollections(ctx context.Context, cfg config.Config, sink domain.VectorSink) error {
	dims := map[string]int{
		domain.CollectionImageEmbeddings: cfg.EmbeddingDim,
		domain.CollectionFaceEmbeddings:  cfg.EmbeddingDim,
	}
	manifest, err := loadManifest(cfg.CollectionsManifest())
	if err != nil {
		return err
	}
	for _, e := range manifest.Collections {
		dims[e.Name] = e.Dim
	}
	for name, dim := range dims {
		if err := sink.EnsureCollection(ctx, name, dim); err != nil {
			return fmt.Errorf("op=collections.ensure: %s: %w", name, err)
		}
	}
	return nil
}
