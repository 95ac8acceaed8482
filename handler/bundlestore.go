package handler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/glitchtip/ingest/symbolicate"
)

// LocalBundleStore resolves a DebugSymbolBundle id to the pair of
// files a deployment would otherwise fetch from object storage: a
// "<id>.min.js" minified source and an "<id>.map" source map, both
// under BaseDir. Real release/file-upload CRUD (the actual storage
// backend) is explicitly out of this backend's scope per spec.md §1;
// this is the local-disk seam a single-node deployment can wire
// directly, and the interface it satisfies is what a production
// deployment would instead back with S3/GCS.
type LocalBundleStore struct {
	BaseDir string
}

func NewLocalBundleStore(baseDir string) *LocalBundleStore {
	return &LocalBundleStore{BaseDir: baseDir}
}

func (s *LocalBundleStore) Fetch(ctx context.Context, bundleID int64) (symbolicate.BundleFiles, error) {
	id := strconv.FormatInt(bundleID, 10)
	minified, err := os.ReadFile(filepath.Join(s.BaseDir, id+".min.js"))
	if err != nil {
		return symbolicate.BundleFiles{}, fmt.Errorf("handler: read bundle %s minified source: %w", id, err)
	}
	sourceMap, err := os.ReadFile(filepath.Join(s.BaseDir, id+".map"))
	if err != nil {
		return symbolicate.BundleFiles{}, fmt.Errorf("handler: read bundle %s source map: %w", id, err)
	}
	return symbolicate.BundleFiles{Minified: minified, SourceMap: sourceMap}, nil
}
