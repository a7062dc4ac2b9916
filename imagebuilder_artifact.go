package dockerizer

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// artifactImageBuilderBackend is a dry run: it records what would have been
// sent to a builder and produces no image.
type artifactImageBuilderBackend struct {
	artifacts ArtifactStore
}

func (artifactImageBuilderBackend) name() string {
	return string(imageBuilderModeArtifact)
}

func (a artifactImageBuilderBackend) build(ctx context.Context, req imageBuildRequest) (imageBuildResult, error) {
	if err := ensureContextAlive(ctx); err != nil {
		return imageBuildResult{}, err
	}
	var listing strings.Builder
	err := filepath.WalkDir(req.ContextDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, relErr := filepath.Rel(req.ContextDir, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == contextSrc+"/.git" {
				return filepath.SkipDir
			}
			return nil
		}
		listing.WriteString(rel)
		listing.WriteByte('\n')
		return nil
	})
	if err != nil {
		return imageBuildResult{}, fmt.Errorf("list build context: %w", err)
	}
	if a.artifacts != nil && req.ArchiveKey != "" {
		if _, err := a.artifacts.WriteFile(req.ArchiveKey, "context.txt", []byte(listing.String())); err != nil {
			return imageBuildResult{}, fmt.Errorf("archive build context listing: %w", err)
		}
	}
	return imageBuildResult{
		summary: "build context rendered without building",
		logs:    fmt.Sprintf("dry run for %s\n%s", req.Image, listing.String()),
	}, nil
}
