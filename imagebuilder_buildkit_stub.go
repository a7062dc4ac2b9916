//go:build !buildkit

package dockerizer

import (
	"context"
	"fmt"
)

type buildKitImageBuilderBackend struct {
	address string
}

func buildkitCompiledIn() bool {
	return false
}

func (buildKitImageBuilderBackend) name() string {
	return string(imageBuilderModeBuildKit)
}

func (b buildKitImageBuilderBackend) build(ctx context.Context, _ imageBuildRequest) (imageBuildResult, error) {
	if err := ensureContextAlive(ctx); err != nil {
		return imageBuildResult{}, err
	}
	return imageBuildResult{
		summary: "buildkit image build unavailable",
		logs:    "BuildKit backend is disabled in this binary",
	}, fmt.Errorf(
		"buildkit mode unavailable at %s: binary was built without BuildKit support (set %s=docker or rebuild with -tags buildkit)",
		b.address, imageBuilderModeEnv,
	)
}
