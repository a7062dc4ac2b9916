//go:build buildkit

package dockerizer

import (
	"context"
	"fmt"
	"time"

	"github.com/moby/buildkit/client"
)

type buildKitImageBuilderBackend struct {
	address string
}

func buildkitCompiledIn() bool {
	return true
}

func (buildKitImageBuilderBackend) name() string {
	return string(imageBuilderModeBuildKit)
}

func (b buildKitImageBuilderBackend) build(ctx context.Context, req imageBuildRequest) (imageBuildResult, error) {
	if err := ensureContextAlive(ctx); err != nil {
		return imageBuildResult{}, err
	}
	buildkitClient, err := client.New(ctx, b.address)
	if err != nil {
		return imageBuildResult{
			summary: fmt.Sprintf("buildkit unavailable at %s: %v", b.address, err),
			logs:    "failed to connect to BuildKit API endpoint",
		}, fmt.Errorf("connect buildkit client at %s: %w", b.address, err)
	}
	defer func() {
		_ = buildkitClient.Close()
	}()

	// The image exporter loads the result into the worker's image store,
	// from where the publisher pushes it.
	solveOpt := client.SolveOpt{
		Frontend: "dockerfile.v0",
		FrontendAttrs: map[string]string{
			"filename": dockerfileName,
		},
		LocalDirs: map[string]string{
			"context":    req.ContextDir,
			"dockerfile": req.ContextDir,
		},
		Exports: []client.ExportEntry{
			{
				Type: client.ExporterImage,
				Attrs: map[string]string{
					"name": req.Image,
					"push": "false",
				},
			},
		},
	}
	started := time.Now().UTC()
	solveResp, err := buildkitClient.Solve(ctx, nil, solveOpt, nil)
	if err != nil {
		return imageBuildResult{
			summary: fmt.Sprintf("buildkit solve failed for %s: %v", req.Image, err),
			logs:    "buildkit solve returned an error",
		}, fmt.Errorf("solve image %s via buildkit: %w", req.Image, err)
	}
	return imageBuildResult{
		summary: fmt.Sprintf("buildkit solve completed in %s", time.Since(started).Round(time.Millisecond)),
		logs:    fmt.Sprintf("frontend=dockerfile.v0 exporter=image response=%v\n", solveResp.ExporterResponse),
	}, nil
}
