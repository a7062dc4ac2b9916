package dockerizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Image builder: fetch, select buildpack, render, hand off to a backend
////////////////////////////////////////////////////////////////////////////////

// BuildRequest names one image to build from one repository reference.
// Runtime forces a buildpack by name; empty means detection.
type BuildRequest struct {
	RepoURL    string
	Reference  string
	Image      string
	Runtime    string
	ArchiveKey string
}

type BuildResult struct {
	Buildpack  string
	Dockerfile []byte
	Log        string
}

type imageBuildRequest struct {
	Image      string
	ArchiveKey string
	ContextDir string
	Dockerfile []byte
}

type imageBuildResult struct {
	summary string
	logs    string
}

type imageBuilderBackend interface {
	name() string
	build(ctx context.Context, req imageBuildRequest) (imageBuildResult, error)
}

type ImageBuilder struct {
	fetcher      sourceFetcher
	buildpacks   *Registry
	backend      imageBuilderBackend
	artifacts    ArtifactStore
	workDir      string
	cloneTimeout time.Duration
	log          sourceLogger
}

func NewImageBuilder(
	fetcher sourceFetcher,
	buildpacks *Registry,
	backend imageBuilderBackend,
	artifacts ArtifactStore,
	cfg Config,
	logger *appLogger,
) *ImageBuilder {
	return &ImageBuilder{
		fetcher:      fetcher,
		buildpacks:   buildpacks,
		backend:      backend,
		artifacts:    artifacts,
		workDir:      cfg.Builder.WorkDir,
		cloneTimeout: cfg.Timeouts.Clone,
		log:          logger.Source("builder"),
	}
}

// Build produces req.Image in the backend. Every failure wraps ErrBuildFailed
// and the ephemeral workspace is always removed.
func (b *ImageBuilder) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	if err := ensureContextAlive(ctx); err != nil {
		return BuildResult{}, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	workspace, err := os.MkdirTemp(b.workDir, "dockerizer-build-")
	if err != nil {
		return BuildResult{}, fmt.Errorf("%w: create workspace: %w", ErrBuildFailed, err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workspace); rmErr != nil {
			b.log.Warnf("remove workspace %s: %v", workspace, rmErr)
		}
	}()

	srcDir := filepath.Join(workspace, contextSrc)
	fetchCtx, cancel := withTimeout(ctx, b.cloneTimeout)
	err = b.fetcher.Fetch(fetchCtx, req.RepoURL, req.Reference, srcDir)
	cancel()
	if err != nil {
		return BuildResult{}, fmt.Errorf("%w: fetch source: %w", ErrBuildFailed, err)
	}

	tree, err := LoadSourceTree(srcDir)
	if err != nil {
		return BuildResult{}, fmt.Errorf("%w: scan source: %w", ErrBuildFailed, err)
	}
	pack, err := b.buildpacks.Select(tree, req.Runtime)
	if err != nil {
		return BuildResult{}, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	recipe, err := pack.Recipe(tree)
	if err != nil {
		return BuildResult{}, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	dockerfileBody, err := renderDockerfile(recipe)
	if err != nil {
		return BuildResult{}, fmt.Errorf("%w: render dockerfile: %w", ErrBuildFailed, err)
	}
	if err := writeBuildContext(workspace, dockerfileBody, recipe.Files); err != nil {
		return BuildResult{}, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}

	b.log.Infof("building %s with buildpack %s via %s", req.Image, pack.Name(), b.backend.name())
	out, buildErr := b.backend.build(ctx, imageBuildRequest{
		Image:      req.Image,
		ArchiveKey: req.ArchiveKey,
		ContextDir: workspace,
		Dockerfile: dockerfileBody,
	})
	result := BuildResult{Buildpack: pack.Name(), Dockerfile: dockerfileBody, Log: out.logs}
	b.archive(req, result, buildErr)
	if buildErr != nil {
		return result, fmt.Errorf("%w: %w", ErrBuildFailed, buildErr)
	}
	b.log.Debugf("built %s: %s", req.Image, out.summary)
	return result, nil
}

// writeBuildContext lays the context out as Dockerfile, src/ and .dockerizer/.
func writeBuildContext(dir string, dockerfileBody []byte, files []ContextFile) error {
	if err := os.WriteFile(filepath.Join(dir, dockerfileName), dockerfileBody, fileModePrivate); err != nil {
		return fmt.Errorf("write dockerfile: %w", err)
	}
	ignore := []byte(contextSrc + "/.git\n")
	if err := os.WriteFile(filepath.Join(dir, ".dockerignore"), ignore, fileModePrivate); err != nil {
		return fmt.Errorf("write dockerignore: %w", err)
	}
	if len(files) == 0 {
		return nil
	}
	auxDir := filepath.Join(dir, contextAux)
	if err := os.MkdirAll(auxDir, dirModePrivateRead); err != nil {
		return fmt.Errorf("create %s: %w", contextAux, err)
	}
	for _, f := range files {
		mode := f.Mode
		if mode == 0 {
			mode = fileModePrivate
		}
		full := filepath.Join(auxDir, f.Name)
		if err := os.WriteFile(full, f.Data, mode); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
		// WriteFile honors umask; the image must see the exact mode.
		if err := os.Chmod(full, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", f.Name, err)
		}
	}
	return nil
}

func (b *ImageBuilder) archive(req BuildRequest, res BuildResult, buildErr error) {
	if b.artifacts == nil || req.ArchiveKey == "" {
		return
	}
	logBody := res.Log
	if buildErr != nil {
		logBody += "\nerror: " + buildErr.Error() + "\n"
	}
	files := map[string][]byte{
		dockerfileName: res.Dockerfile,
		"build.log":    []byte(logBody),
		"image.txt":    []byte(req.Image + "\n"),
	}
	for rel, data := range files {
		if _, err := b.artifacts.WriteFile(req.ArchiveKey, rel, data); err != nil {
			b.log.Warnf("archive %s for %s: %v", rel, req.ArchiveKey, err)
		}
	}
}

// newImageBuilderBackend picks the backend for mode. BuildKit needs a binary
// built with -tags buildkit.
func newImageBuilderBackend(cfg BuilderConfig, docker dockerAPI, artifacts ArtifactStore) (imageBuilderBackend, error) {
	switch cfg.Mode {
	case imageBuilderModeDocker, "":
		if docker == nil {
			return nil, fmt.Errorf("%s mode needs a docker client", imageBuilderModeDocker)
		}
		return dockerImageBuilderBackend{api: docker}, nil
	case imageBuilderModeBuildKit:
		if !buildkitCompiledIn() {
			return nil, fmt.Errorf(
				"explicit %s=buildkit requires a binary built with -tags buildkit",
				imageBuilderModeEnv,
			)
		}
		return buildKitImageBuilderBackend{address: cfg.BuildkitAddr}, nil
	case imageBuilderModeArtifact:
		return artifactImageBuilderBackend{artifacts: artifacts}, nil
	default:
		return nil, fmt.Errorf("unknown image builder mode %q", cfg.Mode)
	}
}
