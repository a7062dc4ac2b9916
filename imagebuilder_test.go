//nolint:testpackage // The builder is exercised through its unexported fetcher and backend seams.
package dockerizer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeFetcher struct {
	files map[string]string
	err   error
}

func (f fakeFetcher) Fetch(ctx context.Context, _, _, dir string) error {
	if f.err != nil {
		return f.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for rel, content := range f.files {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

type builderHarness struct {
	builder   *ImageBuilder
	artifacts *FSArtifacts
	workDir   string
}

func newBuilderHarness(t *testing.T, fetcher sourceFetcher) builderHarness {
	t.Helper()
	cfg := defaultConfig()
	cfg.Builder.WorkDir = t.TempDir()
	artifacts := NewFSArtifacts(t.TempDir())
	registry, err := NewRegistry(RegistryOptions{CustomRunDefaultImage: "buildpack-deps:bookworm"})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	backend := artifactImageBuilderBackend{artifacts: artifacts}
	return builderHarness{
		builder:   NewImageBuilder(fetcher, registry, backend, artifacts, cfg, nopAppLogger()),
		artifacts: artifacts,
		workDir:   cfg.Builder.WorkDir,
	}
}

func (h builderHarness) assertWorkspaceRemoved(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.workDir)
	if err != nil {
		t.Fatalf("read work dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace left behind: %v", entries)
	}
}

func TestImageBuilderArchivesDryRun(t *testing.T) {
	t.Parallel()

	h := newBuilderHarness(t, fakeFetcher{files: map[string]string{
		"bot.py":           "if __name__ == \"__main__\":\n    pass\n",
		"requirements.txt": "numpy\n",
		".git/HEAD":        "ref: refs/heads/main\n",
	}})
	req := BuildRequest{
		RepoURL:    "https://git.example.com/tron/neo",
		Reference:  "main",
		Image:      "registry.example.com/tron/neo:8",
		ArchiveKey: buildKey("submission", 8),
	}
	res, err := h.builder.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if res.Buildpack != "python" {
		t.Fatalf("expected python buildpack, got %q", res.Buildpack)
	}

	dockerfile, err := h.artifacts.ReadFile(req.ArchiveKey, dockerfileName)
	if err != nil {
		t.Fatalf("read archived dockerfile: %v", err)
	}
	if string(dockerfile) != string(res.Dockerfile) {
		t.Fatal("archived dockerfile differs from the rendered one")
	}
	image, err := h.artifacts.ReadFile(req.ArchiveKey, "image.txt")
	if err != nil || string(image) != req.Image+"\n" {
		t.Fatalf("unexpected image.txt %q (%v)", image, err)
	}
	buildLog, err := h.artifacts.ReadFile(req.ArchiveKey, "build.log")
	if err != nil || !strings.Contains(string(buildLog), "dry run for "+req.Image) {
		t.Fatalf("unexpected build.log %q (%v)", buildLog, err)
	}
	listing, err := h.artifacts.ReadFile(req.ArchiveKey, "context.txt")
	if err != nil {
		t.Fatalf("read context listing: %v", err)
	}
	for _, want := range []string{dockerfileName + "\n", "src/bot.py\n", "src/requirements.txt\n"} {
		if !strings.Contains(string(listing), want) {
			t.Fatalf("context listing misses %q:\n%s", want, listing)
		}
	}
	if strings.Contains(string(listing), ".git/") {
		t.Fatalf("context listing includes git metadata:\n%s", listing)
	}
	h.assertWorkspaceRemoved(t)
}

func TestImageBuilderFailuresWrapErrBuildFailed(t *testing.T) {
	t.Parallel()

	cloneErr := errors.New("authentication required")
	cases := []struct {
		name    string
		fetcher fakeFetcher
		also    error
	}{
		{name: "fetch", fetcher: fakeFetcher{err: cloneErr}, also: cloneErr},
		{name: "no buildpack", fetcher: fakeFetcher{files: map[string]string{"README": "hello\n"}}, also: ErrDetectionFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newBuilderHarness(t, tc.fetcher)
			_, err := h.builder.Build(context.Background(), BuildRequest{
				RepoURL:    "https://git.example.com/tron/neo",
				Reference:  "main",
				Image:      "registry.example.com/tron/neo:8",
				ArchiveKey: buildKey("submission", 8),
			})
			if !errors.Is(err, ErrBuildFailed) || !errors.Is(err, tc.also) {
				t.Fatalf("expected ErrBuildFailed wrapping %v, got %v", tc.also, err)
			}
			h.assertWorkspaceRemoved(t)
		})
	}
}

func TestImageBuilderHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	h := newBuilderHarness(t, fakeFetcher{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.builder.Build(ctx, BuildRequest{Image: "x:1"}); !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("expected ErrBuildFailed, got %v", err)
	}
}

func TestImageBuilderZeroCloneTimeoutMeansNoDeadline(t *testing.T) {
	t.Parallel()

	h := newBuilderHarness(t, fakeFetcher{files: map[string]string{"bot.py": "if __name__ == \"__main__\":\n    pass\n"}})
	h.builder.cloneTimeout = 0
	res, err := h.builder.Build(context.Background(), BuildRequest{
		RepoURL:    "https://git.example.com/tron/neo",
		Reference:  "main",
		Image:      "registry.example.com/tron/neo:8",
		ArchiveKey: buildKey("submission", 8),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if res.Buildpack != "python" {
		t.Fatalf("expected python buildpack, got %q", res.Buildpack)
	}
}
