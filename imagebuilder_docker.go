package dockerizer

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
)

// dockerAPI is the slice of the Engine API the builder and publisher use.
type dockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	RegistryLogin(ctx context.Context, auth registry.AuthConfig) (registry.AuthenticateOKBody, error)
}

func newDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return cli, nil
}

type dockerImageBuilderBackend struct {
	api dockerAPI
}

func (dockerImageBuilderBackend) name() string {
	return string(imageBuilderModeDocker)
}

func (d dockerImageBuilderBackend) build(ctx context.Context, req imageBuildRequest) (imageBuildResult, error) {
	if err := ensureContextAlive(ctx); err != nil {
		return imageBuildResult{}, err
	}
	buildContext, err := archive.TarWithOptions(req.ContextDir, &archive.TarOptions{
		ExcludePatterns: []string{contextSrc + "/.git"},
	})
	if err != nil {
		return imageBuildResult{}, fmt.Errorf("archive build context: %w", err)
	}
	defer func() {
		_ = buildContext.Close()
	}()

	resp, err := d.api.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        []string{req.Image},
		Dockerfile:  dockerfileName,
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
	})
	if err != nil {
		return imageBuildResult{logs: ""}, fmt.Errorf("start image build %s: %w", req.Image, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	logs, err := drainJSONMessages(resp.Body)
	if err != nil {
		return imageBuildResult{logs: logs}, fmt.Errorf("image build %s: %w", req.Image, err)
	}
	return imageBuildResult{
		summary: "docker engine build completed",
		logs:    logs,
	}, nil
}

// drainJSONMessages reads a daemon progress stream to the end. The daemon
// reports build and push failures inside the stream, not as an HTTP error.
func drainJSONMessages(stream io.Reader) (string, error) {
	var out bytes.Buffer
	err := jsonmessage.DisplayJSONMessagesStream(stream, &out, 0, false, nil)
	return out.String(), err
}
