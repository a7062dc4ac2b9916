package dockerizer

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
)

// Publisher pushes locally built images to the image registry.
type Publisher struct {
	api          dockerAPI
	host         string
	username     string
	passwordFile string
	log          sourceLogger
}

func NewPublisher(api dockerAPI, cfg RegistryConfig, logger *appLogger) *Publisher {
	return &Publisher{
		api:          api,
		host:         cfg.Host,
		username:     cfg.Username,
		passwordFile: cfg.PasswordFile,
		log:          logger.Source("publisher"),
	}
}

// Push logs in with the file-held password and pushes image. The password is
// read on every push so rotated credentials apply without a restart.
func (p *Publisher) Push(ctx context.Context, imageRef string) error {
	password, err := p.password()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPushFailed, err)
	}
	auth := registry.AuthConfig{
		Username:      p.username,
		Password:      password,
		ServerAddress: p.host,
	}
	if _, err := p.api.RegistryLogin(ctx, auth); err != nil {
		return fmt.Errorf("%w: login to %s: %w", ErrPushFailed, p.host, err)
	}
	encoded, err := registry.EncodeAuthConfig(auth)
	if err != nil {
		return fmt.Errorf("%w: encode registry auth: %w", ErrPushFailed, err)
	}

	p.log.Infof("pushing %s", imageRef)
	stream, err := p.api.ImagePush(ctx, imageRef, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return fmt.Errorf("%w: push %s: %w", ErrPushFailed, imageRef, err)
	}
	defer func() {
		_ = stream.Close()
	}()
	if _, err := drainJSONMessages(stream); err != nil {
		return fmt.Errorf("%w: push %s: %w", ErrPushFailed, imageRef, err)
	}
	return nil
}

func (p *Publisher) password() (string, error) {
	if strings.TrimSpace(p.passwordFile) == "" {
		return "", nil
	}
	raw, err := os.ReadFile(p.passwordFile)
	if err != nil {
		return "", fmt.Errorf("read registry password file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// dryRunPublisher pairs with the artifact backend, where no image exists to push.
type dryRunPublisher struct {
	log sourceLogger
}

func (p dryRunPublisher) Push(ctx context.Context, imageRef string) error {
	if err := ensureContextAlive(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrPushFailed, err)
	}
	p.log.Infof("dry run: skipping push of %s", imageRef)
	return nil
}
