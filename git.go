package dockerizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

func ensureContextAlive(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// sourceFetcher checks out one reference of a repository into dir.
type sourceFetcher interface {
	Fetch(ctx context.Context, repoURL, reference, dir string) error
}

type gitCloner struct {
	username  string
	tokenFile string
}

func newGitCloner(cfg GitConfig) *gitCloner {
	return &gitCloner{username: cfg.Username, tokenFile: cfg.TokenFile}
}

func (c *gitCloner) auth() (transport.AuthMethod, error) {
	if strings.TrimSpace(c.tokenFile) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(c.tokenFile)
	if err != nil {
		return nil, fmt.Errorf("read git token file: %w", err)
	}
	return &http.BasicAuth{Username: c.username, Password: strings.TrimSpace(string(raw))}, nil
}

// Fetch clones repoURL into dir and checks out reference, which may be a
// commit hash, a tag or a branch of the remote.
func (c *gitCloner) Fetch(ctx context.Context, repoURL, reference, dir string) error {
	if err := ensureContextAlive(ctx); err != nil {
		return err
	}
	auth, err := c.auth()
	if err != nil {
		return err
	}
	repo, err := gogit.PlainCloneContext(ctx, dir, false, &gogit.CloneOptions{
		URL:        repoURL,
		Auth:       auth,
		NoCheckout: true,
		Tags:       gogit.AllTags,
	})
	if err != nil {
		return fmt.Errorf("clone %s: %w", repoURL, err)
	}
	hash, err := resolveReference(repo, reference)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	checkoutErr := wt.Checkout(&gogit.CheckoutOptions{
		Hash:                      hash,
		Branch:                    "",
		Create:                    false,
		Force:                     true,
		Keep:                      false,
		SparseCheckoutDirectories: nil,
	})
	if checkoutErr != nil {
		return fmt.Errorf("checkout %s: %w", reference, checkoutErr)
	}
	return ensureContextAlive(ctx)
}

func resolveReference(repo *gogit.Repository, reference string) (plumbing.Hash, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		reference = "HEAD"
	}
	var firstErr error
	for _, candidate := range []string{reference, "origin/" + reference} {
		hash, err := repo.ResolveRevision(plumbing.Revision(candidate))
		if err == nil && hash != nil {
			return *hash, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = errors.New("empty hash")
	}
	return plumbing.ZeroHash, fmt.Errorf("resolve revision %s: %w", reference, firstErr)
}
