package dockerizer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

////////////////////////////////////////////////////////////////////////////////
// Build archive (disk): the Dockerfile and log of every build, by build key
////////////////////////////////////////////////////////////////////////////////

var errInvalidArtifactPath = errors.New("invalid artifact path")

var buildKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

type ArtifactStore interface {
	WriteFile(buildKey, relPath string, data []byte) (string, error) // returns key-relative path
	ReadFile(buildKey, relPath string) ([]byte, error)
	ListFiles(buildKey string) ([]string, error)
	Remove(buildKey string) error
}

type FSArtifacts struct {
	root string
}

func NewFSArtifacts(root string) *FSArtifacts {
	return &FSArtifacts{root: root}
}

// buildKey names the archive folder of one build target, e.g. submission-12.
func buildKey(kind string, id int64) string {
	return fmt.Sprintf("%s-%d", kind, id)
}

func (a *FSArtifacts) keyDir(key string) (string, error) {
	if !buildKeyPattern.MatchString(key) {
		return "", fmt.Errorf("%w: build key %q", errInvalidArtifactPath, key)
	}
	return filepath.Join(a.root, key), nil
}

func (a *FSArtifacts) resolve(key, relPath string) (string, string, error) {
	dir, err := a.keyDir(key)
	if err != nil {
		return "", "", err
	}
	relPath = filepath.Clean(filepath.FromSlash(relPath))
	if relPath == "." || strings.HasPrefix(relPath, "..") || filepath.IsAbs(relPath) {
		return "", "", fmt.Errorf("%w: %q", errInvalidArtifactPath, relPath)
	}
	full, err := securejoin.SecureJoin(dir, relPath)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", errInvalidArtifactPath, err)
	}
	return full, filepath.ToSlash(relPath), nil
}

func (a *FSArtifacts) WriteFile(key, relPath string, data []byte) (string, error) {
	full, rel, err := a.resolve(key, relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), dirModePrivateRead); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, fileModePrivate); err != nil {
		return "", err
	}
	return rel, nil
}

func (a *FSArtifacts) ReadFile(key, relPath string) ([]byte, error) {
	full, _, err := a.resolve(key, relPath)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- full is confined to the build key directory by securejoin.
	return os.ReadFile(full)
}

func (a *FSArtifacts) ListFiles(key string) ([]string, error) {
	root, err := a.keyDir(key)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(root); statErr != nil {
		if os.IsNotExist(statErr) {
			return []string{}, nil
		}
		return nil, statErr
	}
	var files []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (a *FSArtifacts) Remove(key string) error {
	dir, err := a.keyDir(key)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
