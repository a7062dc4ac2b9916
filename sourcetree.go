package dockerizer

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// SourceTree is a fetched repository. Files are kept in walk order
// (lexical, depth first), which makes every scan over them deterministic.
type SourceTree struct {
	root  string
	files []string
}

func LoadSourceTree(root string) (*SourceTree, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
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
	return &SourceTree{root: root, files: files}, nil
}

func (t *SourceTree) Root() string {
	return t.root
}

func (t *SourceTree) Files() []string {
	return append([]string(nil), t.files...)
}

// HasFile reports whether a file with the exact relative path exists.
func (t *SourceTree) HasFile(rel string) bool {
	for _, f := range t.files {
		if f == rel {
			return true
		}
	}
	return false
}

// Match returns files whose base name matches pattern, in walk order.
func (t *SourceTree) Match(pattern *regexp.Regexp) []string {
	var out []string
	for _, f := range t.files {
		if pattern.MatchString(path.Base(f)) {
			out = append(out, f)
		}
	}
	return out
}

func (t *SourceTree) ReadFile(rel string) ([]byte, error) {
	full, err := securejoin.SecureJoin(t.root, filepath.FromSlash(rel))
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- full is confined to the tree root by securejoin.
	return os.ReadFile(full)
}
