package dockerizer

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
// Buildpacks: capability set + priority-ordered registry
////////////////////////////////////////////////////////////////////////////////

// AssembleStep is one shell command run while the image is assembled,
// tagged with the user it runs as.
type AssembleStep struct {
	User    string
	Command string
}

type EnvVar struct {
	Key   string
	Value string
}

// ContextFile is an auxiliary file shipped into the image next to the source.
type ContextFile struct {
	Name string
	Data []byte
	Mode os.FileMode
}

// Recipe is everything a Dockerfile needs from a buildpack.
type Recipe struct {
	Buildpack string
	BaseImage string
	BuildEnv  []EnvVar
	Steps     []AssembleStep
	RunEnv    []EnvVar
	Command   []string
	Files     []ContextFile
}

// Buildpack detects whether it owns a source tree and, if so, how to build it.
// Detect never fails; problems with the tree surface from Recipe.
type Buildpack interface {
	Name() string
	Detect(tree *SourceTree) bool
	Recipe(tree *SourceTree) (Recipe, error)
}

type EntryPointPolicy string

const (
	// PolicyRequireMarker only accepts a file carrying the main marker.
	PolicyRequireMarker EntryPointPolicy = "require-marker"
	// PolicyAcceptSoleCandidate also accepts a single candidate without a marker.
	PolicyAcceptSoleCandidate EntryPointPolicy = "accept-sole-candidate"
	// PolicyFirstCandidate takes the first candidate in walk order.
	PolicyFirstCandidate EntryPointPolicy = "first-candidate"
)

func parseEntryPointPolicy(raw string) (EntryPointPolicy, error) {
	switch policy := EntryPointPolicy(strings.ToLower(strings.TrimSpace(raw))); policy {
	case PolicyRequireMarker, PolicyAcceptSoleCandidate, PolicyFirstCandidate:
		return policy, nil
	default:
		return "", fmt.Errorf("unknown entry point policy %q", raw)
	}
}

type entryPointScan struct {
	candidates *regexp.Regexp
	exclude    *regexp.Regexp
	marker     *regexp.Regexp
	policy     EntryPointPolicy
}

func (s entryPointScan) find(tree *SourceTree) (string, error) {
	var candidates []string
	for _, f := range tree.Match(s.candidates) {
		if s.exclude != nil && s.exclude.MatchString(f) {
			continue
		}
		candidates = append(candidates, f)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: no files match %s", ErrNoEntryPointFound, s.candidates)
	}
	if s.policy == PolicyFirstCandidate {
		return candidates[0], nil
	}
	if s.marker != nil {
		for _, f := range candidates {
			content, err := tree.ReadFile(f)
			if err != nil {
				return "", fmt.Errorf("read %s: %w", f, err)
			}
			if s.marker.Match(content) {
				return f, nil
			}
		}
	}
	if s.policy == PolicyAcceptSoleCandidate && len(candidates) == 1 {
		return candidates[0], nil
	}
	return "", fmt.Errorf("%w: %d candidate files and none is marked as main", ErrNoEntryPointFound, len(candidates))
}

// languagePack is the table-driven variant most buildpacks are built from.
type languagePack struct {
	name        string
	configFiles []string
	patterns    []*regexp.Regexp
	baseImage   string
	entry       *entryPointScan
	plan        func(tree *SourceTree, entry string) (Recipe, error)
}

func (p *languagePack) Name() string {
	return p.name
}

func (p *languagePack) Detect(tree *SourceTree) bool {
	for _, name := range p.configFiles {
		if tree.HasFile(name) {
			return true
		}
	}
	for _, pattern := range p.patterns {
		if len(tree.Match(pattern)) > 0 {
			return true
		}
	}
	return false
}

func (p *languagePack) Recipe(tree *SourceTree) (Recipe, error) {
	entry := ""
	if p.entry != nil {
		found, err := p.entry.find(tree)
		if err != nil {
			return Recipe{}, fmt.Errorf("%s: %w", p.name, err)
		}
		entry = found
	}
	recipe, err := p.plan(tree, entry)
	if err != nil {
		return Recipe{}, fmt.Errorf("%s: %w", p.name, err)
	}
	recipe.Buildpack = p.name
	if recipe.BaseImage == "" {
		recipe.BaseImage = p.baseImage
	}
	return recipe, nil
}

func (p *languagePack) withPolicy(policy EntryPointPolicy) {
	if p.entry != nil && policy != "" {
		p.entry.policy = policy
	}
}

type RegistryOptions struct {
	DefaultBuildpack      string
	CustomRunDefaultImage string
	EntryPointPolicies    map[string]EntryPointPolicy
}

// Registry holds buildpacks in detection priority order. Forced-only
// variants are reachable by name but never auto-detected.
type Registry struct {
	ordered  []Buildpack
	byName   map[string]Buildpack
	fallback Buildpack
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	detected := []Buildpack{
		newCustomRunBuildpack(opts.CustomRunDefaultImage),
		newCMakeBuildpack(),
		newMakeBuildpack(),
		newNotebookBuildpack(),
		newCondaBuildpack(),
		newPythonBuildpack(),
		newJavaBuildpack(),
		newGoBuildpack(),
		newCPPBuildpack(),
		newRBuildpack(),
	}
	forcedOnly := []Buildpack{
		newPythonSTDINBuildpack(),
		newCPPSTDINBuildpack(),
		newErlangSTDINBuildpack(),
		newNodeJSSTDINBuildpack(),
		newPHPSTDINBuildpack(),
	}

	r := &Registry{
		ordered:  detected,
		byName:   make(map[string]Buildpack, len(detected)+len(forcedOnly)),
		fallback: nil,
	}
	for _, bp := range append(append([]Buildpack{}, detected...), forcedOnly...) {
		if lp, ok := bp.(*languagePack); ok {
			lp.withPolicy(opts.EntryPointPolicies[lp.name])
		}
		r.byName[bp.Name()] = bp
	}
	for name := range opts.EntryPointPolicies {
		if _, ok := r.byName[name]; !ok {
			return nil, fmt.Errorf("entry point policy for unknown buildpack %q", name)
		}
	}
	if name := strings.TrimSpace(opts.DefaultBuildpack); name != "" {
		fallback, ok := r.byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown default buildpack %q", name)
		}
		r.fallback = fallback
	}
	return r, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Detect returns the first buildpack in priority order that claims the tree,
// then the designated default, then ErrDetectionFailure.
func (r *Registry) Detect(tree *SourceTree) (Buildpack, error) {
	for _, bp := range r.ordered {
		if bp.Detect(tree) {
			return bp, nil
		}
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, ErrDetectionFailure
}

func (r *Registry) Lookup(name string) (Buildpack, error) {
	bp, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: unknown runtime %q", ErrDetectionFailure, name)
	}
	return bp, nil
}

// Select honors a forced runtime and skips detection entirely when one is set.
func (r *Registry) Select(tree *SourceTree, forced string) (Buildpack, error) {
	if strings.TrimSpace(forced) != "" {
		return r.Lookup(forced)
	}
	return r.Detect(tree)
}

func stepsAs(user string, commands ...string) []AssembleStep {
	steps := make([]AssembleStep, 0, len(commands))
	for _, c := range commands {
		steps = append(steps, AssembleStep{User: user, Command: c})
	}
	return steps
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
