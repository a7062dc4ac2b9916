package dockerizer

import (
	"fmt"

	"github.com/google/shlex"
	"sigs.k8s.io/kustomize/kyaml/yaml"
)

var customRunConfigFiles = []string{"custom-run.yaml", "custom-run.yml"}

// customRunConfig is the decoded custom-run file. Every key is optional.
type customRunConfig struct {
	Language string
	BuildEnv []EnvVar
	Build    []string
	RunEnv   []EnvVar
	Run      []string
}

type customRunBuildpack struct {
	defaultImage string
}

func newCustomRunBuildpack(defaultImage string) *customRunBuildpack {
	return &customRunBuildpack{defaultImage: defaultImage}
}

func (b *customRunBuildpack) Name() string {
	return "custom-run"
}

func (b *customRunBuildpack) Detect(tree *SourceTree) bool {
	return b.configFile(tree) != ""
}

func (b *customRunBuildpack) configFile(tree *SourceTree) string {
	for _, name := range customRunConfigFiles {
		if tree.HasFile(name) {
			return name
		}
	}
	return ""
}

func (b *customRunBuildpack) Recipe(tree *SourceTree) (Recipe, error) {
	cfg := customRunConfig{}
	if name := b.configFile(tree); name != "" {
		data, err := tree.ReadFile(name)
		if err != nil {
			return Recipe{}, fmt.Errorf("custom-run: read %s: %w", name, err)
		}
		cfg, err = parseCustomRunConfig(data)
		if err != nil {
			return Recipe{}, fmt.Errorf("custom-run: %s: %w", name, err)
		}
	}
	base := cfg.Language
	if base == "" {
		base = b.defaultImage
	}
	return Recipe{
		Buildpack: b.Name(),
		BaseImage: base,
		BuildEnv:  cfg.BuildEnv,
		Steps:     stepsAs(userAdmin, cfg.Build...),
		RunEnv:    cfg.RunEnv,
		Command:   cfg.Run,
		Files:     nil,
	}, nil
}

func parseCustomRunConfig(data []byte) (customRunConfig, error) {
	var cfg customRunConfig
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrMalformedConfig, err)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return cfg, nil
		}
		root = root.Content[0]
	}
	if root.Kind == 0 || isNullNode(root) {
		return cfg, nil
	}
	if root.Kind != yaml.MappingNode {
		return cfg, fmt.Errorf("%w: top level must be a mapping, got %s", ErrMalformedConfig, kindName(root))
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i].Value, root.Content[i+1]
		var err error
		switch key {
		case "language":
			cfg.Language, err = scalarValue(key, value)
		case "build":
			cfg.BuildEnv, cfg.Build, err = parseCustomRunBuild(value)
		case "run":
			cfg.RunEnv, cfg.Run, err = parseCustomRunRun(value)
		}
		if err != nil {
			return customRunConfig{}, err
		}
	}
	return cfg, nil
}

// build is either a list of commands or {env, commands}.
func parseCustomRunBuild(node *yaml.Node) ([]EnvVar, []string, error) {
	switch node.Kind {
	case yaml.SequenceNode:
		cmds, err := stringList("build", node)
		return nil, cmds, err
	case yaml.MappingNode:
		var env []EnvVar
		var cmds []string
		for i := 0; i+1 < len(node.Content); i += 2 {
			var err error
			switch key, value := node.Content[i].Value, node.Content[i+1]; key {
			case "env":
				env, err = envMapping("build.env", value)
			case "commands":
				cmds, err = stringList("build.commands", value)
			}
			if err != nil {
				return nil, nil, err
			}
		}
		return env, cmds, nil
	default:
		if isNullNode(node) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("%w: build must be a list or a mapping, got %s", ErrMalformedConfig, kindName(node))
	}
}

// run is a shell string, an argv list, or {env, command|commands}.
func parseCustomRunRun(node *yaml.Node) ([]EnvVar, []string, error) {
	if node.Kind == yaml.MappingNode {
		var env []EnvVar
		var argv []string
		for i := 0; i+1 < len(node.Content); i += 2 {
			var err error
			switch key, value := node.Content[i].Value, node.Content[i+1]; key {
			case "env":
				env, err = envMapping("run.env", value)
			case "command", "commands":
				argv, err = commandLine("run."+key, value)
			}
			if err != nil {
				return nil, nil, err
			}
		}
		return env, argv, nil
	}
	argv, err := commandLine("run", node)
	return nil, argv, err
}

func commandLine(field string, node *yaml.Node) ([]string, error) {
	switch {
	case isNullNode(node):
		return nil, nil
	case node.Kind == yaml.ScalarNode:
		argv, err := shlex.Split(node.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedConfig, field, err)
		}
		return argv, nil
	case node.Kind == yaml.SequenceNode:
		return stringList(field, node)
	default:
		return nil, fmt.Errorf("%w: %s must be a string or a list, got %s", ErrMalformedConfig, field, kindName(node))
	}
}

func stringList(field string, node *yaml.Node) ([]string, error) {
	if isNullNode(node) {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%w: %s must be a list, got %s", ErrMalformedConfig, field, kindName(node))
	}
	out := make([]string, 0, len(node.Content))
	for idx, item := range node.Content {
		value, err := scalarValue(fmt.Sprintf("%s[%d]", field, idx), item)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, nil
}

// envMapping keeps document order so the rendered Dockerfile is stable.
func envMapping(field string, node *yaml.Node) ([]EnvVar, error) {
	if isNullNode(node) {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: %s must be a mapping, got %s", ErrMalformedConfig, field, kindName(node))
	}
	env := make([]EnvVar, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value, err := scalarValue(field+"."+key, node.Content[i+1])
		if err != nil {
			return nil, err
		}
		env = append(env, EnvVar{Key: key, Value: value})
	}
	return env, nil
}

func scalarValue(field string, node *yaml.Node) (string, error) {
	if isNullNode(node) {
		return "", nil
	}
	if node.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("%w: %s must be a scalar, got %s", ErrMalformedConfig, field, kindName(node))
	}
	return node.Value, nil
}

func isNullNode(node *yaml.Node) bool {
	return node == nil || (node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null")
}

func kindName(node *yaml.Node) string {
	switch node.Kind {
	case yaml.SequenceNode:
		return "list"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}
