package dockerizer

import (
	"embed"
	"regexp"
)

// Tester scripts wrap a solution that reads from stdin; they are only
// reachable through an explicit runtime, never through detection.
//
//go:embed testers/*.sh
var testerScripts embed.FS

var (
	erlangSourcePattern = regexp.MustCompile(`\.erl$`)
	nodeSourcePattern   = regexp.MustCompile(`\.js$`)
	phpSourcePattern    = regexp.MustCompile(`\.php$`)
)

const installTimeStep = "apt-get update -q && apt-get install -qqy bc time && rm -rf /var/lib/apt/lists/*"

func testerFile(lang string) (ContextFile, error) {
	name := lang + "-tester.sh"
	data, err := testerScripts.ReadFile("testers/" + name)
	if err != nil {
		return ContextFile{}, err
	}
	return ContextFile{Name: name, Data: data, Mode: fileModeExecutable}, nil
}

func stdinRecipe(lang, entry string, steps []AssembleStep, extraEnv ...EnvVar) (Recipe, error) {
	tester, err := testerFile(lang)
	if err != nil {
		return Recipe{}, err
	}
	env := append([]EnvVar{{Key: "ENTRY_FILE", Value: entry}}, extraEnv...)
	return Recipe{
		Steps:   append(stepsAs(userAdmin, installTimeStep), steps...),
		RunEnv:  env,
		Command: []string{"./" + tester.Name},
		Files:   []ContextFile{tester},
	}, nil
}

func newPythonSTDINBuildpack() *languagePack {
	return &languagePack{
		name:      "python-stdin",
		baseImage: "python:3.10-slim",
		entry:     pythonEntryScan(),
		plan: func(_ *SourceTree, entry string) (Recipe, error) {
			return stdinRecipe("python", entry, nil, pythonRunEnv...)
		},
	}
}

func newCPPSTDINBuildpack() *languagePack {
	return &languagePack{
		name:      "cpp-stdin",
		baseImage: "gcc:12",
		plan: func(_ *SourceTree, _ string) (Recipe, error) {
			return stdinRecipe("cpp", "./bin/out", cppCompileSteps())
		},
	}
}

func newErlangSTDINBuildpack() *languagePack {
	return &languagePack{
		name:      "erlang-stdin",
		baseImage: "erlang:25",
		entry: &entryPointScan{
			candidates: erlangSourcePattern,
			exclude:    nil,
			marker:     nil,
			policy:     PolicyFirstCandidate,
		},
		plan: func(_ *SourceTree, entry string) (Recipe, error) {
			return stdinRecipe("erlang", entry, nil)
		},
	}
}

func newNodeJSSTDINBuildpack() *languagePack {
	return &languagePack{
		name:      "nodejs-stdin",
		baseImage: "node:16-bullseye-slim",
		entry: &entryPointScan{
			candidates: nodeSourcePattern,
			exclude:    regexp.MustCompile(`(^|/)node_modules/`),
			marker:     nil,
			policy:     PolicyFirstCandidate,
		},
		plan: func(tree *SourceTree, entry string) (Recipe, error) {
			var steps []AssembleStep
			if tree.HasFile("package.json") {
				steps = stepsAs(userRunner, "npm install --omit=dev")
			}
			return stdinRecipe("nodejs", entry, steps)
		},
	}
}

func newPHPSTDINBuildpack() *languagePack {
	return &languagePack{
		name:      "php-stdin",
		baseImage: "php:8-cli",
		entry: &entryPointScan{
			candidates: phpSourcePattern,
			exclude:    nil,
			marker:     nil,
			policy:     PolicyFirstCandidate,
		},
		plan: func(_ *SourceTree, entry string) (Recipe, error) {
			return stdinRecipe("php", entry, nil)
		},
	}
}
