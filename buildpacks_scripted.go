package dockerizer

import "regexp"

var (
	pythonSourcePattern   = regexp.MustCompile(`\.py$`)
	notebookSourcePattern = regexp.MustCompile(`\.ipynb$`)
	rSourcePattern        = regexp.MustCompile(`\.[rR]$`)

	pythonMainMarker = regexp.MustCompile(`(?m)^if\s+__name__\s*==\s*["']__main__["']\s*:`)
)

func pythonEntryScan() *entryPointScan {
	return &entryPointScan{
		candidates: pythonSourcePattern,
		exclude:    nil,
		marker:     pythonMainMarker,
		policy:     PolicyRequireMarker,
	}
}

func pythonDependencySteps(tree *SourceTree) []AssembleStep {
	var commands []string
	if tree.HasFile("requirements.txt") {
		commands = append(commands, "pip install --no-cache-dir -r requirements.txt")
	}
	if tree.HasFile("setup.py") {
		commands = append(commands, "pip install --no-cache-dir .")
	}
	return stepsAs(userAdmin, commands...)
}

var pythonRunEnv = []EnvVar{{Key: "PYTHONUNBUFFERED", Value: "1"}}

func newPythonBuildpack() *languagePack {
	return &languagePack{
		name:        "python",
		configFiles: []string{"requirements.txt", "setup.py", "Pipfile", "runtime.txt"},
		patterns:    []*regexp.Regexp{pythonSourcePattern},
		baseImage:   "python:3.10-slim",
		entry:       pythonEntryScan(),
		plan: func(tree *SourceTree, entry string) (Recipe, error) {
			return Recipe{
				Steps:   pythonDependencySteps(tree),
				RunEnv:  pythonRunEnv,
				Command: []string{"python", entry},
			}, nil
		},
	}
}

func newCondaBuildpack() *languagePack {
	return &languagePack{
		name:        "conda",
		configFiles: []string{"environment.yml", "environment.yaml"},
		baseImage:   "continuumio/miniconda3:23.10.0-1",
		entry:       pythonEntryScan(),
		plan: func(tree *SourceTree, entry string) (Recipe, error) {
			envFile := "environment.yml"
			if !tree.HasFile(envFile) {
				envFile = "environment.yaml"
			}
			return Recipe{
				Steps: stepsAs(userAdmin,
					"conda env update -n base -f "+envFile,
					"conda clean -afy",
				),
				RunEnv:  pythonRunEnv,
				Command: []string{"python", entry},
			}, nil
		},
	}
}

func newNotebookBuildpack() *languagePack {
	return &languagePack{
		name:      "notebook",
		patterns:  []*regexp.Regexp{notebookSourcePattern},
		baseImage: "python:3.10-slim",
		entry: &entryPointScan{
			candidates: notebookSourcePattern,
			exclude:    regexp.MustCompile(`(^|/)\.ipynb_checkpoints/`),
			marker:     nil,
			policy:     PolicyFirstCandidate,
		},
		plan: func(tree *SourceTree, entry string) (Recipe, error) {
			steps := stepsAs(userAdmin, "pip install --no-cache-dir nbconvert nbclient ipykernel")
			steps = append(steps, pythonDependencySteps(tree)...)
			return Recipe{
				Steps:   steps,
				RunEnv:  pythonRunEnv,
				Command: []string{"jupyter", "nbconvert", "--to", "notebook", "--execute", "--stdout", entry},
			}, nil
		},
	}
}

// The R buildpack runs exactly one script; install.R only prepares packages.
func newRBuildpack() *languagePack {
	return &languagePack{
		name:        "r",
		configFiles: []string{"install.R", "DESCRIPTION"},
		patterns:    []*regexp.Regexp{rSourcePattern},
		baseImage:   "r-base:4.2.2",
		entry: &entryPointScan{
			candidates: rSourcePattern,
			exclude:    regexp.MustCompile(`^install\.[rR]$`),
			marker:     nil,
			policy:     PolicyAcceptSoleCandidate,
		},
		plan: func(tree *SourceTree, entry string) (Recipe, error) {
			var steps []AssembleStep
			if tree.HasFile("install.R") {
				steps = stepsAs(userAdmin, "Rscript install.R")
			}
			return Recipe{Steps: steps, Command: []string{"Rscript", entry}}, nil
		},
	}
}
