package dockerizer

import (
	"path"
	"regexp"
	"strings"
)

var (
	cppSourcePattern  = regexp.MustCompile(`\.cpp$`)
	goSourcePattern   = regexp.MustCompile(`\.go$`)
	javaSourcePattern = regexp.MustCompile(`\.java$`)

	goMainMarker      = regexp.MustCompile(`(?m)^\s*package\s+main\b[\s\S]*\bfunc\s+main\s*\(\s*\)`)
	javaMainMarker    = regexp.MustCompile(`public\s+static\s+void\s+main\s*\(\s*String\s*\[\s*\]\s+\w+\s*\)`)
	javaPackageMarker = regexp.MustCompile(`(?m)^\s*package\s+([\w.]+)\s*;`)
)

var compiledCommand = []string{"./bin/out"}

func cppCompileSteps() []AssembleStep {
	return stepsAs(userRunner,
		"mkdir -p bin",
		`find . -name "*.cpp" | tr "\n" " " | xargs g++ -o bin/out`,
		"chmod +x bin/out",
	)
}

func newCPPBuildpack() *languagePack {
	return &languagePack{
		name:      "cpp",
		patterns:  []*regexp.Regexp{cppSourcePattern},
		baseImage: "gcc:12",
		plan: func(_ *SourceTree, _ string) (Recipe, error) {
			return Recipe{Steps: cppCompileSteps(), Command: compiledCommand}, nil
		},
	}
}

func newMakeBuildpack() *languagePack {
	return &languagePack{
		name:        "make",
		configFiles: []string{"Makefile"},
		baseImage:   "gcc:10",
		plan: func(_ *SourceTree, _ string) (Recipe, error) {
			return Recipe{Steps: stepsAs(userRunner, "make"), Command: compiledCommand}, nil
		},
	}
}

// CMake runs before make, so it must be tried first in the registry.
func newCMakeBuildpack() *languagePack {
	return &languagePack{
		name:        "cmake",
		configFiles: []string{"CMakeLists.txt"},
		baseImage:   "celiangarcia/gcc8-cmake:3.15.7",
		plan: func(_ *SourceTree, _ string) (Recipe, error) {
			return Recipe{Steps: stepsAs(userRunner, "cmake .", "make"), Command: compiledCommand}, nil
		},
	}
}

func newGoBuildpack() *languagePack {
	return &languagePack{
		name:      "go",
		patterns:  []*regexp.Regexp{goSourcePattern},
		baseImage: "golang:buster",
		entry: &entryPointScan{
			candidates: goSourcePattern,
			exclude:    regexp.MustCompile(`_test\.go$`),
			marker:     goMainMarker,
			policy:     PolicyAcceptSoleCandidate,
		},
		plan: func(_ *SourceTree, entry string) (Recipe, error) {
			return Recipe{
				Steps: stepsAs(userRunner,
					"go get ./...",
					"go build -o bin/out "+shellQuote("./"+entry),
				),
				Command: compiledCommand,
			}, nil
		},
	}
}

func newJavaBuildpack() *languagePack {
	return &languagePack{
		name:      "java",
		patterns:  []*regexp.Regexp{javaSourcePattern},
		baseImage: "openjdk:14-buster",
		entry: &entryPointScan{
			candidates: javaSourcePattern,
			exclude:    nil,
			marker:     javaMainMarker,
			policy:     PolicyRequireMarker,
		},
		plan: func(tree *SourceTree, entry string) (Recipe, error) {
			mainClass, err := javaMainClass(tree, entry)
			if err != nil {
				return Recipe{}, err
			}
			return Recipe{
				Steps: stepsAs(userRunner,
					`find . -name "*.java" > sources.txt`,
					"javac @sources.txt -d out",
					"rm -f sources.txt",
				),
				Command: []string{"java", "-cp", "out", mainClass},
			}, nil
		},
	}
}

// javaMainClass prefixes the class name with the file's package declaration.
func javaMainClass(tree *SourceTree, entry string) (string, error) {
	content, err := tree.ReadFile(entry)
	if err != nil {
		return "", err
	}
	class := strings.TrimSuffix(path.Base(entry), ".java")
	if m := javaPackageMarker.FindSubmatch(content); m != nil {
		return string(m[1]) + "." + class, nil
	}
	return class, nil
}
