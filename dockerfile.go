package dockerizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

var (
	envKeyPattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	contextFilePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

var envValueEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`)

// The runner account may already exist in some base images; useradd covers
// Debian and adduser covers Alpine.
var createRunnerCommand = fmt.Sprintf(
	"id -u %[1]s >/dev/null 2>&1 || useradd -m -o -u %[2]d %[1]s || adduser -D -u %[2]d %[1]s",
	userRunner, runnerUID,
)

// WORKDIR creates missing directories as root and COPY --chown leaves an
// existing destination's owner alone, so the runner gets its source dir here.
var claimSourceDirCommand = fmt.Sprintf(
	"mkdir -p %[1]s && chown %[2]d:%[2]d %[1]s",
	runnerSrc, runnerUID,
)

// renderDockerfile turns a recipe into a Dockerfile for a context laid out
// as Dockerfile, src/ (the checkout) and .dockerizer/ (recipe files).
// Every step runs as its declared user and the image always ends as runner.
func renderDockerfile(recipe Recipe) ([]byte, error) {
	if strings.TrimSpace(recipe.BaseImage) == "" {
		return nil, fmt.Errorf("%s: no base image", recipe.Buildpack)
	}
	if err := validateEnv(recipe.BuildEnv); err != nil {
		return nil, fmt.Errorf("build env: %w", err)
	}
	if err := validateEnv(recipe.RunEnv); err != nil {
		return nil, fmt.Errorf("run env: %w", err)
	}
	for _, f := range recipe.Files {
		if !contextFilePattern.MatchString(f.Name) {
			return nil, fmt.Errorf("invalid context file name %q", f.Name)
		}
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "FROM %s\n\n", recipe.BaseImage)
	fmt.Fprintf(&b, "USER %s\n", userAdmin)
	writeRun(&b, createRunnerCommand)
	writeRun(&b, claimSourceDirCommand)
	writeEnv(&b, recipe.BuildEnv)
	b.WriteString("\n")

	fmt.Fprintf(&b, "WORKDIR %s\n", runnerSrc)
	chown := fmt.Sprintf("--chown=%d:%d", runnerUID, runnerUID)
	fmt.Fprintf(&b, "COPY %s %s/ ./\n", chown, contextSrc)
	for _, f := range recipe.Files {
		fmt.Fprintf(&b, "COPY %s %s ./%s\n", chown, path.Join(contextAux, f.Name), f.Name)
	}

	user := userAdmin
	for _, step := range recipe.Steps {
		stepUser := step.User
		if stepUser == "" {
			stepUser = userRunner
		}
		if stepUser != user {
			fmt.Fprintf(&b, "USER %s\n", stepUser)
			user = stepUser
		}
		writeRun(&b, step.Command)
	}

	b.WriteString("\n")
	writeEnv(&b, recipe.RunEnv)
	fmt.Fprintf(&b, "USER %s\n", userRunner)
	if len(recipe.Command) > 0 {
		fmt.Fprintf(&b, "CMD %s\n", execForm(recipe.Command))
	}

	if _, err := parser.Parse(bytes.NewReader(b.Bytes())); err != nil {
		return nil, fmt.Errorf("parse generated dockerfile: %w", err)
	}
	return b.Bytes(), nil
}

func writeRun(b *bytes.Buffer, command string) {
	fmt.Fprintf(b, "RUN %s\n", execForm([]string{"/bin/sh", "-c", command}))
}

func writeEnv(b *bytes.Buffer, env []EnvVar) {
	for _, kv := range env {
		fmt.Fprintf(b, "ENV %s=\"%s\"\n", kv.Key, envValueEscaper.Replace(kv.Value))
	}
}

// execForm renders the JSON array form, which needs no shell escaping and
// keeps newlines inside a single instruction line.
func execForm(argv []string) string {
	out, err := json.Marshal(argv)
	if err != nil {
		// []string always marshals.
		panic(err)
	}
	return string(out)
}

func validateEnv(env []EnvVar) error {
	for _, kv := range env {
		if !envKeyPattern.MatchString(kv.Key) {
			return fmt.Errorf("invalid environment variable name %q", kv.Key)
		}
		if strings.ContainsAny(kv.Value, "\r\n") {
			return fmt.Errorf("environment variable %s spans multiple lines", kv.Key)
		}
	}
	return nil
}
