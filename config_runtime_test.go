//nolint:testpackage // Runtime config tests validate unexported resolution helpers directly.
package dockerizer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolveNATSStoreDirDefaultsToPersistentDataDir(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "   "} {
		got := resolveNATSStoreDir(raw)
		if got.isEphemeral {
			t.Fatalf("expected persistent mode for %q, got ephemeral", raw)
		}
		if got.storeDir != defaultNATSStoreDir {
			t.Fatalf("expected default store dir %q, got %q", defaultNATSStoreDir, got.storeDir)
		}
	}
}

func TestResolveNATSStoreDirAcceptsExplicitEphemeralModes(t *testing.T) {
	t.Parallel()

	cases := []string{
		natsStoreDirModeTemp,
		" TEMP ",
		natsStoreDirModeEphemeral,
		" Ephemeral ",
	}
	for _, raw := range cases {
		t.Run(raw, func(t *testing.T) {
			t.Parallel()
			got := resolveNATSStoreDir(raw)
			if !got.isEphemeral {
				t.Fatalf("expected ephemeral mode for %q", raw)
			}
			if got.storeDir != "" {
				t.Fatalf("expected empty storeDir for ephemeral mode, got %q", got.storeDir)
			}
		})
	}
}

func TestResolveNATSStoreDirUsesConfiguredPersistentDir(t *testing.T) {
	t.Parallel()

	got := resolveNATSStoreDir(" ./runtime/state/nats ")
	if got.isEphemeral {
		t.Fatal("expected persistent mode")
	}
	if got.storeDir != "./runtime/state/nats" {
		t.Fatalf("unexpected resolved dir: %q", got.storeDir)
	}
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv(configPathEnv, "")
	t.Setenv("DOCKERIZER_REGISTRY_HOST", "registry.example.com")
	t.Setenv("DOCKERIZER_GIT_BASE_URL", "https://git.example.com")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Queue.BuildQueue != defaultBuildQueueName || cfg.Queue.RoomPrefix != defaultRoomQueuePrefix {
		t.Fatalf("unexpected queue names %q %q", cfg.Queue.BuildQueue, cfg.Queue.RoomPrefix)
	}
	if cfg.Store.Driver != storeDriverKV || cfg.Builder.Mode != imageBuilderModeDocker {
		t.Fatalf("unexpected store %q or builder %q", cfg.Store.Driver, cfg.Builder.Mode)
	}
	if cfg.Timeouts.Build != 30*time.Minute {
		t.Fatalf("unexpected build timeout %s", cfg.Timeouts.Build)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	setRequiredEnv(t)
	path := filepath.Join(t.TempDir(), "dockerizer.yaml")
	body := `
queue:
  buildQueue: from-file
  ackWait: 45s
builder:
  mode: artifact
  entryPointPolicies:
    python: accept-sole-candidate
timeouts:
  push: 3m
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(buildQueueNameEnv, "from-env")
	t.Setenv(roomQueuePrefixEnv, "arena")
	t.Setenv("DOCKERIZER_BUILD_TIMEOUT", "90s")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Queue.BuildQueue != "from-env" || cfg.Queue.RoomPrefix != "arena" {
		t.Fatalf("env did not override queue names: %+v", cfg.Queue)
	}
	if cfg.Queue.AckWait != 45*time.Second || cfg.Timeouts.Push != 3*time.Minute {
		t.Fatalf("file durations not applied: ack=%s push=%s", cfg.Queue.AckWait, cfg.Timeouts.Push)
	}
	if cfg.Timeouts.Build != 90*time.Second {
		t.Fatalf("expected env build timeout, got %s", cfg.Timeouts.Build)
	}
	if cfg.Builder.Mode != imageBuilderModeArtifact {
		t.Fatalf("expected artifact mode, got %q", cfg.Builder.Mode)
	}
	opts, err := registryOptions(cfg.Builder)
	if err != nil {
		t.Fatalf("registry options: %v", err)
	}
	if opts.EntryPointPolicies["python"] != PolicyAcceptSoleCandidate {
		t.Fatalf("unexpected policies %v", opts.EntryPointPolicies)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "missing registry", env: map[string]string{configPathEnv: "", "DOCKERIZER_GIT_BASE_URL": "https://git", "DOCKERIZER_REGISTRY_HOST": ""}, want: "registry.host"},
		{name: "sql without dsn", env: map[string]string{"DOCKERIZER_STORE_DRIVER": "postgres"}, want: "store.dsn"},
		{name: "unknown driver", env: map[string]string{"DOCKERIZER_STORE_DRIVER": "sqlite"}, want: "unknown store.driver"},
		{name: "storage without keys", env: map[string]string{"DOCKERIZER_STORAGE_ENDPOINT": "minio:9000"}, want: "storage.accessKey"},
		{name: "bad builder mode", env: map[string]string{imageBuilderModeEnv: "podman"}, want: "invalid image builder mode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.name != "missing registry" {
				setRequiredEnv(t)
			}
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig("")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
